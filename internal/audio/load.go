package audio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Loader decodes audio files into Buffers. WAV and FLAC are decoded in
// process; every other container is converted by ffmpeg first.
type Loader struct {
	FFmpegPath string
	Logger     *slog.Logger
}

// NewLoader returns a Loader using ffmpegPath ("ffmpeg" when empty).
func NewLoader(ffmpegPath string, logger *slog.Logger) *Loader {
	ffmpegPath = strings.TrimSpace(ffmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{FFmpegPath: ffmpegPath, Logger: logger.With("component", "audio_loader")}
}

// Load decodes the file at path.
func (l *Loader) Load(ctx context.Context, path string) (*Buffer, error) {
	start := time.Now()
	ext := strings.ToLower(filepath.Ext(path))

	var (
		buf *Buffer
		err error
	)
	switch ext {
	case ".wav", ".wave":
		buf, err = decodeFile(path, DecodeWAV)
	case ".flac":
		buf, err = decodeFile(path, DecodeFLAC)
	default:
		buf, err = l.convert(ctx, path)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	l.Logger.Info("audio loaded",
		"path", path,
		"samples", buf.Len(),
		"duration_s", buf.DurationSeconds(),
		"elapsed_ms", time.Since(start).Milliseconds())
	return buf, nil
}

func decodeFile(path string, decode func(io.Reader) (*Buffer, error)) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(bufio.NewReader(f))
}

// convert runs ffmpeg to produce 16 kHz mono PCM WAV on stdout.
func (l *Loader) convert(ctx context.Context, path string) (*Buffer, error) {
	if _, err := exec.LookPath(l.FFmpegPath); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not available for %s input", ErrUnsupportedFormat, filepath.Ext(path))
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, l.FFmpegPath, "-nostdin", "-i", path, "-ac", "1", "-ar", "16000", "-f", "wav", "-acodec", "pcm_s16le", "-")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return decodeStreamedWAV(stdout.Bytes())
}

// decodeStreamedWAV handles ffmpeg's piped output. Its data chunk size is a
// placeholder because stdout is not seekable, so the chunk is read to EOF.
func decodeStreamedWAV(b []byte) (*Buffer, error) {
	return DecodeWAV(bytes.NewReader(b))
}
