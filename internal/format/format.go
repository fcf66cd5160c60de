// Package format renders merged transcripts as json, srt, vtt or plain text.
package format

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/houzhh15/transcribex/internal/backend"
	"github.com/houzhh15/transcribex/internal/merge"
)

// Format is an output format name.
type Format string

const (
	JSON Format = "json"
	SRT  Format = "srt"
	VTT  Format = "vtt"
	TXT  Format = "txt"
)

// Parse resolves a format name, case-insensitively. "text" is accepted for
// TXT.
func Parse(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json":
		return JSON, nil
	case "srt":
		return SRT, nil
	case "vtt":
		return VTT, nil
	case "txt", "text":
		return TXT, nil
	default:
		return "", fmt.Errorf("invalid format %q (must be: json, srt, vtt, txt)", name)
	}
}

// ParseList resolves every name in names.
func ParseList(names []string) ([]Format, error) {
	out := make([]Format, 0, len(names))
	for _, n := range names {
		f, err := Parse(n)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Extension returns the file extension, without the dot.
func (f Format) Extension() string { return string(f) }

// Write renders res in format f.
func Write(w io.Writer, f Format, res *merge.Result) error {
	bw := bufio.NewWriter(w)
	var err error
	switch f {
	case JSON:
		enc := json.NewEncoder(bw)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		err = enc.Encode(res)
	case SRT:
		for i := range res.Segments {
			if i > 0 {
				bw.WriteString("\n")
			}
			WriteSegmentSrt(bw, i+1, &res.Segments[i])
		}
	case VTT:
		bw.WriteString("WEBVTT\n\n")
		for i := range res.Segments {
			if i > 0 {
				bw.WriteString("\n")
			}
			WriteSegmentVtt(bw, &res.Segments[i])
		}
	case TXT:
		for i := range res.Segments {
			WriteSegmentText(bw, &res.Segments[i])
			bw.WriteString("\n")
		}
	default:
		return fmt.Errorf("invalid format %q", f)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

// WriteFiles writes res once per format into dir as <base>.<ext> and returns
// the paths written.
func WriteFiles(dir, base string, formats []Format, res *merge.Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	paths := make([]string, 0, len(formats))
	for _, f := range formats {
		path := filepath.Join(dir, base+"."+f.Extension())
		if err := writeFile(path, f, res); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, f Format, res *merge.Result) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Write(file, f, res); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return file.Close()
}

// WriteSegmentText writes "[HH:MM:SS.mmm --> HH:MM:SS.mmm] [Speaker]: Text"
func WriteSegmentText(w io.Writer, s *backend.TranscriptSegment) {
	fmt.Fprintf(w, "[%s --> %s] %s", formatTimestamp(s.Start, '.'), formatTimestamp(s.End, '.'), labeled(s))
}

// WriteSegmentSrt writes one numbered SRT cue.
func WriteSegmentSrt(w io.Writer, index int, s *backend.TranscriptSegment) {
	fmt.Fprintf(w, "%d\n", index)
	fmt.Fprintf(w, "%s --> %s\n", formatTimestamp(s.Start, ','), formatTimestamp(s.End, ','))
	fmt.Fprintf(w, "%s\n", labeled(s))
}

// WriteSegmentVtt writes one WebVTT cue.
func WriteSegmentVtt(w io.Writer, s *backend.TranscriptSegment) {
	fmt.Fprintf(w, "%s --> %s\n", formatTimestamp(s.Start, '.'), formatTimestamp(s.End, '.'))
	fmt.Fprintf(w, "%s\n", labeled(s))
}

func labeled(s *backend.TranscriptSegment) string {
	text := strings.TrimSpace(s.Text)
	if s.Speaker != "" {
		return fmt.Sprintf("[%s]: %s", s.Speaker, text)
	}
	return text
}

// formatTimestamp formats seconds as HH:MM:SS<sep>mmm. SRT uses a comma,
// WebVTT a dot.
func formatTimestamp(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds * float64(time.Second)).Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
