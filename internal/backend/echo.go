package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/hardware"
)

// EchoBackend is a deterministic in-process engine. Transcribe returns one
// segment spanning the whole input with the text "x"; Align adds a single
// word per segment; Diarize reports one speaker for the whole input.
//
// It is used for dry runs (no inference service available) and as the
// engine behind end-to-end tests.
type EchoBackend struct {
	// Language is reported by Transcribe when no language is requested.
	Language string

	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	open   map[string]Handle
}

// NewEchoBackend creates an EchoBackend reporting "en" for auto-detection.
func NewEchoBackend(logger *slog.Logger) *EchoBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoBackend{
		Language: "en",
		logger:   logger.With("component", "echo_backend"),
		open:     make(map[string]Handle),
	}
}

func (e *EchoBackend) Name() string { return "echo" }

func (e *EchoBackend) newHandle(kind ModelKind, device hardware.Device, language string) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		e.open = make(map[string]Handle)
	}
	e.nextID++
	h := Handle{ID: fmt.Sprintf("echo-%s-%d", kind, e.nextID), Kind: kind, Device: device, Language: language}
	e.open[h.ID] = h
	return h
}

// OpenHandles returns the number of handles not yet released.
func (e *EchoBackend) OpenHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

func (e *EchoBackend) Load(ctx context.Context, opts LoadOptions) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	e.logger.Debug("load", "model", opts.ModelClass, "device", opts.Device, "compute_type", opts.Precision)
	return e.newHandle(KindTranscriber, opts.Device, opts.LanguageHint), nil
}

func (e *EchoBackend) LoadAligner(ctx context.Context, language string, device hardware.Device) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	return e.newHandle(KindAligner, device, language), nil
}

func (e *EchoBackend) LoadDiarizer(ctx context.Context, credential string, device hardware.Device) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	return e.newHandle(KindDiarizer, device, ""), nil
}

func (e *EchoBackend) Transcribe(ctx context.Context, h Handle, buf *audio.Buffer, opts TranscribeOptions) (*StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lang := opts.Language
	if lang == "" || lang == "auto" {
		lang = e.Language
	}
	return &StageResult{
		Language: lang,
		Segments: []TranscriptSegment{{Start: 0, End: buf.DurationSeconds(), Text: "x"}},
	}, nil
}

func (e *EchoBackend) Align(ctx context.Context, h Handle, result *StageResult, buf *audio.Buffer) (*StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := result.Clone()
	score := 1.0
	for i := range out.Segments {
		s := &out.Segments[i]
		s.Words = []Word{{Word: s.Text, Start: s.Start, End: s.End, Score: &score}}
	}
	return out, nil
}

func (e *EchoBackend) Diarize(ctx context.Context, h Handle, buf *audio.Buffer, opts DiarizeOptions) (*Diarization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Diarization{Turns: []SpeakerTurn{{Start: 0, End: buf.DurationSeconds(), Speaker: "SPEAKER_00"}}}, nil
}

func (e *EchoBackend) AssignSpeakers(d *Diarization, result *StageResult) *StageResult {
	return AssignSpeakers(d, result)
}

func (e *EchoBackend) Release(ctx context.Context, h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[h.ID]; !ok {
		return fmt.Errorf("unknown handle %q", h.ID)
	}
	delete(e.open, h.ID)
	return nil
}

func (e *EchoBackend) HealthCheck(ctx context.Context) (bool, error) {
	return true, nil
}
