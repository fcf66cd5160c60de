// Package backend defines the boundary to the inference engine that performs
// transcription, word alignment and speaker diarization. The pipeline only
// talks to a Backend; concrete engines live behind it (a remote inference
// service over HTTP, or the in-process echo engine used for dry runs and tests).
package backend

import (
	"context"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/hardware"
)

// ModelKind identifies which stage a loaded model serves.
type ModelKind string

const (
	KindTranscriber ModelKind = "transcriber"
	KindAligner     ModelKind = "aligner"
	KindDiarizer    ModelKind = "diarizer"
)

// Handle refers to a model loaded by a Backend. Handles are only meaningful
// to the Backend that produced them.
type Handle struct {
	ID       string          `json:"handle_id"`
	Kind     ModelKind       `json:"kind"`
	Device   hardware.Device `json:"device"`
	Language string          `json:"language,omitempty"`
}

// Valid reports whether h refers to a loaded model.
func (h Handle) Valid() bool { return h.ID != "" }

// LoadOptions configures a transcription model load.
type LoadOptions struct {
	ModelClass   string             `json:"model"`
	Device       hardware.Device    `json:"device"`
	Precision    hardware.Precision `json:"compute_type"`
	BatchSize    int                `json:"batch_size"`
	LanguageHint string             `json:"language,omitempty"`
	// TrustedDeserialization allows the engine to unpickle model checkpoints
	// that are not in a safe tensor format. Only set it for models from a
	// trusted source.
	TrustedDeserialization bool `json:"trusted_deserialization"`
}

// TranscribeOptions are per-call transcription parameters.
type TranscribeOptions struct {
	BatchSize int
	// Language is empty for auto-detection.
	Language string
}

// DiarizeOptions bound the number of speakers the diarizer may report.
type DiarizeOptions struct {
	MinSpeakers int `json:"min_speakers"`
	MaxSpeakers int `json:"max_speakers"`
}

// Word is one aligned word. Times are seconds.
type Word struct {
	Word    string   `json:"word"`
	Start   float64  `json:"start"`
	End     float64  `json:"end"`
	Score   *float64 `json:"score,omitempty"`
	Speaker string   `json:"speaker,omitempty"`
}

// TranscriptSegment is one recognized utterance. Times are seconds.
type TranscriptSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Words   []Word  `json:"words,omitempty"`
	Speaker string  `json:"speaker,omitempty"`
}

// StageResult is the output of transcription, alignment or speaker
// assignment for one audio segment. Times are local to that segment.
type StageResult struct {
	Language string              `json:"language"`
	Segments []TranscriptSegment `json:"segments"`
}

// Clone returns a deep copy of r.
func (r *StageResult) Clone() *StageResult {
	if r == nil {
		return nil
	}
	out := &StageResult{Language: r.Language, Segments: make([]TranscriptSegment, len(r.Segments))}
	for i, s := range r.Segments {
		if s.Words != nil {
			words := make([]Word, len(s.Words))
			for j, w := range s.Words {
				if w.Score != nil {
					score := *w.Score
					w.Score = &score
				}
				words[j] = w
			}
			s.Words = words
		}
		out.Segments[i] = s
	}
	return out
}

// SpeakerTurn is one diarized interval.
type SpeakerTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Diarization is the diarizer output for one audio segment.
type Diarization struct {
	Turns []SpeakerTurn `json:"segments"`
}

// Backend is the inference engine boundary.
//
// Load, LoadAligner and LoadDiarizer return handles that must be passed to
// Release. Implementations must respect ctx cancellation for every call.
type Backend interface {
	// Name identifies the implementation in logs and metadata.
	Name() string

	Load(ctx context.Context, opts LoadOptions) (Handle, error)
	LoadAligner(ctx context.Context, language string, device hardware.Device) (Handle, error)
	// LoadDiarizer receives the access credential unmodified.
	LoadDiarizer(ctx context.Context, credential string, device hardware.Device) (Handle, error)

	Transcribe(ctx context.Context, h Handle, buf *audio.Buffer, opts TranscribeOptions) (*StageResult, error)
	Align(ctx context.Context, h Handle, result *StageResult, buf *audio.Buffer) (*StageResult, error)
	Diarize(ctx context.Context, h Handle, buf *audio.Buffer, opts DiarizeOptions) (*Diarization, error)
	// AssignSpeakers labels result segments and words from d without
	// modifying result.
	AssignSpeakers(d *Diarization, result *StageResult) *StageResult

	Release(ctx context.Context, h Handle) error
	HealthCheck(ctx context.Context) (bool, error)
}

// MemoryReporter is implemented by backends that can report accelerator
// memory in GB.
type MemoryReporter interface {
	DeviceMemory(ctx context.Context) (allocatedGB, reservedGB float64, err error)
}

// CacheReleaser is implemented by backends that can release cached
// accelerator memory between segments.
type CacheReleaser interface {
	ReleaseCache(ctx context.Context) error
}
