// Package orchestrator drives one audio segment through transcription,
// alignment and diarization, owning the loaded model handles and the
// one-level device fallback on model load.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/backend"
	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/internal/memory"
	"github.com/houzhh15/transcribex/internal/segment"
	"github.com/houzhh15/transcribex/pkg/logger"
	"github.com/houzhh15/transcribex/pkg/metrics"
)

// Options are the processing choices that affect stage behavior.
type Options struct {
	ModelClass         string
	Language           string
	DiarizationEnabled bool
	MinSpeakers        int
	MaxSpeakers        int
	// Credential unlocks the diarization model. Empty disables diarization.
	Credential             string
	TrustedDeserialization bool
}

// Segment progress checkpoints, as fractions of one segment's budget.
const (
	progressStart       = 0.1
	progressTranscribed = 0.4
	progressAligning    = 0.6
	progressAligned     = 0.8
	progressDiarizing   = 0.9
	progressDone        = 1.0
)

// ProgressFunc receives a fraction in [0,1] of the current unit of work.
type ProgressFunc func(fraction float64, message string)

// SegmentOutcome is the result of RunSegment.
type SegmentOutcome struct {
	SegmentID int
	Result    *backend.StageResult
	Duration  time.Duration
	States    []State
	Degraded  []DegradedStage
}

// Orchestrator runs segments sequentially against one Backend. It is not
// safe for concurrent use; create one per Process call.
type Orchestrator struct {
	backend backend.Backend
	monitor *memory.Monitor
	opts    Options
	logger  *slog.Logger
	state   *PipelineState
}

// New creates an orchestrator. monitor may be nil.
func New(b backend.Backend, monitor *memory.Monitor, opts Options, log *slog.Logger) *Orchestrator {
	log = logger.OrDefault(log).With("component", "orchestrator", "backend", b.Name())
	if monitor != nil {
		reporter, _ := b.(backend.MemoryReporter)
		releaser, _ := b.(backend.CacheReleaser)
		var (
			r memory.DeviceReporter
			c memory.CacheReleaser
		)
		if reporter != nil {
			r = reporter
		}
		if releaser != nil {
			c = releaser
		}
		monitor.SetDevice(r, c)
	}
	return &Orchestrator{
		backend: b,
		monitor: monitor,
		opts:    opts,
		logger:  log,
		state:   NewPipelineState(hardware.Profile{}),
	}
}

// State returns the pipeline state. It stays valid after Teardown.
func (o *Orchestrator) State() *PipelineState { return o.state }

// DiarizationActive reports whether the diarization stage will run.
func (o *Orchestrator) DiarizationActive() bool {
	return o.opts.DiarizationEnabled && o.opts.Credential != ""
}

func (o *Orchestrator) loadOptions(p hardware.Profile) backend.LoadOptions {
	lang := o.opts.Language
	if lang == "auto" {
		lang = ""
	}
	return backend.LoadOptions{
		ModelClass:             o.opts.ModelClass,
		Device:                 p.Device,
		Precision:              p.Precision,
		BatchSize:              p.BatchSize,
		LanguageHint:           lang,
		TrustedDeserialization: o.opts.TrustedDeserialization,
	}
}

// LoadBackend loads the transcription model for profile. When the load fails
// on an accelerator it is retried exactly once with profile.CPUFallback().
// The caller's profile is never modified; the effective profile is recorded
// in State().Profile.
func (o *Orchestrator) LoadBackend(ctx context.Context, profile hardware.Profile) error {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		o.state.addTiming(StageLoad, d)
		metrics.RecordStageDuration(string(StageLoad), d.Seconds())
	}()

	o.state.Profile = profile
	h, err := o.backend.Load(ctx, o.loadOptions(profile))
	if err == nil {
		o.state.Transcriber = h
		logger.LogSegmentProcessing(o.logger, string(StageLoad), "success", -1, time.Since(start).Milliseconds(), "")
		return nil
	}

	if profile.IsCPU() || ctx.Err() != nil {
		se := fatalFor(ctx, StageLoad, err, NewModelLoadError)
		o.recordError(-1, se, start)
		return se
	}

	fallback := profile.CPUFallback()
	o.logger.Warn("model load failed, falling back to CPU",
		"device", profile.Device,
		"error", err,
		"fallback_batch_size", fallback.BatchSize,
		"fallback_compute_type", fallback.Precision)
	metrics.RecordFallbackEvent(string(profile.Device), string(fallback.Device))

	h, fbErr := o.backend.Load(ctx, o.loadOptions(fallback))
	if fbErr != nil {
		se := fatalFor(ctx, StageLoad, fmt.Errorf("%s: %v; cpu fallback: %w", profile.Device, err, fbErr), NewModelLoadError)
		o.recordError(-1, se, start)
		return se
	}

	o.state.Transcriber = h
	o.state.Profile = fallback
	o.state.FellBack = true
	if o.monitor != nil {
		o.monitor.SetProfile(fallback)
	}
	logger.LogSegmentProcessing(o.logger, string(StageLoad), "fallback", -1, time.Since(start).Milliseconds(), "")
	return nil
}

// Transcribe runs the transcription stage. Failures are fatal.
func (o *Orchestrator) Transcribe(ctx context.Context, segmentID int, buf *audio.Buffer) (*backend.StageResult, error) {
	if !o.state.Transcriber.Valid() {
		return nil, NewTranscriptionError(fmt.Errorf("transcription model not loaded"))
	}
	start := time.Now()
	res, err := o.backend.Transcribe(ctx, o.state.Transcriber, buf, backend.TranscribeOptions{
		BatchSize: o.state.Profile.BatchSize,
		Language:  o.loadOptions(o.state.Profile).LanguageHint,
	})
	o.observe(StageTranscribe, start)
	if err != nil {
		se := fatalFor(ctx, StageTranscribe, err, NewTranscriptionError)
		o.recordError(segmentID, se, start)
		return nil, se
	}
	if res == nil {
		res = &backend.StageResult{}
	}
	logger.LogSegmentProcessing(o.logger, string(StageTranscribe), "success", segmentID, time.Since(start).Milliseconds(), "")
	return res, nil
}

// Align adds word timings. It never fails the segment: on error the input is
// returned unchanged together with the recoverable error. Results without
// segments are returned as is.
func (o *Orchestrator) Align(ctx context.Context, segmentID int, result *backend.StageResult, buf *audio.Buffer) (*backend.StageResult, error) {
	if result == nil || len(result.Segments) == 0 {
		return result, nil
	}
	start := time.Now()
	defer o.observe(StageAlign, start)

	lang := result.Language
	if lang == "" {
		lang = o.loadOptions(o.state.Profile).LanguageHint
	}
	if err := o.ensureAligner(ctx, lang); err != nil {
		return result, o.recoverable(segmentID, NewAlignmentError(err), start)
	}

	aligned, err := o.backend.Align(ctx, o.state.Aligner, result, buf)
	if err != nil {
		return result, o.recoverable(segmentID, NewAlignmentError(err), start)
	}
	if aligned == nil {
		aligned = result
	}
	if aligned.Language == "" {
		aligned.Language = result.Language
	}
	logger.LogSegmentProcessing(o.logger, string(StageAlign), "success", segmentID, time.Since(start).Milliseconds(), "")
	return aligned, nil
}

// ensureAligner loads the alignment model for lang, replacing a model loaded
// for another language.
func (o *Orchestrator) ensureAligner(ctx context.Context, lang string) error {
	if o.state.Aligner.Valid() && o.state.AlignerLanguage == lang {
		return nil
	}
	if o.state.Aligner.Valid() {
		o.logger.Info("language changed, reloading aligner", "from", o.state.AlignerLanguage, "to", lang)
		o.release(ctx, o.state.Aligner)
		o.state.Aligner = backend.Handle{}
		o.state.AlignerLanguage = ""
	}
	h, err := o.backend.LoadAligner(ctx, lang, o.state.Profile.Device)
	if err != nil {
		return fmt.Errorf("load aligner for %q: %w", lang, err)
	}
	o.state.Aligner = h
	o.state.AlignerLanguage = lang
	return nil
}

// Diarize labels speakers when diarization is active. On error the input is
// returned unchanged together with the recoverable error.
func (o *Orchestrator) Diarize(ctx context.Context, segmentID int, result *backend.StageResult, buf *audio.Buffer) (*backend.StageResult, error) {
	if !o.DiarizationActive() || result == nil {
		return result, nil
	}
	start := time.Now()
	defer o.observe(StageDiarize, start)

	if !o.state.Diarizer.Valid() {
		h, err := o.backend.LoadDiarizer(ctx, o.opts.Credential, o.state.Profile.Device)
		if err != nil {
			return result, o.recoverable(segmentID, NewDiarizationError(fmt.Errorf("load diarizer: %w", err)), start)
		}
		o.state.Diarizer = h
	}

	d, err := o.backend.Diarize(ctx, o.state.Diarizer, buf, backend.DiarizeOptions{
		MinSpeakers: o.opts.MinSpeakers,
		MaxSpeakers: o.opts.MaxSpeakers,
	})
	if err != nil {
		return result, o.recoverable(segmentID, NewDiarizationError(err), start)
	}
	labeled := o.backend.AssignSpeakers(d, result)
	logger.LogSegmentProcessing(o.logger, string(StageDiarize), "success", segmentID, time.Since(start).Milliseconds(), "")
	return labeled, nil
}

// RunSegment drives one segment through the stage sequence. Only fatal
// errors are returned; recoverable ones are listed in the outcome.
func (o *Orchestrator) RunSegment(ctx context.Context, seg segment.Segment, buf *audio.Buffer, progress ProgressFunc) (*SegmentOutcome, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	start := time.Now()
	m := NewMachine()
	out := &SegmentOutcome{SegmentID: seg.ID}
	fail := func(err error) (*SegmentOutcome, error) {
		_ = m.Transition(StateFailed)
		out.States = m.History()
		out.Duration = time.Since(start)
		metrics.RecordSegment("failed")
		return out, err
	}
	step := func(s State) error {
		if err := m.Transition(s); err != nil {
			return fmt.Errorf("segment %d: %w", seg.ID, err)
		}
		return nil
	}

	progress(progressStart, fmt.Sprintf("segment %d: starting", seg.ID+1))
	if err := step(StateModelsLoading); err != nil {
		return fail(err)
	}
	if !o.state.Transcriber.Valid() {
		return fail(NewModelLoadError(fmt.Errorf("transcription model not loaded")))
	}
	if o.monitor != nil {
		o.monitor.LogStatus(ctx, fmt.Sprintf("segment_%d_start", seg.ID))
	}

	if err := step(StateTranscribing); err != nil {
		return fail(err)
	}
	result, err := o.Transcribe(ctx, seg.ID, buf)
	if err != nil {
		return fail(err)
	}
	progress(progressTranscribed, fmt.Sprintf("segment %d: transcribed", seg.ID+1))

	if len(result.Segments) > 0 {
		if err := step(StateAligning); err != nil {
			return fail(err)
		}
		progress(progressAligning, fmt.Sprintf("segment %d: aligning", seg.ID+1))
		result, err = o.Align(ctx, seg.ID, result, buf)
		o.collect(out, err)
		progress(progressAligned, fmt.Sprintf("segment %d: aligned", seg.ID+1))

		if o.DiarizationActive() {
			if err := step(StateDiarizing); err != nil {
				return fail(err)
			}
			progress(progressDiarizing, fmt.Sprintf("segment %d: diarizing", seg.ID+1))
			result, err = o.Diarize(ctx, seg.ID, result, buf)
			o.collect(out, err)
		}
	}

	if err := step(StateDone); err != nil {
		return fail(err)
	}
	if o.monitor != nil {
		o.monitor.LogStatus(ctx, fmt.Sprintf("segment_%d_done", seg.ID))
	}
	progress(progressDone, fmt.Sprintf("segment %d: done", seg.ID+1))

	out.Result = result
	out.States = m.History()
	out.Duration = time.Since(start)
	if len(out.Degraded) > 0 {
		metrics.RecordSegment("degraded")
	} else {
		metrics.RecordSegment("success")
	}
	return out, nil
}

func (o *Orchestrator) collect(out *SegmentOutcome, err error) {
	var se *StageError
	if errors.As(err, &se) {
		out.Degraded = append(out.Degraded, DegradedStage{
			SegmentID: out.SegmentID,
			Stage:     se.Stage,
			Code:      se.Code,
			Message:   se.Error(),
		})
	}
}

// Teardown releases every loaded handle and forces a memory cleanup. It is
// safe to call more than once.
func (o *Orchestrator) Teardown(ctx context.Context) {
	// release must run even if the caller's context is already cancelled
	ctx = context.WithoutCancel(ctx)
	for _, h := range []*backend.Handle{&o.state.Diarizer, &o.state.Aligner, &o.state.Transcriber} {
		if h.Valid() {
			o.release(ctx, *h)
			*h = backend.Handle{}
		}
	}
	o.state.AlignerLanguage = ""
	if o.monitor != nil {
		o.monitor.ForceCleanup(ctx)
	}
}

func (o *Orchestrator) release(ctx context.Context, h backend.Handle) {
	if err := o.backend.Release(ctx, h); err != nil {
		o.logger.Warn("release failed", "handle", h.ID, "kind", h.Kind, "error", err)
	}
}

func (o *Orchestrator) observe(stage Stage, start time.Time) {
	d := time.Since(start)
	o.state.addTiming(stage, d)
	metrics.RecordStageDuration(string(stage), d.Seconds())
}

func (o *Orchestrator) recordError(segmentID int, se *StageError, start time.Time) {
	metrics.RecordStageError(string(se.Stage), string(se.Code))
	logger.LogSegmentProcessing(o.logger, string(se.Stage), "error", segmentID, time.Since(start).Milliseconds(), string(se.Code))
	o.logger.Error("stage failed", "segment_id", segmentID, "stage", se.Stage, "error", se)
}

// recoverable logs and counts se, records it as a degraded stage and
// returns it.
func (o *Orchestrator) recoverable(segmentID int, se *StageError, start time.Time) *StageError {
	metrics.RecordStageError(string(se.Stage), string(se.Code))
	logger.LogSegmentProcessing(o.logger, string(se.Stage), "error", segmentID, time.Since(start).Milliseconds(), string(se.Code))
	o.logger.Warn("stage degraded, continuing", "segment_id", segmentID, "stage", se.Stage, "error", se)
	o.state.Degraded = append(o.state.Degraded, DegradedStage{
		SegmentID: segmentID,
		Stage:     se.Stage,
		Code:      se.Code,
		Message:   se.Error(),
	})
	return se
}
