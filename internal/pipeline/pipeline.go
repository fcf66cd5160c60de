// Package pipeline runs the complete transcription of one input: model load
// with device fallback, memory-bounded segmentation, sequential per-segment
// processing and the final merge.
package pipeline

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
	"github.com/houzhh15/transcribex/internal/merge"
	"github.com/houzhh15/transcribex/internal/orchestrator"
	"github.com/houzhh15/transcribex/internal/segment"
	"github.com/houzhh15/transcribex/pkg/logger"
	"github.com/houzhh15/transcribex/pkg/metrics"
)

// Config selects what to run for one input.
type Config struct {
	ModelClass         string  `json:"model" yaml:"model"`
	Language           string  `json:"language" yaml:"language"`
	DiarizationEnabled bool    `json:"diarization_enabled" yaml:"diarization_enabled"`
	MinSpeakers        int     `json:"min_speakers" yaml:"min_speakers"`
	MaxSpeakers        int     `json:"max_speakers" yaml:"max_speakers"`

	// PreferredSegmentLengthHours caps the segment length when the input
	// has to be split. Zero leaves the length to the memory budget.
	PreferredSegmentLengthHours float64 `json:"segment_length_hours" yaml:"segment_length_hours"`
}

// Pipeline processes inputs against one Backend. A Pipeline may be reused,
// but every Process call builds its own state; calls on the same Pipeline
// must not overlap.
type Pipeline struct {
	backend                backend.Backend
	loader                 *audio.Loader
	logger                 *slog.Logger
	trustedDeserialization bool
	processSampler         func() (float64, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLoader sets the file decoder used by ProcessFile.
func WithLoader(l *audio.Loader) Option {
	return func(p *Pipeline) { p.loader = l }
}

// WithTrustedDeserialization lets the backend load checkpoints that need
// unrestricted deserialization.
func WithTrustedDeserialization(trusted bool) Option {
	return func(p *Pipeline) { p.trustedDeserialization = trusted }
}

// WithProcessMemorySampler overrides process memory sampling.
func WithProcessMemorySampler(f func() (float64, error)) Option {
	return func(p *Pipeline) { p.processSampler = f }
}

// New creates a Pipeline.
func New(b backend.Backend, log *slog.Logger, opts ...Option) *Pipeline {
	log = logger.OrDefault(log)
	p := &Pipeline{
		backend: b,
		logger:  log.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.loader == nil {
		p.loader = audio.NewLoader("", log)
	}
	return p
}

// Planner returns the segment planner for cfg.
func Planner(cfg Config) segment.Planner {
	p := segment.DefaultPlanner()
	p.MaxSegmentHours = cfg.PreferredSegmentLengthHours
	return p
}

// ProcessFile decodes the file at path and processes it.
func (p *Pipeline) ProcessFile(ctx context.Context, path string, profile hardware.Profile, cfg Config, credential string, progress ProgressFunc) (*merge.Result, error) {
	buf, err := p.loader.Load(ctx, path)
	if err != nil {
		metrics.RecordPipelineRun("failed")
		return nil, orchestrator.NewStageError(orchestrator.INVALID_INPUT, orchestrator.StageLoad, "audio decode failed", err)
	}
	return p.Process(ctx, buf, profile, cfg, credential, progress)
}

// Process transcribes buf. Handles loaded during the call are released and a
// memory cleanup is forced on every return path. Either the full merged
// result or an error is returned, never a partial transcript.
func (p *Pipeline) Process(ctx context.Context, buf *audio.Buffer, profile hardware.Profile, cfg Config, credential string, progress ProgressFunc) (res *merge.Result, err error) {
	start := time.Now()
	report := newReporter(progress)
	log := p.logger.With("run_id", start.UnixNano())

	defer func() {
		switch {
		case err == nil:
			metrics.RecordPipelineRun("success")
		case orchestrator.CodeOf(err) == orchestrator.CANCELLED:
			metrics.RecordPipelineRun("cancelled")
		default:
			metrics.RecordPipelineRun("failed")
		}
	}()

	if buf.Len() == 0 {
		return nil, orchestrator.NewInvalidInputError("audio buffer is empty")
	}

	var monOpts []memory.Option
	if p.processSampler != nil {
		monOpts = append(monOpts, memory.WithProcessSampler(p.processSampler))
	}
	monitor := memory.NewMonitor(profile, log, monOpts...)
	orch := orchestrator.New(p.backend, monitor, orchestrator.Options{
		ModelClass:             cfg.ModelClass,
		Language:               cfg.Language,
		DiarizationEnabled:     cfg.DiarizationEnabled,
		MinSpeakers:            cfg.MinSpeakers,
		MaxSpeakers:            cfg.MaxSpeakers,
		Credential:             credential,
		TrustedDeserialization: p.trustedDeserialization,
	}, log)
	defer orch.Teardown(ctx)

	log.Info("processing started",
		"duration_s", buf.DurationSeconds(),
		"model", cfg.ModelClass,
		"device", profile.Device,
		"batch_size", profile.BatchSize,
		"diarization", orch.DiarizationActive())

	// 1. models
	report.report(progressLoading, "Loading models...")
	if err := orch.LoadBackend(ctx, profile); err != nil {
		return nil, err
	}
	effective := orch.State().Profile

	// 2. plan
	plan := Planner(cfg).Plan(buf.Len(), cfg.ModelClass, effective.BatchSize, effective.MemoryThresholdGB)
	log.Info("segment plan",
		"segments", len(plan),
		"estimate_gb", memory.Estimate(buf.DurationHours(), cfg.ModelClass, effective.BatchSize),
		"threshold_gb", effective.MemoryThresholdGB)
	report.report(progressPlanned, fmt.Sprintf("Processing %d segment(s)...", len(plan)))

	// 3. segments, strictly in order
	results := make([]*backend.StageResult, 0, len(plan))
	durations := make([]time.Duration, 0, len(plan))
	for i, seg := range plan {
		if i > 0 {
			if cerr := ctx.Err(); cerr != nil {
				log.Warn("processing cancelled", "completed_segments", i, "total_segments", len(plan))
				return nil, orchestrator.NewCancelledError(orchestrator.StageTranscribe, cerr)
			}
		}

		part, serr := buf.Slice(seg.StartSample, seg.EndSample)
		if serr != nil {
			return nil, fmt.Errorf("segment %d: %w", seg.ID, serr)
		}
		base, span := segmentScale(i, len(plan))
		out, rerr := orch.RunSegment(ctx, seg, part, func(f float64, msg string) {
			report.report(base+f*span, msg)
		})
		if rerr != nil {
			return nil, rerr
		}
		results = append(results, out.Result)
		durations = append(durations, out.Duration)

		if i < len(plan)-1 {
			monitor.ForceCleanup(ctx)
		}
	}

	// 4. merge
	report.report(progressMerging, "Merging segment results...")
	merged, merr := merge.Merge(results, plan)
	if merr != nil {
		return nil, orchestrator.NewMergeError(merr)
	}

	state := orch.State()
	memReport := monitor.Report(ctx)
	md := &merged.ProcessingMetadata
	md.SegmentDetails = merge.SegmentDetails(plan, results, durations)
	for _, d := range durations {
		md.SegmentProcessingTimeS += d.Seconds()
	}
	md.StageTimingsS = make(map[string]float64, len(state.Timings))
	for stage, d := range state.Timings {
		md.StageTimingsS[string(stage)] = d.Seconds()
	}
	md.DegradedStages = append([]orchestrator.DegradedStage{}, state.Degraded...)
	md.DeviceFallback = state.FellBack
	md.Profile = state.Profile
	md.ModelClass = cfg.ModelClass
	md.Backend = p.backend.Name()
	md.AudioDurationS = buf.DurationSeconds()
	md.Memory = &memReport

	// 5. release before reporting completion
	orch.Teardown(ctx)
	md.TotalProcessingTimeS = time.Since(start).Seconds()

	report.report(progressComplete, fmt.Sprintf("Processing completed in %.1f seconds", md.TotalProcessingTimeS))
	log.Info("processing completed",
		"segments", len(plan),
		"utterances", len(merged.Segments),
		"degraded_stages", len(md.DegradedStages),
		"device_fallback", md.DeviceFallback,
		"elapsed_s", md.TotalProcessingTimeS)
	return merged, nil
}

// IsCancelled reports whether err ended a run because ctx was cancelled.
func IsCancelled(err error) bool {
	return orchestrator.CodeOf(err) == orchestrator.CANCELLED || errors.Is(err, context.Canceled)
}
