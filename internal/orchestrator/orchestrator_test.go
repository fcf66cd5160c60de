package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/backend"
	"github.com/houzhh15/transcribex/internal/backend/backendtest"
	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/internal/memory"
	"github.com/houzhh15/transcribex/internal/segment"
)

var cudaProfile = hardware.Profile{
	Device:            hardware.DeviceCUDA,
	Name:              "RTX 3090",
	BatchSize:         32,
	Precision:         hardware.PrecisionFloat16,
	MemoryThresholdGB: 19.2,
}

func newTestOrchestrator(b backend.Backend, opts Options) *Orchestrator {
	mon := memory.NewMonitor(cudaProfile, nil, memory.WithProcessSampler(func() (float64, error) { return 1, nil }))
	return New(b, mon, opts, nil)
}

func TestLoadBackendSuccessNoFallback(t *testing.T) {
	fake := backendtest.New()
	o := newTestOrchestrator(fake, Options{ModelClass: "large-v2", Language: "auto"})

	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))

	require.Len(t, fake.LoadCalls, 1)
	assert.Equal(t, hardware.DeviceCUDA, fake.LoadCalls[0].Device)
	assert.Empty(t, fake.LoadCalls[0].LanguageHint)
	assert.False(t, o.State().FellBack)
	assert.Equal(t, cudaProfile, o.State().Profile)
}

func TestLoadBackendFallsBackExactlyOnce(t *testing.T) {
	fake := backendtest.New()
	fake.LoadErrors = map[hardware.Device]error{hardware.DeviceCUDA: errors.New("CUDA out of memory")}
	profile := cudaProfile
	o := newTestOrchestrator(fake, Options{ModelClass: "large-v2", TrustedDeserialization: true})

	require.NoError(t, o.LoadBackend(context.Background(), profile))

	require.Len(t, fake.LoadCalls, 2)
	retry := fake.LoadCalls[1]
	assert.Equal(t, hardware.DeviceCPU, retry.Device)
	assert.Equal(t, hardware.PrecisionInt8, retry.Precision)
	assert.Equal(t, 8, retry.BatchSize)
	assert.True(t, retry.TrustedDeserialization)

	assert.True(t, o.State().FellBack)
	assert.Equal(t, hardware.DeviceCPU, o.State().Profile.Device)
	// caller's profile untouched
	assert.Equal(t, cudaProfile, profile)
}

func TestLoadBackendSecondFailureIsFatal(t *testing.T) {
	fake := backendtest.New()
	fake.LoadErrors = map[hardware.Device]error{
		hardware.DeviceCUDA: errors.New("CUDA out of memory"),
		hardware.DeviceCPU:  errors.New("weights missing"),
	}
	o := newTestOrchestrator(fake, Options{ModelClass: "large-v2"})

	err := o.LoadBackend(context.Background(), cudaProfile)
	require.Error(t, err)
	assert.Equal(t, MODEL_LOAD_FAILED, CodeOf(err))
	assert.True(t, IsFatal(err))
	assert.Len(t, fake.LoadCalls, 2)
	assert.Contains(t, err.Error(), "weights missing")
}

func TestLoadBackendCPUFailureNoRetry(t *testing.T) {
	fake := backendtest.New()
	fake.LoadErrors = map[hardware.Device]error{hardware.DeviceCPU: errors.New("weights missing")}
	o := newTestOrchestrator(fake, Options{ModelClass: "base"})

	err := o.LoadBackend(context.Background(), hardware.CPUProfile())
	assert.Equal(t, MODEL_LOAD_FAILED, CodeOf(err))
	assert.Len(t, fake.LoadCalls, 1)
}

func TestRunSegmentFullSequence(t *testing.T) {
	fake := backendtest.New()
	o := newTestOrchestrator(fake, Options{ModelClass: "base", DiarizationEnabled: true, MinSpeakers: 1, MaxSpeakers: 2, Credential: "hf_token"})
	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))

	var fractions []float64
	seg := segment.Segment{ID: 0, EndSample: 32000}
	out, err := o.RunSegment(context.Background(), seg, audio.Silence(32000), func(f float64, _ string) {
		fractions = append(fractions, f)
	})
	require.NoError(t, err)

	assert.Equal(t, []State{StateIdle, StateModelsLoading, StateTranscribing, StateAligning, StateDiarizing, StateDone}, out.States)
	assert.Equal(t, []float64{0.1, 0.4, 0.6, 0.8, 0.9, 1.0}, fractions)
	require.Len(t, out.Result.Segments, 1)
	assert.Equal(t, "SPEAKER_00", out.Result.Segments[0].Speaker)
	assert.Len(t, out.Result.Segments[0].Words, 1)
	assert.Equal(t, []string{"hf_token"}, fake.DiarizerCredentials)
	assert.Empty(t, out.Degraded)
}

func TestRunSegmentAlignFailureIsRecoverable(t *testing.T) {
	fake := backendtest.New()
	fake.AlignErr = errors.New("no alignment model for language")
	o := newTestOrchestrator(fake, Options{ModelClass: "base"})
	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))

	out, err := o.RunSegment(context.Background(), segment.Segment{EndSample: 16000}, audio.Silence(16000), nil)
	require.NoError(t, err)

	assert.Equal(t, StateDone, out.States[len(out.States)-1])
	require.Len(t, out.Result.Segments, 1)
	assert.Nil(t, out.Result.Segments[0].Words)
	require.Len(t, out.Degraded, 1)
	assert.Equal(t, ALIGNMENT_FAILED, out.Degraded[0].Code)
	assert.Len(t, o.State().Degraded, 1)
}

func TestRunSegmentDiarizeFailureIsRecoverable(t *testing.T) {
	fake := backendtest.New()
	fake.DiarizeErr = errors.New("pyannote crashed")
	o := newTestOrchestrator(fake, Options{ModelClass: "base", DiarizationEnabled: true, Credential: "tok"})
	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))

	out, err := o.RunSegment(context.Background(), segment.Segment{EndSample: 16000}, audio.Silence(16000), nil)
	require.NoError(t, err)
	assert.Empty(t, out.Result.Segments[0].Speaker)
	assert.Len(t, out.Result.Segments[0].Words, 1)
	require.Len(t, out.Degraded, 1)
	assert.Equal(t, DIARIZATION_FAILED, out.Degraded[0].Code)
	assert.False(t, IsFatal(NewDiarizationError(errors.New("x"))))
}

func TestDiarizationSkippedWithoutCredential(t *testing.T) {
	fake := backendtest.New()
	o := newTestOrchestrator(fake, Options{ModelClass: "base", DiarizationEnabled: true})
	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))

	out, err := o.RunSegment(context.Background(), segment.Segment{EndSample: 16000}, audio.Silence(16000), nil)
	require.NoError(t, err)
	assert.NotContains(t, out.States, StateDiarizing)
	assert.Equal(t, 0, fake.DiarizeCalls)
	assert.Empty(t, fake.DiarizerCredentials)
}

func TestRunSegmentTranscribeFailureIsFatal(t *testing.T) {
	fake := backendtest.New()
	fake.TranscribeErr = errors.New("decoder exploded")
	o := newTestOrchestrator(fake, Options{ModelClass: "base"})
	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))

	out, err := o.RunSegment(context.Background(), segment.Segment{EndSample: 16000}, audio.Silence(16000), nil)
	require.Error(t, err)
	assert.Equal(t, TRANSCRIPTION_FAILED, CodeOf(err))
	assert.Equal(t, StateFailed, out.States[len(out.States)-1])
	assert.Equal(t, 0, fake.AlignCalls)
}

func TestAlignSkippedForEmptyResult(t *testing.T) {
	fake := backendtest.New()
	o := newTestOrchestrator(fake, Options{ModelClass: "base"})

	res, err := o.Align(context.Background(), 0, &backend.StageResult{Language: "en"}, audio.Silence(10))
	require.NoError(t, err)
	assert.Empty(t, res.Segments)
	assert.Empty(t, fake.AlignerLoads)
}

func TestAlignWithoutResultKeepsInput(t *testing.T) {
	fake := backendtest.New()
	fake.AlignNil = true
	o := newTestOrchestrator(fake, Options{ModelClass: "base"})
	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))

	in := &backend.StageResult{Language: "en", Segments: []backend.TranscriptSegment{{Start: 0, End: 1, Text: "x"}}}
	res, err := o.Align(context.Background(), 0, in, audio.Silence(16000))
	require.NoError(t, err)
	assert.Same(t, in, res)
	assert.Equal(t, 1, fake.AlignCalls)
	assert.Empty(t, o.State().Degraded)
}

func TestAlignerReloadedOnLanguageChange(t *testing.T) {
	fake := backendtest.New()
	fake.Languages = []string{"en", "en", "de"}
	o := newTestOrchestrator(fake, Options{ModelClass: "base"})
	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))

	for i := 0; i < 3; i++ {
		_, err := o.RunSegment(context.Background(), segment.Segment{ID: i, EndSample: 16000}, audio.Silence(16000), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"en", "de"}, fake.AlignerLoads)
	assert.Equal(t, "de", o.State().AlignerLanguage)
	// the english aligner was released when german was detected
	require.Len(t, fake.Released, 1)
	assert.Equal(t, backend.KindAligner, fake.Released[0].Kind)
}

func TestTeardownReleasesAllHandles(t *testing.T) {
	fake := backendtest.New()
	o := newTestOrchestrator(fake, Options{ModelClass: "base", DiarizationEnabled: true, Credential: "tok"})
	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))
	_, err := o.RunSegment(context.Background(), segment.Segment{EndSample: 16000}, audio.Silence(16000), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.OpenHandles())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.Teardown(ctx)
	o.Teardown(ctx)

	assert.Equal(t, 0, fake.OpenHandles())
	assert.Len(t, fake.Released, 3)
	assert.False(t, o.State().Transcriber.Valid())
}

func TestTranscribeCancelledMapsToCancelled(t *testing.T) {
	fake := backendtest.New()
	o := newTestOrchestrator(fake, Options{ModelClass: "base"})
	require.NoError(t, o.LoadBackend(context.Background(), cudaProfile))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Transcribe(ctx, 0, audio.Silence(16000))
	assert.Equal(t, CANCELLED, CodeOf(err))
}

func TestMachineRejectsIllegalTransitions(t *testing.T) {
	m := NewMachine()
	assert.Error(t, m.Transition(StateTranscribing))
	require.NoError(t, m.Transition(StateModelsLoading))
	require.NoError(t, m.Transition(StateFailed))
	assert.Error(t, m.Transition(StateModelsLoading))
	assert.Error(t, m.Transition(StateFailed))

	m = NewMachine()
	for _, s := range []State{StateModelsLoading, StateTranscribing, StateDone} {
		require.NoError(t, m.Transition(s))
	}
	assert.True(t, m.State().Terminal())
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(errors.New("plain")))
	assert.True(t, IsFatal(NewModelLoadError(nil)))
	assert.False(t, IsFatal(NewAlignmentError(nil)))
	wrapped := errors.Join(errors.New("ctx"), NewMergeError(nil))
	assert.True(t, IsFatal(wrapped))
	assert.Equal(t, MERGE_FAILED, CodeOf(wrapped))
}
