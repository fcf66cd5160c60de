package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/backend"
	"github.com/houzhh15/transcribex/internal/backend/backendtest"
	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/internal/orchestrator"
)

const samplesPerHour = audio.SampleRate * 3600

func fixedMemory() Option {
	return WithProcessMemorySampler(func() (float64, error) { return 1, nil })
}

type progressLog struct {
	values   []float64
	messages []string
}

func (p *progressLog) fn(v float64, msg string) {
	p.values = append(p.values, v)
	p.messages = append(p.messages, msg)
}

var eightGBProfile = hardware.Profile{
	Device:            hardware.DeviceCUDA,
	Name:              "test gpu",
	BatchSize:         16,
	Precision:         hardware.PrecisionFloat16,
	MemoryThresholdGB: 8,
}

func TestProcessThreeHourScenario(t *testing.T) {
	echo := backend.NewEchoBackend(nil)
	p := New(echo, nil, fixedMemory())
	var prog progressLog

	res, err := p.Process(context.Background(), audio.Silence(3*samplesPerHour), eightGBProfile, Config{
		ModelClass:         "large",
		Language:           "auto",
		DiarizationEnabled: true,
		MinSpeakers:        1,
		MaxSpeakers:        2,
	}, "hf_token", prog.fn)
	require.NoError(t, err)

	require.Len(t, res.Segments, 12)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, 0.0, res.Segments[0].Start)
	for i := 1; i < len(res.Segments); i++ {
		want := (float64(i)*0.25*3600*audio.SampleRate - 800) / audio.SampleRate
		assert.InDelta(t, want, res.Segments[i].Start, 1e-6, "segment %d", i)
		assert.GreaterOrEqual(t, res.Segments[i].Start, res.Segments[i-1].Start)
		assert.Equal(t, "x", res.Segments[i].Text)
		assert.Equal(t, "SPEAKER_00", res.Segments[i].Speaker)
	}
	assert.InDelta(t, 3*3600.0, res.Segments[11].End, 1e-6)

	md := res.ProcessingMetadata
	assert.Equal(t, 12, md.SegmentsProcessed)
	assert.Len(t, md.SegmentDetails, 12)
	assert.False(t, md.DeviceFallback)
	assert.Empty(t, md.DegradedStages)
	assert.Equal(t, "echo", md.Backend)
	assert.NotNil(t, md.Memory)
	assert.Equal(t, 0, echo.OpenHandles())

	require.NotEmpty(t, prog.values)
	assert.Equal(t, 0.05, prog.values[0])
	assert.Equal(t, 1.0, prog.values[len(prog.values)-1])
	for i := 1; i < len(prog.values); i++ {
		assert.GreaterOrEqual(t, prog.values[i], prog.values[i-1])
	}
	assert.Contains(t, prog.messages, "Merging segment results...")
}

func TestProcessShortAudioSingleSegment(t *testing.T) {
	p := New(backend.NewEchoBackend(nil), nil, fixedMemory())
	res, err := p.Process(context.Background(), audio.Silence(10*audio.SampleRate), hardware.CPUProfile(), Config{ModelClass: "base", Language: "fr"}, "", nil)
	require.NoError(t, err)

	require.Len(t, res.Segments, 1)
	assert.Equal(t, "fr", res.Language)
	assert.Empty(t, res.Segments[0].Speaker)
	assert.InDelta(t, 10.0, res.Segments[0].End, 1e-9)
}

func TestProcessFallbackReflectedInMetadata(t *testing.T) {
	fake := backendtest.New()
	fake.LoadErrors = map[hardware.Device]error{hardware.DeviceCUDA: errors.New("no CUDA device")}
	p := New(fake, nil, fixedMemory())

	res, err := p.Process(context.Background(), audio.Silence(samplesPerHour), eightGBProfile, Config{ModelClass: "large"}, "", nil)
	require.NoError(t, err)

	md := res.ProcessingMetadata
	assert.True(t, md.DeviceFallback)
	assert.Equal(t, hardware.DeviceCPU, md.Profile.Device)
	assert.Equal(t, 8, md.Profile.BatchSize)
	assert.Equal(t, hardware.DeviceCUDA, eightGBProfile.Device)
	assert.Len(t, fake.LoadCalls, 2)
	assert.Equal(t, 0, fake.OpenHandles())
}

func TestProcessFatalTranscriptionTearsDown(t *testing.T) {
	fake := backendtest.New()
	fake.TranscribeErr = errors.New("decoder exploded")
	fake.TranscribeErrAt = 2
	p := New(fake, nil, fixedMemory())

	res, err := p.Process(context.Background(), audio.Silence(samplesPerHour), eightGBProfile, Config{ModelClass: "large"}, "", nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, orchestrator.TRANSCRIPTION_FAILED, orchestrator.CodeOf(err))
	assert.Equal(t, 2, fake.TranscribeCalls)
	assert.Equal(t, 0, fake.OpenHandles())
}

func TestProcessRecoverableStagesStillMerge(t *testing.T) {
	fake := backendtest.New()
	fake.AlignErr = errors.New("aligner unavailable")
	fake.DiarizeErr = errors.New("diarizer unavailable")
	p := New(fake, nil, fixedMemory())

	res, err := p.Process(context.Background(), audio.Silence(samplesPerHour/2), eightGBProfile,
		Config{ModelClass: "large", DiarizationEnabled: true, MinSpeakers: 1, MaxSpeakers: 3}, "tok", nil)
	require.NoError(t, err)

	require.Len(t, res.Segments, 2)
	assert.Nil(t, res.Segments[0].Words)
	assert.Len(t, res.ProcessingMetadata.DegradedStages, 4)
}

func TestProcessCancelledBetweenSegments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := backendtest.New()
	fake.OnTranscribe = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	p := New(fake, nil, fixedMemory())

	_, err := p.Process(ctx, audio.Silence(samplesPerHour), eightGBProfile, Config{ModelClass: "large"}, "", nil)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, 1, fake.TranscribeCalls)
	assert.Equal(t, 0, fake.OpenHandles())
}

func TestProcessRejectsEmptyAudio(t *testing.T) {
	fake := backendtest.New()
	_, err := New(fake, nil).Process(context.Background(), audio.Silence(0), hardware.CPUProfile(), Config{ModelClass: "base"}, "", nil)
	assert.Equal(t, orchestrator.INVALID_INPUT, orchestrator.CodeOf(err))
	assert.Empty(t, fake.LoadCalls)
}

func TestProcessFatalLoadFailure(t *testing.T) {
	fake := backendtest.New()
	fake.LoadErrors = map[hardware.Device]error{
		hardware.DeviceCUDA: errors.New("no CUDA device"),
		hardware.DeviceCPU:  errors.New("weights missing"),
	}
	_, err := New(fake, nil, fixedMemory()).Process(context.Background(), audio.Silence(100), eightGBProfile, Config{ModelClass: "base"}, "", nil)
	assert.Equal(t, orchestrator.MODEL_LOAD_FAILED, orchestrator.CodeOf(err))
	assert.Equal(t, 0, fake.TranscribeCalls)
}

func TestProcessFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.wav")
	var b bytes.Buffer
	require.NoError(t, audio.Silence(2*audio.SampleRate).WriteWAV(&b))
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))

	p := New(backend.NewEchoBackend(nil), nil, fixedMemory())
	res, err := p.ProcessFile(context.Background(), path, hardware.CPUProfile(), Config{ModelClass: "base"}, "", nil)
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	assert.InDelta(t, 2.0, res.Segments[0].End, 1e-9)

	_, err = p.ProcessFile(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), hardware.CPUProfile(), Config{}, "", nil)
	assert.Equal(t, orchestrator.INVALID_INPUT, orchestrator.CodeOf(err))
}

func TestMonotoneReporterClampsRegressions(t *testing.T) {
	var prog progressLog
	r := newReporter(prog.fn)
	r.report(0.3, "a")
	r.report(0.2, "b")
	r.report(1.7, "c")
	assert.Equal(t, []float64{0.3, 0.3, 1.0}, prog.values)

	newReporter(nil).report(0.5, "ignored")
}

func TestSegmentScale(t *testing.T) {
	base, span := segmentScale(0, 4)
	assert.Equal(t, 0.1, base)
	assert.Equal(t, 0.2, span)
	base, _ = segmentScale(3, 4)
	assert.InDelta(t, 0.7, base, 1e-12)
}
