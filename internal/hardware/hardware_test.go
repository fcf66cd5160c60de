package hardware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProbe struct {
	name    string
	profile *Profile
	err     error
	calls   int
}

func (s *stubProbe) Name() string { return s.name }

func (s *stubProbe) Probe(context.Context) (*Profile, error) {
	s.calls++
	return s.profile, s.err
}

func TestDetectFirstProfileWins(t *testing.T) {
	gpu := NvidiaProfile("NVIDIA GeForce RTX 4090", 24)
	failing := &stubProbe{name: "broken", err: errors.New("driver mismatch")}
	absent := &stubProbe{name: "absent"}
	found := &stubProbe{name: "nvidia", profile: &gpu}
	never := &stubProbe{name: "cpu", profile: &Profile{Device: DeviceCPU}}

	got := Detect(context.Background(), nil, failing, absent, found, never)

	assert.Equal(t, DeviceCUDA, got.Device)
	assert.Equal(t, 64, got.BatchSize)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, absent.calls)
	assert.Equal(t, 0, never.calls)
}

func TestDetectExhaustedReturnsCPUProfile(t *testing.T) {
	got := Detect(context.Background(), nil, &stubProbe{name: "x", err: errors.New("boom")})
	assert.Equal(t, CPUProfile(), got)
	assert.Equal(t, 4, got.BatchSize)
	assert.Equal(t, PrecisionInt8, got.Precision)
	assert.Equal(t, 8.0, got.MemoryThresholdGB)
}

func TestCPUFallbackDoesNotMutate(t *testing.T) {
	orig := Profile{Device: DeviceCUDA, Name: "gpu", BatchSize: 32, Precision: PrecisionFloat16, MemoryThresholdGB: 20}
	fb := orig.CPUFallback()

	assert.Equal(t, DeviceCPU, fb.Device)
	assert.Equal(t, PrecisionInt8, fb.Precision)
	assert.Equal(t, 8, fb.BatchSize)
	assert.Equal(t, 20.0, fb.MemoryThresholdGB)
	assert.True(t, fb.UnifiedMemory)

	assert.Equal(t, DeviceCUDA, orig.Device)
	assert.Equal(t, 32, orig.BatchSize)

	small := Profile{Device: DeviceMPS, BatchSize: 4}.CPUFallback()
	assert.Equal(t, 4, small.BatchSize)
}

func TestNvidiaProfileTable(t *testing.T) {
	tests := []struct {
		name      string
		gpu       string
		memGB     float64
		batch     int
		precision Precision
		threshold float64
	}{
		{"rtx40 large", "NVIDIA GeForce RTX 4080", 16, 64, PrecisionFloat16, 13.6},
		{"rtx40 small", "NVIDIA GeForce RTX 4070", 12, 32, PrecisionFloat16, 10.2},
		{"rtx30", "NVIDIA GeForce RTX 3090", 24, 32, PrecisionFloat16, 19.2},
		{"rtx20", "NVIDIA GeForce RTX 2060", 6, 16, PrecisionFloat16, 4.5},
		{"older", "Tesla T4", 16, 8, PrecisionInt8, 11.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NvidiaProfile(tt.gpu, tt.memGB)
			assert.Equal(t, tt.batch, p.BatchSize)
			assert.Equal(t, tt.precision, p.Precision)
			assert.InDelta(t, tt.threshold, p.MemoryThresholdGB, 1e-9)
			assert.False(t, p.UnifiedMemory)
		})
	}
}

func TestNvidiaProbeParsesSMI(t *testing.T) {
	var gotArgs []string
	probe := NvidiaProbe{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte("NVIDIA GeForce RTX 3080, 10240\nNVIDIA GeForce RTX 3080, 10240\n"), nil
	}}

	p, err := probe.Probe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "nvidia-smi", gotArgs[0])
	assert.Equal(t, "NVIDIA GeForce RTX 3080", p.Name)
	assert.Equal(t, 16, p.BatchSize)
	assert.InDelta(t, 8.0, p.MemoryThresholdGB, 1e-9)
}

func TestNvidiaProbeMissingTool(t *testing.T) {
	probe := NvidiaProbe{Run: func(context.Context, string, ...string) ([]byte, error) {
		return nil, ErrToolNotFound
	}}
	p, err := probe.Probe(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, p)

	broken := NvidiaProbe{Run: func(context.Context, string, ...string) ([]byte, error) {
		return []byte("garbage"), nil
	}}
	_, err = broken.Probe(context.Background())
	assert.Error(t, err)
}

func TestAppleProbe(t *testing.T) {
	linux := AppleProbe{GOOS: "linux", GOARCH: "amd64"}
	p, err := linux.Probe(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p)

	mac := AppleProbe{GOOS: "darwin", GOARCH: "arm64", Run: func(context.Context, string, ...string) ([]byte, error) {
		return []byte("Apple M3 Pro\n"), nil
	}}
	p, err = mac.Probe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, DeviceMPS, p.Device)
	assert.Equal(t, 24, p.BatchSize)
	assert.True(t, p.UnifiedMemory)
}

func TestEnvProbeOverride(t *testing.T) {
	p, err := EnvProbe{}.Probe(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = EnvProbe{Device: DeviceCUDA, BatchSize: 24, MemoryThresholdGB: 11}.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DeviceCUDA, p.Device)
	assert.Equal(t, 24, p.BatchSize)
	assert.Equal(t, PrecisionFloat16, p.Precision)
	assert.Equal(t, 11.0, p.MemoryThresholdGB)

	_, err = EnvProbe{Device: "tpu"}.Probe(context.Background())
	assert.Error(t, err)
}

func TestCPUProbeAlwaysSucceeds(t *testing.T) {
	p, err := CPUProbe{}.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DeviceCPU, p.Device)
	assert.Contains(t, p.Name, "cores")
}

func TestOptimalBatchSize(t *testing.T) {
	cuda := NvidiaProfile("RTX 4090", 24)
	assert.Equal(t, 32, OptimalBatchSize(cuda, 64, 24))
	assert.Equal(t, 8, OptimalBatchSize(cuda, 16, 2))

	cpu := CPUProfile()
	assert.Equal(t, 2, OptimalBatchSize(cpu, 4, 16))
	assert.Equal(t, 1, OptimalBatchSize(cpu, 4, 0))
}
