package hardware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Probe inspects the host for one kind of device. A nil profile with a nil
// error means the device is not present.
type Probe interface {
	Name() string
	Probe(ctx context.Context) (*Profile, error)
}

// Detect evaluates probes in order and returns the first profile found.
// Probe errors are logged and skipped; CPUProfile is returned when no probe
// yields a profile.
func Detect(ctx context.Context, logger *slog.Logger, probes ...Probe) Profile {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hardware_probe")

	for _, p := range probes {
		start := time.Now()
		profile, err := p.Probe(ctx)
		if err != nil {
			logger.Warn("hardware probe failed", "probe", p.Name(), "error", err)
			continue
		}
		if profile == nil {
			logger.Debug("hardware not present", "probe", p.Name(), "elapsed_ms", time.Since(start).Milliseconds())
			continue
		}
		logger.Info("hardware detected",
			"probe", p.Name(),
			"device", profile.Device,
			"name", profile.Name,
			"batch_size", profile.BatchSize,
			"compute_type", profile.Precision,
			"memory_threshold_gb", profile.MemoryThresholdGB)
		return *profile
	}

	fallback := CPUProfile()
	logger.Info("no accelerator detected, using CPU profile", "batch_size", fallback.BatchSize)
	return fallback
}

// DefaultProbes returns the standard probe chain. override is consulted first.
func DefaultProbes(override EnvProbe) []Probe {
	return []Probe{override, AppleProbe{}, NvidiaProbe{}, CPUProbe{}}
}

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ErrToolNotFound signals that the inspection tool is not installed.
var ErrToolNotFound = errors.New("tool not found")

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// EnvProbe turns an explicit configuration override into a profile. It is
// inactive when Device is empty.
type EnvProbe struct {
	Device            Device
	DeviceName        string
	BatchSize         int
	Precision         Precision
	MemoryThresholdGB float64
}

func (EnvProbe) Name() string { return "override" }

func (e EnvProbe) Probe(context.Context) (*Profile, error) {
	if e.Device == "" {
		return nil, nil
	}
	var p Profile
	switch e.Device {
	case DeviceCPU:
		p = CPUProfile()
	case DeviceMPS:
		p = AppleProfile(e.DeviceName)
	case DeviceCUDA, DeviceROCm, DeviceXPU:
		p = Profile{Device: e.Device, HardwareType: string(e.Device), BatchSize: 16, Precision: PrecisionFloat16, MemoryThresholdGB: 8}
	default:
		return nil, fmt.Errorf("unsupported device override %q", e.Device)
	}
	p.Name = "configured " + string(e.Device)
	if e.DeviceName != "" {
		p.Name = e.DeviceName
	}
	if e.BatchSize > 0 {
		p.BatchSize = e.BatchSize
	}
	if e.Precision != "" {
		p.Precision = e.Precision
	}
	if e.MemoryThresholdGB > 0 {
		p.MemoryThresholdGB = e.MemoryThresholdGB
	}
	p.UnifiedMemory = IsUnifiedMemory(p.Device)
	return &p, nil
}

// NvidiaProbe queries nvidia-smi for the first GPU.
type NvidiaProbe struct {
	Run CommandRunner
}

func (NvidiaProbe) Name() string { return "nvidia" }

func (n NvidiaProbe) Probe(ctx context.Context) (*Profile, error) {
	run := n.Run
	if run == nil {
		run = execRunner
	}
	out, err := run(ctx, "nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		if errors.Is(err, ErrToolNotFound) {
			return nil, nil
		}
		return nil, err
	}

	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0])
	if line == "" {
		return nil, nil
	}
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("unexpected nvidia-smi output %q", line)
	}
	memMiB, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("parse gpu memory %q: %w", parts[1], err)
	}
	p := NvidiaProfile(strings.TrimSpace(parts[0]), memMiB/1024)
	return &p, nil
}

// AppleProbe reports Apple Silicon (MPS) on darwin/arm64.
type AppleProbe struct {
	Run CommandRunner
	// GOOS and GOARCH default to the running platform.
	GOOS, GOARCH string
}

func (AppleProbe) Name() string { return "apple_mps" }

func (a AppleProbe) Probe(ctx context.Context) (*Profile, error) {
	goos, goarch := a.GOOS, a.GOARCH
	if goos == "" {
		goos, goarch = runtime.GOOS, runtime.GOARCH
	}
	if goos != "darwin" || goarch != "arm64" {
		return nil, nil
	}
	run := a.Run
	if run == nil {
		run = execRunner
	}
	name := "Apple Silicon"
	if out, err := run(ctx, "sysctl", "-n", "machdep.cpu.brand_string"); err == nil {
		if s := strings.TrimSpace(string(out)); s != "" {
			name = s
		}
	}
	p := AppleProfile(name)
	return &p, nil
}

// CPUProbe always succeeds and reports the host's cores and RAM.
type CPUProbe struct{}

func (CPUProbe) Name() string { return "cpu" }

func (CPUProbe) Probe(context.Context) (*Profile, error) {
	p := CPUProfile()
	if total, err := TotalMemoryGB(); err == nil {
		p.Name = fmt.Sprintf("CPU (%d cores, %.1f GB RAM)", runtime.NumCPU(), total)
	} else {
		p.Name = fmt.Sprintf("CPU (%d cores)", runtime.NumCPU())
	}
	return &p, nil
}
