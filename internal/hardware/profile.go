// Package hardware detects the compute device and derives the processing
// profile (batch size, precision, memory budget) used by the pipeline.
package hardware

import (
	"fmt"
	"strings"
)

// Device identifies the compute device a model is loaded on.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
	DeviceMPS  Device = "mps"
	DeviceROCm Device = "rocm"
	DeviceXPU  Device = "xpu"
)

// Precision is the numeric compute type requested from the backend.
type Precision string

const (
	PrecisionFloat16 Precision = "float16"
	PrecisionFloat32 Precision = "float32"
	PrecisionInt8    Precision = "int8"
)

// FallbackMaxBatch bounds the batch size of the CPU fallback profile.
const FallbackMaxBatch = 8

// Profile describes one device configuration. It is a value type: callers get
// copies and derived profiles never alias the original.
type Profile struct {
	Device            Device    `json:"device" yaml:"device"`
	Name              string    `json:"name" yaml:"name"`
	HardwareType      string    `json:"hardware_type" yaml:"hardware_type"`
	BatchSize         int       `json:"batch_size" yaml:"batch_size"`
	Precision         Precision `json:"compute_type" yaml:"compute_type"`
	MemoryThresholdGB float64   `json:"memory_threshold_gb" yaml:"memory_threshold_gb"`
	UnifiedMemory     bool      `json:"unified_memory" yaml:"unified_memory"`
}

func (p Profile) String() string {
	return fmt.Sprintf("%s(%s) batch=%d precision=%s threshold=%.1fGB", p.Device, p.Name, p.BatchSize, p.Precision, p.MemoryThresholdGB)
}

// IsCPU reports whether the profile already targets the CPU.
func (p Profile) IsCPU() bool {
	return p.Device == DeviceCPU
}

// CPUFallback returns the profile used after a failed model load: cpu, int8
// and a batch size capped at FallbackMaxBatch. The memory threshold is kept.
func (p Profile) CPUFallback() Profile {
	fb := p
	fb.Device = DeviceCPU
	fb.Precision = PrecisionInt8
	fb.HardwareType = "CPU"
	fb.UnifiedMemory = true
	fb.Name = p.Name + " (CPU fallback)"
	if fb.BatchSize > FallbackMaxBatch {
		fb.BatchSize = FallbackMaxBatch
	}
	if fb.BatchSize < 1 {
		fb.BatchSize = 1
	}
	return fb
}

// IsUnifiedMemory reports whether device and host memory are shared.
func IsUnifiedMemory(d Device) bool {
	return d == DeviceCPU || d == DeviceMPS
}

// CPUProfile is the profile used when no accelerator is found.
func CPUProfile() Profile {
	return Profile{
		Device:            DeviceCPU,
		Name:              "CPU (Fallback)",
		HardwareType:      "CPU",
		BatchSize:         4,
		Precision:         PrecisionInt8,
		MemoryThresholdGB: 8.0,
		UnifiedMemory:     true,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// NvidiaProfile derives a profile from the GPU model name and its memory.
func NvidiaProfile(name string, memoryGB float64) Profile {
	p := Profile{Device: DeviceCUDA, Name: name, Precision: PrecisionFloat16}
	switch {
	case containsAny(name, "RTX 4090", "RTX 4080", "RTX 4070"):
		p.HardwareType = "NVIDIA RTX 40xx"
		p.BatchSize = 32
		if memoryGB >= 16 {
			p.BatchSize = 64
		}
		p.MemoryThresholdGB = memoryGB * 0.85
	case containsAny(name, "RTX 3090", "RTX 3080", "RTX 3070"):
		p.HardwareType = "NVIDIA RTX 30xx"
		p.BatchSize = 16
		if memoryGB >= 12 {
			p.BatchSize = 32
		}
		p.MemoryThresholdGB = memoryGB * 0.8
	case containsAny(name, "RTX 2080", "RTX 2070", "RTX 2060"):
		p.HardwareType = "NVIDIA RTX 20xx"
		p.BatchSize = 16
		p.MemoryThresholdGB = memoryGB * 0.75
	default:
		p.HardwareType = "NVIDIA GTX"
		p.BatchSize = 8
		p.Precision = PrecisionInt8
		p.MemoryThresholdGB = memoryGB * 0.7
	}
	return p
}

// AppleProfile derives a profile from the Apple Silicon chip name.
func AppleProfile(name string) Profile {
	p := Profile{
		Device:        DeviceMPS,
		Name:          name,
		HardwareType:  "Apple Silicon",
		Precision:     PrecisionFloat16,
		UnifiedMemory: true,
	}
	switch {
	case strings.Contains(name, "M4"):
		p.BatchSize, p.MemoryThresholdGB = 32, 16
	case strings.Contains(name, "M3"):
		p.BatchSize, p.MemoryThresholdGB = 24, 14
	case strings.Contains(name, "M2"):
		p.BatchSize, p.MemoryThresholdGB = 16, 12
	default:
		p.BatchSize, p.MemoryThresholdGB = 12, 10
	}
	return p
}

// ROCmProfile is the AMD profile. ROCm builds expose the cuda device name.
func ROCmProfile(name string, memoryGB float64) Profile {
	return Profile{
		Device:            DeviceCUDA,
		Name:              name,
		HardwareType:      "AMD Radeon",
		BatchSize:         16,
		Precision:         PrecisionFloat16,
		MemoryThresholdGB: memoryGB * 0.8,
	}
}

// XPUProfile is the Intel Arc profile.
func XPUProfile(name string, memoryGB float64) Profile {
	return Profile{
		Device:            DeviceXPU,
		Name:              name,
		HardwareType:      "Intel Arc",
		BatchSize:         12,
		Precision:         PrecisionFloat16,
		MemoryThresholdGB: memoryGB * 0.8,
	}
}

// batch scaling per device family
var batchFactor = map[Device]float64{
	DeviceMPS:  1.3,
	DeviceCUDA: 1.0,
	DeviceROCm: 0.8,
	DeviceXPU:  0.9,
	DeviceCPU:  0.5,
}

// OptimalBatchSize scales base by the device factor and the memory that is
// currently available, then applies the per-device ceiling.
func OptimalBatchSize(p Profile, base int, availableGB float64) int {
	factor, ok := batchFactor[p.Device]
	if !ok {
		factor = 1.0
	}
	adjusted := int(float64(base) * factor)

	var memFactor float64
	if p.UnifiedMemory || IsUnifiedMemory(p.Device) {
		memFactor = min(1.0, availableGB/8.0)
	} else {
		memFactor = min(1.5, availableGB/4.0)
	}

	batch := max(1, int(float64(adjusted)*memFactor))
	switch p.Device {
	case DeviceMPS:
		batch = min(batch, 64)
	case DeviceCUDA:
		batch = min(batch, 32)
	case DeviceCPU:
		batch = min(batch, FallbackMaxBatch)
	}
	return batch
}
