package memory

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/pkg/metrics"
)

const bytesPerGB = 1 << 30

// 内存压力等级阈值（占 MemoryThresholdGB 的比例）
const (
	highRiskRatio     = 0.8
	criticalRiskRatio = 0.9
)

// Level 内存压力等级
type Level string

const (
	LevelNormal   Level = "normal"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// DeviceReporter 报告加速设备上的已分配/保留内存（GB）
type DeviceReporter interface {
	DeviceMemory(ctx context.Context) (allocatedGB, reservedGB float64, err error)
}

// CacheReleaser 释放加速设备上的缓存
type CacheReleaser interface {
	ReleaseCache(ctx context.Context) error
}

// Usage 一次内存采样
type Usage struct {
	ProcessGB        float64   `json:"ram_gb"`
	DeviceGB         float64   `json:"gpu_gb"`
	DeviceReservedGB float64   `json:"gpu_reserved_gb"`
	CombinedGB       float64   `json:"total_gb"`
	Unified          bool      `json:"unified_memory"`
	SampledAt        time.Time `json:"sampled_at"`
}

// PressureWarning 内存压力告警，仅用于日志和指标，不阻塞处理
type PressureWarning struct {
	Level       Level
	UsedGB      float64
	ThresholdGB float64
}

func (w *PressureWarning) Error() string {
	return fmt.Sprintf("%s memory usage: %.2fGB / %.2fGB", w.Level, w.UsedGB, w.ThresholdGB)
}

// Report 内存报告（写入处理元数据）
type Report struct {
	Current      Usage   `json:"current"`
	Peak         Usage   `json:"peak"`
	ThresholdGB  float64 `json:"threshold_gb"`
	UsagePercent float64 `json:"usage_percentage"`
	Device       string  `json:"device"`
	Samples      int     `json:"samples"`
}

// Option 配置 Monitor
type Option func(*Monitor)

// WithDeviceReporter 设置设备内存来源
func WithDeviceReporter(r DeviceReporter) Option {
	return func(m *Monitor) { m.device = r }
}

// WithCacheReleaser 设置设备缓存释放器
func WithCacheReleaser(r CacheReleaser) Option {
	return func(m *Monitor) { m.releaser = r }
}

// WithProcessSampler 替换进程内存采样函数（测试使用）
func WithProcessSampler(f func() (float64, error)) Option {
	return func(m *Monitor) { m.processGB = f }
}

// Monitor 内存监控器
// 统一内存设备（cpu/mps）的合计取 max(进程, 设备)，独立显存设备取二者之和
type Monitor struct {
	profile   hardware.Profile
	logger    *slog.Logger
	processGB func() (float64, error)
	device    DeviceReporter
	releaser  CacheReleaser

	mu      sync.Mutex
	peak    Usage
	samples int
}

// NewMonitor 创建内存监控器
// 参数:
//   - profile: 生效的硬件配置（决定阈值和统一内存计算方式）
//   - logger: 日志实例，nil 时使用 slog.Default()
func NewMonitor(profile hardware.Profile, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		profile:   profile,
		logger:    logger.With("component", "memory_monitor"),
		processGB: processResidentGB,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetProfile 切换生效配置（设备回退后调用）
func (m *Monitor) SetProfile(p hardware.Profile) {
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
}

// SetDevice 设置设备内存来源和缓存释放器，nil 表示不支持
func (m *Monitor) SetDevice(r DeviceReporter, c CacheReleaser) {
	m.mu.Lock()
	m.device = r
	m.releaser = c
	m.mu.Unlock()
}

func (m *Monitor) unified() bool {
	return m.profile.UnifiedMemory || hardware.IsUnifiedMemory(m.profile.Device)
}

// Usage 采样当前内存并更新峰值
func (m *Monitor) Usage(ctx context.Context) Usage {
	m.mu.Lock()
	device := m.device
	unified := m.unified()
	m.mu.Unlock()

	u := Usage{Unified: unified, SampledAt: time.Now()}
	if gb, err := m.processGB(); err == nil {
		u.ProcessGB = gb
	} else {
		m.logger.Debug("process memory sample failed", "error", err)
	}
	if device != nil {
		if alloc, reserved, err := device.DeviceMemory(ctx); err == nil {
			u.DeviceGB, u.DeviceReservedGB = alloc, reserved
		} else {
			m.logger.Debug("device memory sample failed", "error", err)
		}
	}

	if unified {
		u.CombinedGB = max(u.ProcessGB, u.DeviceGB)
	} else {
		u.CombinedGB = u.ProcessGB + u.DeviceGB
	}

	m.mu.Lock()
	m.samples++
	m.peak.ProcessGB = max(m.peak.ProcessGB, u.ProcessGB)
	m.peak.DeviceGB = max(m.peak.DeviceGB, u.DeviceGB)
	m.peak.DeviceReservedGB = max(m.peak.DeviceReservedGB, u.DeviceReservedGB)
	if u.CombinedGB >= m.peak.CombinedGB {
		m.peak.CombinedGB = u.CombinedGB
		m.peak.SampledAt = u.SampledAt
	}
	m.peak.Unified = unified
	m.mu.Unlock()

	metrics.SetMemoryUsage(u.ProcessGB, u.DeviceGB, u.CombinedGB)
	return u
}

// BelowThreshold 判断当前合计内存是否低于 thresholdGB
func (m *Monitor) BelowThreshold(ctx context.Context, thresholdGB float64) bool {
	return m.Usage(ctx).CombinedGB < thresholdGB
}

// CheckPressure 检查 OOM 风险
// 返回:
//   - nil: 使用率低于 80%
//   - *PressureWarning: high（>=80%）或 critical（>=90%）
func (m *Monitor) CheckPressure(ctx context.Context) *PressureWarning {
	return m.PressureFor(m.Usage(ctx))
}

// PressureFor 按已有采样判断压力等级，不再重新采样
func (m *Monitor) PressureFor(u Usage) *PressureWarning {
	threshold := m.threshold()
	if threshold <= 0 {
		return nil
	}

	var level Level
	switch ratio := u.CombinedGB / threshold; {
	case ratio >= criticalRiskRatio:
		level = LevelCritical
	case ratio >= highRiskRatio:
		level = LevelHigh
	default:
		return nil
	}

	w := &PressureWarning{Level: level, UsedGB: u.CombinedGB, ThresholdGB: threshold}
	metrics.RecordMemoryPressure(string(level))
	return w
}

func (m *Monitor) threshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile.MemoryThresholdGB
}

// ForceCleanup 释放设备缓存并触发 GC，将空闲内存归还操作系统
func (m *Monitor) ForceCleanup(ctx context.Context) {
	m.mu.Lock()
	releaser := m.releaser
	m.mu.Unlock()

	if releaser != nil {
		if err := releaser.ReleaseCache(ctx); err != nil {
			m.logger.Warn("device cache release failed", "error", err)
		}
	}
	runtime.GC()
	debug.FreeOSMemory()
}

// LogStatus 记录某个处理步骤的内存状态，存在压力时输出告警
func (m *Monitor) LogStatus(ctx context.Context, step string) {
	u := m.Usage(ctx)
	m.logger.Info("memory status",
		"step", step,
		"ram_gb", fmt.Sprintf("%.2f", u.ProcessGB),
		"gpu_gb", fmt.Sprintf("%.2f", u.DeviceGB),
		"total_gb", fmt.Sprintf("%.2f", u.CombinedGB))

	if w := m.PressureFor(u); w != nil {
		m.logger.Warn("memory pressure", "step", step, "level", w.Level, "warning", w.Error())
	}
}

// Report 生成包含当前值与峰值的内存报告
func (m *Monitor) Report(ctx context.Context) Report {
	current := m.Usage(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	r := Report{
		Current:     current,
		Peak:        m.peak,
		ThresholdGB: m.profile.MemoryThresholdGB,
		Device:      string(m.profile.Device),
		Samples:     m.samples,
	}
	if r.ThresholdGB > 0 {
		r.UsagePercent = current.CombinedGB / r.ThresholdGB * 100
	}
	return r
}

// runtimeResidentGB 使用 Go 运行时统计估算进程内存（非 Linux 平台）
func runtimeResidentGB() (float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / bytesPerGB, nil
}
