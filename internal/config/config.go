// Package config loads the service and CLI configuration: a YAML file
// overlaid by environment variables, then validated as a whole.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/internal/pipeline"
	"github.com/houzhh15/transcribex/pkg/logger"
)

// Config 统一配置结构
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Hardware   HardwareConfig   `yaml:"hardware"`
	Processing ProcessingConfig `yaml:"processing"`
	Output     OutputConfig     `yaml:"output"`

	// Credential 说话人分离模型凭证，仅从环境变量 HF_TOKEN 读取
	Credential string `yaml:"-"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Environment string `yaml:"environment"` // dev, staging, prod
	File        string `yaml:"file"`
	WithSource  bool   `yaml:"with_source"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port              string        `yaml:"port"`
	JWTSecret         string        `yaml:"jwt_secret"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	MaxConnections    int           `yaml:"max_connections"`
	MaxUploadMB       int64         `yaml:"max_upload_mb"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	HealthInterval    time.Duration `yaml:"health_interval"`
}

// BackendConfig 推理后端配置
type BackendConfig struct {
	Mode                   string        `yaml:"mode"` // echo, http
	URL                    string        `yaml:"url"`
	Timeout                time.Duration `yaml:"timeout"`
	FFmpegPath             string        `yaml:"ffmpeg_path"`
	TrustedDeserialization bool          `yaml:"trusted_deserialization"`
}

// HardwareConfig 硬件覆盖配置，Device 为空时自动探测
type HardwareConfig struct {
	Device            string  `yaml:"device"`
	DeviceName        string  `yaml:"device_name"`
	BatchSize         int     `yaml:"batch_size"`
	Precision         string  `yaml:"precision"`
	MemoryThresholdGB float64 `yaml:"memory_threshold_gb"`
}

// ProcessingConfig 处理参数
type ProcessingConfig struct {
	Preset             string  `yaml:"preset"`
	Model              string  `yaml:"model"`
	Language           string  `yaml:"language"`
	Diarization        bool    `yaml:"diarization"`
	MinSpeakers        int     `yaml:"min_speakers"`
	MaxSpeakers        int     `yaml:"max_speakers"`
	SegmentLengthHours float64 `yaml:"segment_length_hours"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Formats []string `yaml:"formats"`
	Dir     string   `yaml:"dir"`
}

var (
	SupportedModels     = []string{"base", "small", "medium", "large", "large-v2", "large-v3"}
	SupportedLanguages  = []string{"en", "es", "fr", "de", "it", "pt", "ja", "zh"}
	SupportedFormats    = []string{"json", "srt", "vtt", "txt"}
	SupportedDevices    = []string{"cpu", "cuda", "mps", "rocm", "xpu"}
	SupportedPrecisions = []string{"float16", "float32", "int8"}
)

const (
	maxBatchSize          = 64
	maxSpeakers           = 20
	maxSegmentLengthH     = 8.0
	minJWTSecretLength    = 32
	defaultMaxUploadMB    = 2048
	defaultBackendTimeout = 30 * time.Minute
)

var presets = map[string]ProcessingConfig{
	"fast": {
		Preset: "fast", Model: "base", Language: "en",
		MinSpeakers: 1, MaxSpeakers: 1, SegmentLengthHours: 4,
	},
	"balanced": {
		Preset: "balanced", Model: "small", Language: "auto", Diarization: true,
		MinSpeakers: 2, MaxSpeakers: 4, SegmentLengthHours: 2,
	},
	"accurate": {
		Preset: "accurate", Model: "large-v2", Language: "auto", Diarization: true,
		MinSpeakers: 2, MaxSpeakers: 6, SegmentLengthHours: 1.5,
	},
	"long_audio": {
		Preset: "long_audio", Model: "base", Language: "en",
		MinSpeakers: 1, MaxSpeakers: 1, SegmentLengthHours: 1,
	},
}

// Preset 返回预设处理参数，未知名称返回 false
func Preset(name string) (ProcessingConfig, bool) {
	p, ok := presets[strings.ToLower(name)]
	return p, ok
}

// PresetNames 返回全部预设名称
func PresetNames() []string {
	return []string{"fast", "balanced", "accurate", "long_audio"}
}

// Default 返回默认配置（balanced 预设，echo 后端）
func Default() *Config {
	proc, _ := Preset("balanced")
	return &Config{
		Log: LogConfig{Level: "info", Environment: "dev"},
		Server: ServerConfig{
			Port:              "8080",
			MaxConcurrentRuns: 1,
			MaxConnections:    64,
			MaxUploadMB:       defaultMaxUploadMB,
			ShutdownTimeout:   30 * time.Second,
			HealthInterval:    30 * time.Second,
		},
		Backend: BackendConfig{
			Mode:    "echo",
			Timeout: defaultBackendTimeout,
		},
		Processing: proc,
		Output:     OutputConfig{Formats: []string{"json", "srt"}, Dir: "."},
	}
}

// Load 加载配置：默认值 -> YAML 文件（可选）-> 环境变量，然后校验
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode 解析 YAML。文件中指定 preset 时，先以预设为基础，再由文件显式字段覆盖
func decode(data []byte, cfg *Config) error {
	var head struct {
		Processing struct {
			Preset string `yaml:"preset"`
		} `yaml:"processing"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if name := head.Processing.Preset; name != "" {
		p, ok := Preset(name)
		if !ok {
			return fmt.Errorf("unknown processing preset %q (must be: %s)", name, strings.Join(PresetNames(), ", "))
		}
		cfg.Processing = p
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// applyEnv 用环境变量覆盖配置（TRANSCRIBE_ 前缀，凭证使用 HF_TOKEN）
func applyEnv(cfg *Config) error {
	var errs []string

	if name := os.Getenv("TRANSCRIBE_PRESET"); name != "" {
		p, ok := Preset(name)
		if !ok {
			errs = append(errs, fmt.Sprintf("invalid TRANSCRIBE_PRESET: %s", name))
		} else {
			cfg.Processing = p
		}
	}

	cfg.Log.Level = getEnv("TRANSCRIBE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Environment = getEnv("TRANSCRIBE_ENV", cfg.Log.Environment)
	cfg.Log.File = getEnv("TRANSCRIBE_LOG_FILE", cfg.Log.File)

	cfg.Server.Port = getEnv("TRANSCRIBE_PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = getEnv("TRANSCRIBE_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.MaxConcurrentRuns = getEnvInt("TRANSCRIBE_MAX_CONCURRENT_RUNS", cfg.Server.MaxConcurrentRuns, &errs)

	cfg.Backend.Mode = getEnv("TRANSCRIBE_BACKEND_MODE", cfg.Backend.Mode)
	cfg.Backend.URL = getEnv("TRANSCRIBE_BACKEND_URL", cfg.Backend.URL)
	cfg.Backend.Timeout = getEnvDuration("TRANSCRIBE_BACKEND_TIMEOUT", cfg.Backend.Timeout, &errs)
	cfg.Backend.FFmpegPath = getEnv("TRANSCRIBE_FFMPEG_PATH", cfg.Backend.FFmpegPath)
	cfg.Backend.TrustedDeserialization = getEnvBool("TRANSCRIBE_TRUSTED_DESERIALIZATION", cfg.Backend.TrustedDeserialization, &errs)

	cfg.Hardware.Device = getEnv("TRANSCRIBE_DEVICE", cfg.Hardware.Device)
	cfg.Hardware.Precision = getEnv("TRANSCRIBE_PRECISION", cfg.Hardware.Precision)
	cfg.Hardware.BatchSize = getEnvInt("TRANSCRIBE_BATCH_SIZE", cfg.Hardware.BatchSize, &errs)
	cfg.Hardware.MemoryThresholdGB = getEnvFloat("TRANSCRIBE_MEMORY_THRESHOLD_GB", cfg.Hardware.MemoryThresholdGB, &errs)

	cfg.Processing.Model = getEnv("TRANSCRIBE_MODEL", cfg.Processing.Model)
	cfg.Processing.Language = getEnv("TRANSCRIBE_LANGUAGE", cfg.Processing.Language)
	cfg.Processing.Diarization = getEnvBool("TRANSCRIBE_DIARIZATION", cfg.Processing.Diarization, &errs)
	cfg.Processing.SegmentLengthHours = getEnvFloat("TRANSCRIBE_SEGMENT_LENGTH_HOURS", cfg.Processing.SegmentLengthHours, &errs)

	cfg.Credential = getEnv("HF_TOKEN", cfg.Credential)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid %s: %s (must be an integer)", key, value))
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64, errs *[]string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid %s: %s (must be a number)", key, value))
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool, errs *[]string) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid %s: %s (must be true or false)", key, value))
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid %s: %s (must be a duration such as 30s)", key, value))
		return defaultValue
	}
	return d
}

// NormalizeLanguage 将语言提示规范为基础语言代码；空值与 auto 返回 "auto"
func NormalizeLanguage(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") {
		return "auto", nil
	}
	tag, err := language.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", s, err)
	}
	base, _ := tag.Base()
	code := base.String()
	if !contains(SupportedLanguages, code) {
		return "", fmt.Errorf("unsupported language %q (must be auto or one of: %s)", s, strings.Join(SupportedLanguages, ", "))
	}
	return code, nil
}

// ValidateConfig 验证配置的有效性，汇总所有错误
func ValidateConfig(cfg *Config) error {
	var errors []string

	// 1. 日志
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid TRANSCRIBE_LOG_LEVEL: %s (must be: debug, info, warn, error)", cfg.Log.Level))
	}
	validEnvs := map[string]bool{"dev": true, "development": true, "staging": true, "prod": true}
	if !validEnvs[cfg.Log.Environment] {
		errors = append(errors, fmt.Sprintf("invalid TRANSCRIBE_ENV: %s (must be: dev, development, staging, prod)", cfg.Log.Environment))
	}

	// 2. 服务
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid TRANSCRIBE_PORT value: %s (must be 1-65535)", cfg.Server.Port))
	}
	if cfg.Server.JWTSecret != "" && len(cfg.Server.JWTSecret) < minJWTSecretLength {
		errors = append(errors, fmt.Sprintf("TRANSCRIBE_JWT_SECRET must be at least %d characters long", minJWTSecretLength))
	}
	if cfg.Server.MaxConcurrentRuns < 1 {
		errors = append(errors, "server.max_concurrent_runs must be greater than 0")
	}
	if cfg.Server.MaxConnections < cfg.Server.MaxConcurrentRuns {
		errors = append(errors, "server.max_connections must be at least server.max_concurrent_runs")
	}
	if cfg.Server.MaxUploadMB <= 0 {
		errors = append(errors, "server.max_upload_mb must be greater than 0")
	}

	// 3. 后端
	switch cfg.Backend.Mode {
	case "echo":
	case "http":
		if cfg.Backend.URL == "" {
			errors = append(errors, "TRANSCRIBE_BACKEND_URL is required when backend mode is http")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid TRANSCRIBE_BACKEND_MODE: %s (must be: echo, http)", cfg.Backend.Mode))
	}
	if cfg.Backend.Timeout <= 0 {
		errors = append(errors, "backend.timeout must be greater than 0")
	}

	// 4. 硬件覆盖
	if cfg.Hardware.Device != "" && !contains(SupportedDevices, cfg.Hardware.Device) {
		errors = append(errors, fmt.Sprintf("unsupported device: %s (must be: %s)", cfg.Hardware.Device, strings.Join(SupportedDevices, ", ")))
	}
	if cfg.Hardware.Precision != "" && !contains(SupportedPrecisions, cfg.Hardware.Precision) {
		errors = append(errors, fmt.Sprintf("unsupported precision: %s (must be: %s)", cfg.Hardware.Precision, strings.Join(SupportedPrecisions, ", ")))
	}
	if cfg.Hardware.BatchSize < 0 || cfg.Hardware.BatchSize > maxBatchSize {
		errors = append(errors, fmt.Sprintf("batch size must be between 1 and %d", maxBatchSize))
	}
	if cfg.Hardware.MemoryThresholdGB < 0 {
		errors = append(errors, "memory threshold cannot be negative")
	}

	// 5. 处理参数
	p := cfg.Processing
	if !contains(SupportedModels, p.Model) {
		errors = append(errors, fmt.Sprintf("unsupported model: %s (must be: %s)", p.Model, strings.Join(SupportedModels, ", ")))
	}
	if _, err := NormalizeLanguage(p.Language); err != nil {
		errors = append(errors, err.Error())
	}
	if p.MinSpeakers < 1 || p.MaxSpeakers > maxSpeakers {
		errors = append(errors, fmt.Sprintf("speaker count must be between 1 and %d", maxSpeakers))
	}
	if p.MinSpeakers > p.MaxSpeakers {
		errors = append(errors, "min_speakers cannot be greater than max_speakers")
	}
	if p.SegmentLengthHours < 0 || p.SegmentLengthHours > maxSegmentLengthH {
		errors = append(errors, fmt.Sprintf("segment length must be between 0 and %g hours", maxSegmentLengthH))
	}

	// 6. 输出
	if len(cfg.Output.Formats) == 0 {
		errors = append(errors, "at least one output format must be selected")
	}
	for _, f := range cfg.Output.Formats {
		if !contains(SupportedFormats, strings.ToLower(f)) {
			errors = append(errors, fmt.Sprintf("unsupported output format: %s", f))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// IsProduction 判断是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Log.Environment == "prod"
}

// GetServerAddr 获取服务器监听地址
func (c *Config) GetServerAddr() string {
	return ":" + c.Server.Port
}

// LoggerConfig 转换为 pkg/logger 配置
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Log.Level,
		Environment: c.Log.Environment,
		WithSource:  c.Log.WithSource,
		File:        c.Log.File,
	}
}

// HardwareOverride 转换为硬件探测的显式覆盖，Device 为空时不生效
func (c *Config) HardwareOverride() hardware.EnvProbe {
	return hardware.EnvProbe{
		Device:            hardware.Device(c.Hardware.Device),
		DeviceName:        c.Hardware.DeviceName,
		BatchSize:         c.Hardware.BatchSize,
		Precision:         hardware.Precision(c.Hardware.Precision),
		MemoryThresholdGB: c.Hardware.MemoryThresholdGB,
	}
}

// PipelineConfig 转换为流水线参数
func (p ProcessingConfig) PipelineConfig() pipeline.Config {
	lang, err := NormalizeLanguage(p.Language)
	if err != nil {
		lang = "auto"
	}
	return pipeline.Config{
		ModelClass:                  p.Model,
		Language:                    lang,
		DiarizationEnabled:          p.Diarization,
		MinSpeakers:                 p.MinSpeakers,
		MaxSpeakers:                 p.MaxSpeakers,
		PreferredSegmentLengthHours: p.SegmentLengthHours,
	}
}

// PrintConfig 打印配置（脱敏）
func (c *Config) PrintConfig() string {
	return fmt.Sprintf(`Configuration Loaded:
  Environment: %s
  Logging:
    - Level: %s
    - File: %s
  Server:
    - Port: %s
    - JWT Secret: %s
    - Max Concurrent Runs: %d
    - Max Connections: %d
  Backend:
    - Mode: %s
    - URL: %s
    - Timeout: %s
    - Trusted Deserialization: %t
  Hardware Override:
    - Device: %s
    - Batch Size: %d
    - Precision: %s
  Processing:
    - Preset: %s
    - Model: %s
    - Language: %s
    - Diarization: %t (%d-%d speakers)
    - Segment Length: %gh
    - Credential: %s
  Output:
    - Formats: %v`,
		c.Log.Environment,
		c.Log.Level,
		orNone(c.Log.File),
		c.Server.Port,
		maskSecret(c.Server.JWTSecret),
		c.Server.MaxConcurrentRuns,
		c.Server.MaxConnections,
		c.Backend.Mode,
		orNone(c.Backend.URL),
		c.Backend.Timeout,
		c.Backend.TrustedDeserialization,
		orNone(c.Hardware.Device),
		c.Hardware.BatchSize,
		orNone(c.Hardware.Precision),
		orNone(c.Processing.Preset),
		c.Processing.Model,
		c.Processing.Language,
		c.Processing.Diarization,
		c.Processing.MinSpeakers,
		c.Processing.MaxSpeakers,
		c.Processing.SegmentLengthHours,
		maskSecret(c.Credential),
		c.Output.Formats,
	)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// maskSecret 脱敏显示密钥
func maskSecret(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
