// Package api implements the HTTP handlers of the transcription server.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/houzhh15/transcribex/cmd/server/internal/middleware"
	"github.com/houzhh15/transcribex/internal/app"
	"github.com/houzhh15/transcribex/internal/config"
	"github.com/houzhh15/transcribex/internal/format"
	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/internal/health"
	"github.com/houzhh15/transcribex/internal/orchestrator"
)

// DefaultQueueTimeout 请求等待空闲处理槽的最长时间
const DefaultQueueTimeout = 30 * time.Second

// Handler 转写接口。每个请求使用独立的 Pipeline，并发数由信号量限制
type Handler struct {
	app          *app.App
	profile      hardware.Profile
	checker      *health.Checker
	sem          *semaphore.Weighted
	queueTimeout time.Duration
	maxUpload    int64
	startTime    time.Time
	version      string
	logger       *slog.Logger
}

// NewHandler 创建 Handler
func NewHandler(a *app.App, profile hardware.Profile, checker *health.Checker, version string) *Handler {
	maxRuns := int64(max(1, a.Config.Server.MaxConcurrentRuns))
	return &Handler{
		app:          a,
		profile:      profile,
		checker:      checker,
		sem:          semaphore.NewWeighted(maxRuns),
		queueTimeout: DefaultQueueTimeout,
		maxUpload:    a.Config.Server.MaxUploadMB << 20,
		startTime:    time.Now(),
		version:      version,
		logger:       a.Logger.With("component", "transcription_api"),
	}
}

// Register 注册路由
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/readiness", h.Readiness)
	v1 := r.Group("/api/v1")
	v1.POST("/transcriptions", h.Transcribe)
	v1.GET("/hardware", h.Hardware)
	v1.GET("/presets", h.Presets)
}

// HealthCheckResponse 存活探针响应
type HealthCheckResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessCheckResponse 就绪探针响应
type ReadinessCheckResponse struct {
	Ready     bool             `json:"ready"`
	Checks    []ReadinessCheck `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// ReadinessCheck 单项就绪检查
type ReadinessCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" or "fail"
	Error  string `json:"error,omitempty"`
}

// Health 存活探针
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthCheckResponse{
		Status:    "healthy",
		Service:   "transcribe-server",
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now(),
	})
}

// Readiness 就绪探针：推理后端健康
func (h *Handler) Readiness(c *gin.Context) {
	check := ReadinessCheck{Name: "backend:" + h.app.Backend.Name(), Status: "ok"}
	if h.checker != nil {
		if st := h.checker.GetStatus(); !st.IsHealthy {
			check.Status = "fail"
			check.Error = st.ErrorMessage
		}
	}
	resp := ReadinessCheckResponse{
		Ready:     check.Status == "ok",
		Checks:    []ReadinessCheck{check},
		Timestamp: time.Now(),
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Hardware 返回服务使用的硬件配置
func (h *Handler) Hardware(c *gin.Context) {
	c.JSON(http.StatusOK, h.profile)
}

// Presets 返回处理预设
func (h *Handler) Presets(c *gin.Context) {
	out := make(map[string]config.ProcessingConfig, len(config.PresetNames()))
	for _, name := range config.PresetNames() {
		out[name], _ = config.Preset(name)
	}
	c.JSON(http.StatusOK, out)
}

// Transcribe 处理 multipart 上传（字段 file），可选表单字段覆盖处理参数：
// preset, model, language, diarize, min_speakers, max_speakers,
// segment_length_hours, format
func (h *Handler) Transcribe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, http.StatusRequestEntityTooLarge, string(orchestrator.INVALID_INPUT), "upload exceeds size limit")
			return
		}
		h.fail(c, http.StatusBadRequest, string(orchestrator.INVALID_INPUT), "expected a multipart/form-data upload")
		return
	}

	proc, outFormat, err := h.requestOptions(c)
	if err != nil {
		h.fail(c, http.StatusBadRequest, string(orchestrator.INVALID_INPUT), err.Error())
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		h.fail(c, http.StatusBadRequest, string(orchestrator.INVALID_INPUT), "missing multipart field \"file\"")
		return
	}

	path, cleanup, err := saveUpload(fh)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "", err.Error())
		return
	}
	defer cleanup()

	waitCtx, cancel := context.WithTimeout(c.Request.Context(), h.queueTimeout)
	err = h.sem.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		h.fail(c, http.StatusTooManyRequests, "", "all processing slots are busy, retry later")
		return
	}
	defer h.sem.Release(1)

	log := h.logger.With("rid", middleware.RequestID(c))
	log.Info("transcription started", "file", fh.Filename, "size", fh.Size, "model", proc.Model)

	res, err := h.app.NewPipeline().ProcessFile(c.Request.Context(), path, h.profile, proc.PipelineConfig(), h.app.Config.Credential, nil)
	if err != nil {
		log.Error("transcription failed", "error", err)
		h.fail(c, statusFor(err), string(orchestrator.CodeOf(err)), err.Error())
		return
	}

	if outFormat == format.JSON {
		c.JSON(http.StatusOK, res)
		return
	}
	c.Header("Content-Type", contentType(outFormat))
	c.Status(http.StatusOK)
	if err := format.Write(c.Writer, outFormat, res); err != nil {
		log.Error("write response failed", "error", err)
	}
}

// requestOptions 合并配置默认值与表单覆盖项，并校验
func (h *Handler) requestOptions(c *gin.Context) (config.ProcessingConfig, format.Format, error) {
	proc := h.app.Config.Processing
	if name := c.PostForm("preset"); name != "" {
		p, ok := config.Preset(name)
		if !ok {
			return proc, "", fmt.Errorf("unknown preset %q", name)
		}
		proc = p
	}
	if v := c.PostForm("model"); v != "" {
		proc.Model = v
	}
	if v := c.PostForm("language"); v != "" {
		proc.Language = v
	}
	if v := c.PostForm("diarize"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return proc, "", fmt.Errorf("invalid diarize value %q", v)
		}
		proc.Diarization = b
	}
	for field, dst := range map[string]*int{"min_speakers": &proc.MinSpeakers, "max_speakers": &proc.MaxSpeakers} {
		if v := c.PostForm(field); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return proc, "", fmt.Errorf("invalid %s value %q", field, v)
			}
			*dst = n
		}
	}
	if v := c.PostForm("segment_length_hours"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return proc, "", fmt.Errorf("invalid segment_length_hours value %q", v)
		}
		proc.SegmentLengthHours = f
	}

	outFormat := format.JSON
	if v := c.PostForm("format"); v != "" {
		f, err := format.Parse(v)
		if err != nil {
			return proc, "", err
		}
		outFormat = f
	}

	check := *h.app.Config
	check.Processing = proc
	if err := config.ValidateConfig(&check); err != nil {
		return proc, "", err
	}
	return proc, outFormat, nil
}

// saveUpload 将上传文件写入临时文件，保留扩展名以便选择解码器
func saveUpload(fh *multipart.FileHeader) (string, func(), error) {
	src, err := fh.Open()
	if err != nil {
		return "", nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	dst, err := os.CreateTemp("", "upload-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(dst.Name()) }
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		cleanup()
		return "", nil, fmt.Errorf("save upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("save upload: %w", err)
	}
	return dst.Name(), cleanup, nil
}

func statusFor(err error) int {
	switch orchestrator.CodeOf(err) {
	case orchestrator.INVALID_INPUT:
		return http.StatusBadRequest
	case orchestrator.MODEL_LOAD_FAILED:
		return http.StatusServiceUnavailable
	case orchestrator.CANCELLED:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func contentType(f format.Format) string {
	switch f {
	case format.VTT:
		return "text/vtt; charset=utf-8"
	case format.SRT:
		return "application/x-subrip; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func (h *Handler) fail(c *gin.Context, status int, code, msg string) {
	body := gin.H{"error": msg, "request_id": middleware.RequestID(c)}
	if code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}
