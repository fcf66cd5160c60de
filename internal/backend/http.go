package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/hardware"
)

// HTTPBackend talks to a remote inference service that hosts the models.
//
// Endpoints (relative to the base URL):
//
//	POST   /v1/models            load a model, JSON body, returns {"handle_id": ...}
//	DELETE /v1/models/{id}       release a model
//	POST   /v1/transcribe        multipart: audio, handle_id, batch_size, language
//	POST   /v1/align             multipart: audio, handle_id, result (JSON)
//	POST   /v1/diarize           multipart: audio, handle_id, min_speakers, max_speakers
//	GET    /v1/memory            {"allocated_gb": ..., "reserved_gb": ...}
//	POST   /v1/cache/release     release cached accelerator memory
//	GET    /health
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPBackend creates a client for the service at baseURL. A zero timeout
// selects 30 minutes, long enough for a full-length segment on CPU.
func NewHTTPBackend(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "http_backend", "url", baseURL),
	}
}

func (b *HTTPBackend) Name() string { return "http" }

type loadRequest struct {
	Kind       ModelKind `json:"kind"`
	Credential string    `json:"auth_token,omitempty"`
	LoadOptions
}

type apiError struct {
	Error string `json:"error"`
}

func (b *HTTPBackend) Load(ctx context.Context, opts LoadOptions) (Handle, error) {
	h, err := b.load(ctx, loadRequest{Kind: KindTranscriber, LoadOptions: opts})
	if err != nil {
		return Handle{}, err
	}
	h.Language = opts.LanguageHint
	return h, nil
}

func (b *HTTPBackend) LoadAligner(ctx context.Context, language string, device hardware.Device) (Handle, error) {
	h, err := b.load(ctx, loadRequest{Kind: KindAligner, LoadOptions: LoadOptions{Device: device, LanguageHint: language}})
	if err != nil {
		return Handle{}, err
	}
	h.Language = language
	return h, nil
}

func (b *HTTPBackend) LoadDiarizer(ctx context.Context, credential string, device hardware.Device) (Handle, error) {
	return b.load(ctx, loadRequest{Kind: KindDiarizer, Credential: credential, LoadOptions: LoadOptions{Device: device}})
}

func (b *HTTPBackend) load(ctx context.Context, req loadRequest) (Handle, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to encode load request: %w", err)
	}
	var resp struct {
		HandleID string `json:"handle_id"`
	}
	if err := b.do(ctx, http.MethodPost, "/v1/models", "application/json", bytes.NewReader(payload), &resp); err != nil {
		return Handle{}, fmt.Errorf("load %s: %w", req.Kind, err)
	}
	if resp.HandleID == "" {
		return Handle{}, fmt.Errorf("load %s: empty handle_id in response", req.Kind)
	}
	return Handle{ID: resp.HandleID, Kind: req.Kind, Device: req.Device}, nil
}

func (b *HTTPBackend) Transcribe(ctx context.Context, h Handle, buf *audio.Buffer, opts TranscribeOptions) (*StageResult, error) {
	fields := map[string]string{
		"handle_id":  h.ID,
		"batch_size": strconv.Itoa(opts.BatchSize),
	}
	if opts.Language != "" && opts.Language != "auto" {
		fields["language"] = opts.Language
	}
	var result StageResult
	if err := b.postAudio(ctx, "/v1/transcribe", buf, fields, &result); err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}
	return &result, nil
}

func (b *HTTPBackend) Align(ctx context.Context, h Handle, result *StageResult, buf *audio.Buffer) (*StageResult, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	var aligned StageResult
	fields := map[string]string{"handle_id": h.ID, "result": string(encoded)}
	if err := b.postAudio(ctx, "/v1/align", buf, fields, &aligned); err != nil {
		return nil, fmt.Errorf("alignment failed: %w", err)
	}
	return &aligned, nil
}

func (b *HTTPBackend) Diarize(ctx context.Context, h Handle, buf *audio.Buffer, opts DiarizeOptions) (*Diarization, error) {
	fields := map[string]string{
		"handle_id":    h.ID,
		"min_speakers": strconv.Itoa(opts.MinSpeakers),
		"max_speakers": strconv.Itoa(opts.MaxSpeakers),
	}
	var payload struct {
		Diarization
		Error string `json:"error"`
	}
	if err := b.postAudio(ctx, "/v1/diarize", buf, fields, &payload); err != nil {
		return nil, fmt.Errorf("diarization failed: %w", err)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("diarization failed: %s", payload.Error)
	}
	return &payload.Diarization, nil
}

func (b *HTTPBackend) AssignSpeakers(d *Diarization, result *StageResult) *StageResult {
	return AssignSpeakers(d, result)
}

func (b *HTTPBackend) Release(ctx context.Context, h Handle) error {
	if !h.Valid() {
		return nil
	}
	return b.do(ctx, http.MethodDelete, "/v1/models/"+url.PathEscape(h.ID), "", nil, nil)
}

// DeviceMemory implements MemoryReporter.
func (b *HTTPBackend) DeviceMemory(ctx context.Context) (float64, float64, error) {
	var resp struct {
		AllocatedGB float64 `json:"allocated_gb"`
		ReservedGB  float64 `json:"reserved_gb"`
	}
	if err := b.do(ctx, http.MethodGet, "/v1/memory", "", nil, &resp); err != nil {
		return 0, 0, err
	}
	return resp.AllocatedGB, resp.ReservedGB, nil
}

// ReleaseCache implements CacheReleaser.
func (b *HTTPBackend) ReleaseCache(ctx context.Context) error {
	return b.do(ctx, http.MethodPost, "/v1/cache/release", "", nil, nil)
}

// HealthCheck returns true when the service answers GET /health with 200.
func (b *HTTPBackend) HealthCheck(ctx context.Context) (bool, error) {
	if err := b.do(ctx, http.MethodGet, "/health", "", nil, nil); err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return true, nil
}

// postAudio sends buf as a WAV file part plus form fields.
func (b *HTTPBackend) postAudio(ctx context.Context, path string, buf *audio.Buffer, fields map[string]string, out any) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", "segment.wav")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if err := buf.WriteWAV(part); err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write %s field: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	b.logger.Debug("sending audio", "path", path, "bytes", body.Len(), "duration_s", buf.DurationSeconds())
	return b.do(ctx, http.MethodPost, path, writer.FormDataContentType(), body, out)
}

func (b *HTTPBackend) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}
