package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/transcribex/cmd/server/internal/middleware"
	"github.com/houzhh15/transcribex/internal/app"
	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/backend"
	"github.com/houzhh15/transcribex/internal/backend/backendtest"
	"github.com/houzhh15/transcribex/internal/config"
	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/internal/health"
	"github.com/houzhh15/transcribex/internal/merge"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestServer(t *testing.T, b backend.Backend) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	a := &app.App{Config: cfg, Backend: b, Logger: quietLogger()}
	h := NewHandler(a, hardware.CPUProfile(), health.NewChecker(b, time.Minute, 1, quietLogger()), "test")

	r := gin.New()
	r.Use(middleware.RequestLogger(quietLogger()))
	h.Register(r)
	return r, h
}

func wavBytes(t *testing.T, seconds int) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, audio.Silence(seconds*audio.SampleRate).WriteWAV(&b))
	return b.Bytes()
}

func uploadRequest(t *testing.T, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transcriptions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthAndReadiness(t *testing.T) {
	r, h := newTestServer(t, backend.NewEchoBackend(nil))

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var hc HealthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hc))
	assert.Equal(t, "healthy", hc.Status)
	assert.Equal(t, "test", hc.Version)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h.checker = health.NewChecker(downTarget{}, time.Minute, 1, quietLogger())
	h.checker.Check(context.Background())
	w = serve(r, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var rc ReadinessCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rc))
	assert.False(t, rc.Ready)
	assert.Contains(t, rc.Checks[0].Error, "inference service down")
}

type downTarget struct{}

func (downTarget) Name() string { return "down" }
func (downTarget) HealthCheck(context.Context) (bool, error) {
	return false, errors.New("inference service down")
}

func TestTranscribeJSON(t *testing.T) {
	r, _ := newTestServer(t, backend.NewEchoBackend(nil))

	w := serve(r, uploadRequest(t, "call.wav", wavBytes(t, 2), map[string]string{"model": "base", "language": "auto"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res merge.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "en", res.Language)
	require.Len(t, res.Segments, 1)
	assert.InDelta(t, 2.0, res.Segments[0].End, 1e-9)
	assert.Equal(t, "base", res.ProcessingMetadata.ModelClass)
}

func TestTranscribeSubtitleFormat(t *testing.T) {
	r, _ := newTestServer(t, backend.NewEchoBackend(nil))

	w := serve(r, uploadRequest(t, "call.wav", wavBytes(t, 1), map[string]string{"format": "vtt", "preset": "fast"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/vtt; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "WEBVTT")
	assert.Contains(t, w.Body.String(), "00:00:00.000 --> 00:00:01.000")
}

func TestTranscribeValidation(t *testing.T) {
	r, _ := newTestServer(t, backend.NewEchoBackend(nil))

	tests := []struct {
		name   string
		fields map[string]string
		file   []byte
		want   string
	}{
		{"unknown model", map[string]string{"model": "huge"}, wavBytes(t, 1), "unsupported model"},
		{"unknown preset", map[string]string{"preset": "turbo"}, wavBytes(t, 1), "unknown preset"},
		{"bad speakers", map[string]string{"min_speakers": "x"}, wavBytes(t, 1), "invalid min_speakers"},
		{"bad format", map[string]string{"format": "docx"}, wavBytes(t, 1), "invalid format"},
		{"missing file", nil, nil, "missing multipart field"},
		{"undecodable audio", nil, []byte("RIFF....not really"), "audio decode failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, uploadRequest(t, "call.wav", tt.file, tt.fields))
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			body := decodeError(t, w)
			assert.Contains(t, body["error"], tt.want)
			assert.Equal(t, "INVALID_INPUT", body["code"])
			assert.NotEmpty(t, body["request_id"])
		})
	}
}

func TestTranscribeNotMultipart(t *testing.T) {
	r, _ := newTestServer(t, backend.NewEchoBackend(nil))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transcriptions", bytes.NewBufferString(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, serve(r, req).Code)
}

func TestTranscribeTooLarge(t *testing.T) {
	r, h := newTestServer(t, backend.NewEchoBackend(nil))
	h.maxUpload = 1024

	w := serve(r, uploadRequest(t, "call.wav", wavBytes(t, 1), nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestTranscribeBusy(t *testing.T) {
	r, h := newTestServer(t, backend.NewEchoBackend(nil))
	h.queueTimeout = 10 * time.Millisecond
	require.True(t, h.sem.TryAcquire(1))
	defer h.sem.Release(1)

	w := serve(r, uploadRequest(t, "call.wav", wavBytes(t, 1), nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestTranscribeModelLoadFailure(t *testing.T) {
	fake := backendtest.New()
	fake.LoadErrors = map[hardware.Device]error{hardware.DeviceCPU: errors.New("weights missing")}
	r, _ := newTestServer(t, fake)

	w := serve(r, uploadRequest(t, "call.wav", wavBytes(t, 1), nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "MODEL_LOAD_FAILED", decodeError(t, w)["code"])
	assert.Equal(t, 0, fake.OpenHandles())
}

func TestHardwareAndPresets(t *testing.T) {
	r, _ := newTestServer(t, backend.NewEchoBackend(nil))

	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/hardware", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var p hardware.Profile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, hardware.DeviceCPU, p.Device)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/presets", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var presets map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &presets))
	assert.Len(t, presets, 4)
}
