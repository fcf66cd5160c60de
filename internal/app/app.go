// Package app wires configuration into the runtime components shared by the
// CLI and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/backend"
	"github.com/houzhh15/transcribex/internal/config"
	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/internal/pipeline"
	"github.com/houzhh15/transcribex/pkg/logger"
)

// App holds the long-lived components built from one Config.
type App struct {
	Config  *config.Config
	Backend backend.Backend
	Logger  *slog.Logger
}

// New builds the backend selected by cfg.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	log = logger.OrDefault(log)
	b, err := NewBackend(cfg.Backend, log)
	if err != nil {
		return nil, err
	}
	return &App{Config: cfg, Backend: b, Logger: log}, nil
}

// NewBackend returns the inference backend for cfg.Mode.
func NewBackend(cfg config.BackendConfig, log *slog.Logger) (backend.Backend, error) {
	switch cfg.Mode {
	case "", "echo":
		return backend.NewEchoBackend(log), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("backend url is required for http mode")
		}
		return backend.NewHTTPBackend(cfg.URL, cfg.Timeout, log), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Mode)
	}
}

// DetectProfile probes the hardware, honouring the configured override.
func (a *App) DetectProfile(ctx context.Context) hardware.Profile {
	return hardware.Detect(ctx, a.Logger, hardware.DefaultProbes(a.Config.HardwareOverride())...)
}

// Loader returns the audio decoder configured for this App.
func (a *App) Loader() *audio.Loader {
	return audio.NewLoader(a.Config.Backend.FFmpegPath, a.Logger)
}

// NewPipeline returns a fresh Pipeline. Each concurrent run needs its own.
func (a *App) NewPipeline(opts ...pipeline.Option) *pipeline.Pipeline {
	base := []pipeline.Option{
		pipeline.WithLoader(a.Loader()),
		pipeline.WithTrustedDeserialization(a.Config.Backend.TrustedDeserialization),
	}
	return pipeline.New(a.Backend, a.Logger, append(base, opts...)...)
}
