package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/houzhh15/transcribex/cmd/server/internal/api"
	"github.com/houzhh15/transcribex/cmd/server/internal/middleware"
	"github.com/houzhh15/transcribex/internal/app"
	"github.com/houzhh15/transcribex/internal/config"
	"github.com/houzhh15/transcribex/internal/health"
	"github.com/houzhh15/transcribex/pkg/logger"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("TRANSCRIBE_CONFIG"), "path to YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, err := logger.Init(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	appLogger := logInstance.With("component", "web-server")
	appLogger.Info("configuration loaded", "env", cfg.Log.Environment, "port", cfg.Server.Port)
	appLogger.Debug(cfg.PrintConfig())

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := app.New(cfg, logInstance)
	if err != nil {
		appLogger.Error("backend init failed", "error", err)
		os.Exit(1)
	}

	rootCtx, stopChecks := context.WithCancel(context.Background())
	defer stopChecks()

	profile := a.DetectProfile(rootCtx)
	appLogger.Info("hardware profile selected", "profile", profile.String(), "backend", a.Backend.Name())

	checker := health.NewChecker(a.Backend, cfg.Server.HealthInterval, 3, logInstance)
	go checker.Start(rootCtx)

	if len(cfg.Server.JWTSecret) == 0 {
		appLogger.Warn("JWT secret not set, API authentication disabled")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logInstance))
	r.Use(middleware.BearerAuth([]byte(cfg.Server.JWTSecret), "/health", "/readiness", "/metrics"))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.NewHandler(a, profile, checker, version).Register(r)

	// Create HTTP server with graceful shutdown
	// request contexts derive from runCtx so a timed-out shutdown can cancel
	// in-flight transcriptions
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	srv := &http.Server{
		Addr:              cfg.GetServerAddr(),
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		appLogger.Error("listen failed", "addr", srv.Addr, "error", err)
		os.Exit(1)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)

	go func() {
		appLogger.Info("server starting", "addr", srv.Addr, "env", cfg.Log.Environment, "max_connections", cfg.Server.MaxConnections)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	appLogger.Info("shutdown signal received, shutting down server...")

	checker.Stop()
	stopChecks()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Warn("shutdown timed out, cancelling in-flight transcriptions", "error", err)
		cancelRuns()
		_ = srv.Close()
		os.Exit(1)
	}
	appLogger.Info("server shutdown complete")
}
