// Package health tracks the availability of the inference backend with
// periodic probes and a consecutive-failure threshold.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/houzhh15/transcribex/pkg/logger"
)

// DefaultCheckTimeout bounds a single probe.
const DefaultCheckTimeout = 10 * time.Second

// Target is anything that can report its own health. backend.Backend
// satisfies it.
type Target interface {
	Name() string
	HealthCheck(ctx context.Context) (bool, error)
}

// ServiceStatus is the current health state of the monitored target.
type ServiceStatus struct {
	Service string `json:"service"`

	// IsHealthy stays true until FailThreshold consecutive checks fail.
	IsHealthy bool `json:"is_healthy"`

	LastCheckTime time.Time `json:"last_check_time"`

	// ConsecutiveFails is reset to 0 by a passing check.
	ConsecutiveFails int `json:"consecutive_fails"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// Checker performs periodic health checks on a Target. All methods are safe
// for concurrent use.
type Checker struct {
	target        Target
	logger        *slog.Logger
	checkInterval time.Duration
	checkTimeout  time.Duration
	failThreshold int

	mu       sync.RWMutex
	status   ServiceStatus
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewChecker creates a Checker. The target is assumed healthy until checks
// say otherwise; call Start to begin probing.
func NewChecker(target Target, checkInterval time.Duration, failThreshold int, log *slog.Logger) *Checker {
	if failThreshold < 1 {
		failThreshold = 1
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Checker{
		target:        target,
		logger:        logger.OrDefault(log).With("component", "health_checker", "service", target.Name()),
		checkInterval: checkInterval,
		checkTimeout:  DefaultCheckTimeout,
		failThreshold: failThreshold,
		stopChan:      make(chan struct{}),
		status: ServiceStatus{
			Service:       target.Name(),
			IsHealthy:     true,
			LastCheckTime: time.Now(),
		},
	}
}

// Start checks immediately, then at every interval, until Stop is called or
// ctx is done. It blocks; run it in its own goroutine.
func (hc *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	hc.Check(ctx)

	for {
		select {
		case <-ticker.C:
			hc.Check(ctx)
		case <-hc.stopChan:
			hc.logger.Info("health checker stopped")
			return
		case <-ctx.Done():
			hc.logger.Info("health checker context cancelled")
			return
		}
	}
}

// Check runs one probe, updates the status and returns the new status.
func (hc *Checker) Check(ctx context.Context) ServiceStatus {
	checkCtx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
	defer cancel()

	healthy, err := hc.target.HealthCheck(checkCtx)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.LastCheckTime = time.Now()
	if healthy {
		if hc.status.ConsecutiveFails > 0 || !hc.status.IsHealthy {
			hc.logger.Info("health check recovered", "previous_fails", hc.status.ConsecutiveFails)
		}
		hc.status.IsHealthy = true
		hc.status.ConsecutiveFails = 0
		hc.status.ErrorMessage = ""
		return hc.status
	}

	hc.status.ConsecutiveFails++
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	hc.status.ErrorMessage = fmt.Sprintf("health check failed: %s", errMsg)

	if hc.status.ConsecutiveFails >= hc.failThreshold {
		hc.status.IsHealthy = false
		hc.logger.Error("health check failed, marking unhealthy", "consecutive_fails", hc.status.ConsecutiveFails)
	} else {
		hc.logger.Warn("health check failed",
			"consecutive_fails", hc.status.ConsecutiveFails,
			"threshold", hc.failThreshold,
			"error", errMsg)
	}
	return hc.status
}

// GetStatus returns a copy of the current status.
func (hc *Checker) GetStatus() ServiceStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status
}

// Stop terminates Start. Safe to call more than once.
func (hc *Checker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}
