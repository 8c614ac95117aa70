// Package adapter connects the compositor to external monitoring systems.
package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/srediag/compositor-shm/api"
)

// HealthConfig tunes the checks installed by NewHealthHandler.
type HealthConfig struct {
	// ShmPath is the tmpfs client pools and fallback memfds live on.
	ShmPath string
	// MinShmFree is the free space below which the compositor is not ready.
	MinShmFree uint64
	// MaxGoroutines fails liveness once exceeded.
	MaxGoroutines int
	// Timeout bounds each check.
	Timeout time.Duration
}

// DefaultHealthConfig returns the checks used by the daemon.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		ShmPath:       "/dev/shm",
		MinShmFree:    64 << 20,
		MaxGoroutines: 10000,
		Timeout:       time.Second,
	}
}

// ErrNoOutputs is reported by the display liveness check when the display
// has no connected output.
var ErrNoOutputs = errors.New("adapter: display has no connected output")

// HealthHandler serves /live and /ready for a display.
type HealthHandler struct {
	healthcheck.Handler
	cfg HealthConfig
}

// NewHealthHandler returns a handler whose check results are also exported
// as gauges in namespace on reg. A nil reg disables the gauges.
func NewHealthHandler(reg prometheus.Registerer, namespace string, d api.Display, cfg HealthConfig) *HealthHandler {
	var h healthcheck.Handler
	if reg != nil {
		h = healthcheck.NewMetricsHandler(reg, namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	hh := &HealthHandler{Handler: h, cfg: cfg}
	hh.AddLiveness("display-configuration", api.HealthFunc(func() error {
		return DisplayConfigured(d)
	}))
	if cfg.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(cfg.MaxGoroutines))
	}
	if cfg.ShmPath != "" {
		hh.AddReadiness("shm-free-space", api.HealthFunc(func() error {
			return ShmFree(cfg.ShmPath, cfg.MinShmFree)
		}))
	}
	return hh
}

// AddLiveness installs a liveness check bounded by the configured timeout.
func (h *HealthHandler) AddLiveness(name string, c api.Health) {
	h.AddLivenessCheck(name, h.bounded(c))
}

// AddReadiness installs a readiness check bounded by the configured timeout.
func (h *HealthHandler) AddReadiness(name string, c api.Health) {
	h.AddReadinessCheck(name, h.bounded(c))
}

func (h *HealthHandler) bounded(c api.Health) healthcheck.Check {
	if h.cfg.Timeout <= 0 {
		return c.Check
	}
	return healthcheck.Timeout(c.Check, h.cfg.Timeout)
}

// DisplayConfigured fails when d cannot report a configuration or has no
// connected output.
func DisplayConfigured(d api.Display) error {
	conf, err := d.Configuration()
	if err != nil {
		return err
	}
	for _, o := range conf.Outputs {
		if o.Connected {
			return nil
		}
	}
	return ErrNoOutputs
}

// ShmFree fails when the filesystem at path has less than minFree bytes free.
func ShmFree(path string, minFree uint64) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if usage.Free < minFree {
		return fmt.Errorf("%s: %d bytes free, want %d", path, usage.Free, minFree)
	}
	return nil
}
