// Package observability provides Prometheus metrics exposition, OpenTelemetry
// tracing, and health checks for Kazi workers.
// All components are optional and nil-safe — when disabled, callers
// skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jkaninda/kazi/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Registry *prometheus.Registry
	Tracer   *TracerSetup
	Health   *HealthChecker

	server *metricsServer
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	// Metrics registry. Custom registry, no global state.
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		obs.Registry = reg
	}

	// Tracing.
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	// Health checker (always created, checks added later in main).
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// RegistryOrNil returns the Prometheus registry or nil if metrics are disabled.
func (o *Observability) RegistryOrNil() *prometheus.Registry {
	if o == nil {
		return nil
	}
	return o.Registry
}

// TracerOrNil returns the OTel tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// Shutdown stops the metrics server and releases tracing resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.server != nil {
		o.server.Shutdown(ctx)
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}
