package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/kazi/internal/config"
)

// metricsServer exposes Prometheus metrics plus liveness and readiness
// endpoints on a dedicated listener.
type metricsServer struct {
	srv    *http.Server
	logger *slog.Logger
}

// StartMetricsServer starts the metrics HTTP server in the background.
// No-op when metrics are disabled.
func (o *Observability) StartMetricsServer(cfg *config.MetricsConfig, logger *slog.Logger) {
	if o == nil || o.Registry == nil || cfg == nil || !cfg.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath(), promhttp.HandlerFor(o.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, o.Health.CheckHealth())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := o.Health.CheckReady(r.Context())
		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, status)
	})

	o.server = &metricsServer{
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}

	go func() {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr()),
			slog.String("path", cfg.MetricsPath()),
		)
		if err := o.server.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

func (m *metricsServer) Shutdown(ctx context.Context) {
	if m == nil || m.srv == nil {
		return
	}
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
	}
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
