// Package metrics holds the daemon's prometheus collectors. They live in a
// private registry so tests and embedders never collide with the default one.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-command/sessiond/internal/logging"
)

// Registry holds every collector below plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_sessions_active",
		Help: "Sessions currently in the session table.",
	})

	SessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_sessions_created_total",
		Help: "Sessions created, by launch mode.",
	}, []string{"mode"})

	CreateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_session_create_failures_total",
		Help: "Session creations that failed to allocate a pty or spawn.",
	})

	OutputBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_output_bytes_total",
		Help: "Bytes read from session ptys.",
	})

	SandboxFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_sandbox_failures_total",
		Help: "Sandbox provisioning failures, by stage.",
	}, []string{"stage"})

	IsolationAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sessiond_isolation_available",
		Help: "1 for the isolation primitive found by the last probe.",
	}, []string{"primitive"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionsActive,
		SessionsCreated,
		CreateFailures,
		OutputBytes,
		SandboxFailures,
		IsolationAvailable,
	)
}

// SetIsolation records primitive as the only available one.
func SetIsolation(primitive string) {
	IsolationAvailable.Reset()
	IsolationAvailable.WithLabelValues(primitive).Set(1)
}

// Handler serves Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	logger := logging.NewLogger("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
