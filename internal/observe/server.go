package observe

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/health"
)

// NewServer returns the metrics/health HTTP server listening on addr. It
// serves the Prometheus scrape endpoint at /metrics plus /healthz and
// /readyz, with request latency recorded to [Metrics.HTTPRequestDuration].
// A nil health handler gets a plain always-200 /healthz.
//
// Start it with ListenAndServe in its own goroutine and shut it down with
// [http.Server.Shutdown].
func NewServer(addr string, m *Metrics, hh *health.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if hh != nil {
		hh.Register(mux)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
	}

	return &http.Server{
		Addr:              addr,
		Handler:           instrument(m, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// instrument wraps h to record request durations.
func instrument(m *Metrics, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		m.HTTPRequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
			),
		)
	})
}

// Serve runs srv until ctx is cancelled, then shuts it down with a short
// grace period. Listen errors other than [http.ErrServerClosed] are logged.
func Serve(ctx context.Context, srv *http.Server) {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server failed", "addr", srv.Addr, "err", err)
	}
}
