// Package metrics exposes Prometheus counters for migration runs. Batch jobs
// are short-lived, so the registry is scraped through the optional listener
// during long apply runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements the pipeline observer contract on a private registry.
type Recorder struct {
	registry *prometheus.Registry
	rows     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRecorder builds a recorder with its own registry so tests never collide
// on the global default.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}
	r.rows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradereg_rows_total",
		Help: "Rows processed per stage, labeled by outcome branch.",
	}, []string{"stage", "mode", "outcome"})
	r.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradereg_stage_seconds",
		Help:    "Wall-clock duration of stage runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage", "mode"})
	r.registry.MustRegister(r.rows, r.duration)
	return r
}

// ObserveStage records one finished stage run.
func (r *Recorder) ObserveStage(stage, mode string, duration time.Duration, counts map[string]int) {
	r.duration.WithLabelValues(stage, mode).Observe(duration.Seconds())
	for outcome, n := range counts {
		r.rows.WithLabelValues(stage, mode, outcome).Add(float64(n))
	}
}

// Registry exposes the private registry for scraping in tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Serve exposes /metrics on addr until ctx is cancelled. Blocks.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
