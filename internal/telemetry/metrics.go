// Package telemetry exposes the pipeline's Prometheus metrics and health
// endpoint.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds the pipeline's Prometheus metrics.
type Registry struct {
	BarsRecorded     *prometheus.CounterVec
	TickersRecorded  *prometheus.CounterVec
	StreamErrors     *prometheus.CounterVec
	InvalidSymbols   prometheus.Gauge
	AlertsEmitted    *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	ScanDuration     prometheus.Histogram
	DailyCacheHits   prometheus.Counter
	DailyCacheMisses prometheus.Counter

	registry *prometheus.Registry
}

// NewRegistry builds and registers every metric on a private registry.
func NewRegistry() *Registry {
	r := &Registry{
		BarsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoradar_bars_recorded_total",
				Help: "OHLCV bars written into the store by venue",
			},
			[]string{"venue"},
		),
		TickersRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoradar_tickers_recorded_total",
				Help: "Ticker records written into the store by venue",
			},
			[]string{"venue"},
		),
		StreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoradar_stream_errors_total",
				Help: "Stream task errors by venue and classification",
			},
			[]string{"venue", "kind"},
		),
		InvalidSymbols: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptoradar_invalid_symbols",
				Help: "Symbols evicted as permanently invalid",
			},
		),
		AlertsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoradar_alerts_emitted_total",
				Help: "Alerts forwarded to the notifier by kind",
			},
			[]string{"kind"},
		),
		AlertsSuppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cryptoradar_alerts_suppressed_total",
				Help: "Alerts dropped by the cooldown gate",
			},
		),
		ScanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cryptoradar_scan_duration_seconds",
				Help:    "Duration of one detector sweep",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
		),
		DailyCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cryptoradar_daily_cache_hits_total",
				Help: "Daily-bar cache hits",
			},
		),
		DailyCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cryptoradar_daily_cache_misses_total",
				Help: "Daily-bar cache misses",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	r.registry.MustRegister(
		r.BarsRecorded,
		r.TickersRecorded,
		r.StreamErrors,
		r.InvalidSymbols,
		r.AlertsEmitted,
		r.AlertsSuppressed,
		r.ScanDuration,
		r.DailyCacheHits,
		r.DailyCacheMisses,
	)
	return r
}

// Handler serves /metrics and /healthz.
func (r *Registry) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	return router
}

// Serve runs the metrics endpoint until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      r.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
