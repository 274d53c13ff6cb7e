package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dc_bridge/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bridge metrics
var (
	// Relay outcomes (relayed / reused / dropped / failed)
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Total relay attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Relay duration, download included
	RelayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "Relay duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// Backfill passes by result (completed / partial / skipped)
	BackfillPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "backfill",
			Name:      "passes_total",
			Help:      "Total backfill passes by result",
		},
		[]string{"result"},
	)

	// Backfilled messages by mode (resent / relayed / failed)
	BackfillMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "backfill",
			Name:      "messages_total",
			Help:      "Total backfilled messages by mode",
		},
		[]string{"mode"},
	)

	// Destination events by kind
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "deltachat",
			Name:      "events_total",
			Help:      "Total destination events by kind",
		},
		[]string{"kind"},
	)

	// Routed channels
	RoutedChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "routing",
			Name:      "channels",
			Help:      "Number of channels in the routing table",
		},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRelay records a relay outcome
func RecordRelay(outcome string, duration time.Duration) {
	RelayMessagesTotal.WithLabelValues(outcome).Inc()
	RelayDuration.Observe(duration.Seconds())
}

// RecordBackfillPass records a finished backfill pass
func RecordBackfillPass(result string, resent, relayed, failed int) {
	BackfillPassesTotal.WithLabelValues(result).Inc()
	BackfillMessagesTotal.WithLabelValues("resent").Add(float64(resent))
	BackfillMessagesTotal.WithLabelValues("relayed").Add(float64(relayed))
	BackfillMessagesTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordEvent records a destination event
func RecordEvent(kind string) {
	EventsTotal.WithLabelValues(kind).Inc()
}

// SetRoutedChannels updates the routing table size
func SetRoutedChannels(n int) {
	RoutedChannels.Set(float64(n))
}

// Serve exposes /metrics until ctx is cancelled
func Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.L().Infof("Metrics endpoint listening on %s", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
