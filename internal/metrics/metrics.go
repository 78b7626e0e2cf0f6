package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_market_events_total", Help: "Market events noted by the health monitor"},
		[]string{"kind"},
	)
	FeedLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradecore_feed_latency_seconds",
			Help:    "Ingest minus event timestamp",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 120},
		},
	)
	HealthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_health_transitions_total", Help: "Per-symbol feed state transitions"},
		[]string{"to"},
	)
	StreamDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tradecore_stream_disconnects_total", Help: "Streaming connection drops"},
	)
	BarGaps = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tradecore_bar_gaps_total", Help: "Minute bar gaps detected in the regular session"},
	)
	FeedFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tradecore_feed_fallbacks_total", Help: "Startups that fell back from the premium feed"},
	)
	RiskDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_risk_decisions_total", Help: "Risk gate decisions by reason"},
		[]string{"reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_orders_total", Help: "Execution queue outcomes"},
		[]string{"state"},
	)
	OrderAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tradecore_order_attempts_total", Help: "Broker submission attempts including retries"},
	)
	RateLimitRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradecore_ratelimit_remaining", Help: "Remaining broker calls in the current window"},
	)
	KillSwitchEngaged = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradecore_kill_switch_engaged", Help: "1 while the kill switch is engaged"},
	)
	BreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_breaker_trips_total", Help: "Safety breaker trips by breaker"},
		[]string{"breaker"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsTotal,
		FeedLatency,
		HealthTransitions,
		StreamDisconnects,
		BarGaps,
		FeedFallbacks,
		RiskDecisions,
		OrdersTotal,
		OrderAttempts,
		RateLimitRemaining,
		KillSwitchEngaged,
		BreakerTrips,
	)
}

// Serve exposes /metrics until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
