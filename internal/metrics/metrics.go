// Package metrics exposes Prometheus instruments for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StepsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepdeck",
		Name:      "steps_sent_total",
		Help:      "Steps submitted to the remote session, by kind and outcome.",
	}, []string{"kind", "outcome"})
	StepsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepdeck",
		Name:      "steps_replayed_total",
		Help:      "Steps dispatched during replay, by outcome.",
	}, []string{"outcome"})
	InFlightRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stepdeck",
		Name:      "in_flight_rejections_total",
		Help:      "Submissions rejected because another step was in flight.",
	})
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stepdeck",
		Name:      "step_duration_seconds",
		Help:      "Round trip time of remote step calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"op"})
	PollFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepdeck",
		Name:      "live_fetches_total",
		Help:      "Live screenshot fetches, by outcome.",
	}, []string{"outcome"})
	LiveActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stepdeck",
		Name:      "live_active",
		Help:      "1 while the live screenshot loop is running.",
	})
	ReplayState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stepdeck",
		Name:      "replay_state",
		Help:      "1 for the current replay state.",
	}, []string{"state"})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stepdeck",
		Name:      "sessions_expired_total",
		Help:      "Remote sessions reported as expired.",
	})
)

// Outcome labels.
const (
	OK      = "ok"
	Failed  = "failed"
	Expired = "expired"
	Skipped = "skipped"
)

// SetReplayState marks state as current and clears the others.
func SetReplayState(state string, all ...string) {
	for _, s := range all {
		ReplayState.WithLabelValues(s).Set(0)
	}
	ReplayState.WithLabelValues(state).Set(1)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
