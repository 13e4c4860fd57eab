// Package metrics exports gate lifecycle events as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/becomeliminal/x402-agents"
)

// Observer implements x402.Observer.
type Observer struct {
	challenges    *prometheus.CounterVec
	verifyFailed  *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	settleLatency *prometheus.HistogramVec
	requests      *prometheus.CounterVec
}

var _ x402.Observer = (*Observer)(nil)

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		challenges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_challenges_total",
			Help: "Payment challenges issued, labeled by route",
		}, []string{"route"}),

		verifyFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_verification_failures_total",
			Help: "Rejected payment proofs, labeled by route and failure kind",
		}, []string{"route", "kind"}),

		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_settlements_total",
			Help: "Finished settlements, labeled by route and outcome",
		}, []string{"route", "outcome"}),

		settleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "x402_settlement_duration_seconds",
			Help:    "Latency distribution of settlements",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route"}),

		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_requests_total",
			Help: "Gated requests, labeled by route and final lifecycle state",
		}, []string{"route", "state"}),
	}
}

func (o *Observer) ChallengeIssued(route string) {
	o.challenges.WithLabelValues(route).Inc()
}

func (o *Observer) VerificationFailed(route string, kind x402.ErrorKind) {
	o.verifyFailed.WithLabelValues(route, string(kind)).Inc()
}

func (o *Observer) SettlementFinished(route string, kind x402.ErrorKind, elapsed time.Duration) {
	outcome := "settled"
	if kind != "" {
		outcome = string(kind)
	}
	o.settlements.WithLabelValues(route, outcome).Inc()
	o.settleLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (o *Observer) RequestFinished(route string, state x402.GateState) {
	o.requests.WithLabelValues(route, state.String()).Inc()
}

// Handler serves the metrics gathered by g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
