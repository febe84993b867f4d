// Package metrics exposes Prometheus metrics for the bridge and pool services.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bridge holds consensus engine and relayer metrics.
type Bridge struct {
	transitions         *prometheus.CounterVec
	signatures          *prometheus.CounterVec
	eventsSeen          *prometheus.CounterVec
	destinationFailures *prometheus.CounterVec
	manualReviews       prometheus.Counter
	finalizeSeconds     prometheus.Histogram
	checkpointHeight    *prometheus.GaugeVec
	breakerState        *prometheus.GaugeVec
	paused              prometheus.Gauge
}

// NewBridge registers bridge metrics under namespace on reg.
func NewBridge(namespace string, reg prometheus.Registerer) *Bridge {
	f := promauto.With(reg)
	return &Bridge{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_transfer_transitions_total", namespace),
			Help: "Transfer status transitions by target status",
		}, []string{"status"}),
		signatures: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_signatures_total", namespace),
			Help: "Validator signatures by outcome",
		}, []string{"outcome"}),
		eventsSeen: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_source_events_total", namespace),
			Help: "Deposit events observed per source chain",
		}, []string{"chain"}),
		destinationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_destination_failures_total", namespace),
			Help: "Failed destination submissions per destination chain",
		}, []string{"chain"}),
		manualReviews: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_manual_reviews_total", namespace),
			Help: "Transfers flagged for operator review",
		}),
		finalizeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_finalize_seconds", namespace),
			Help:    "Time spent in the destination call during finalize",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		checkpointHeight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_checkpoint_height", namespace),
			Help: "Next block height each watcher will scan",
		}, []string{"chain"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_circuit_state", namespace),
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"breaker"}),
		paused: f.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_paused", namespace),
			Help: "1 while the bridge is paused",
		}),
	}
}

// Transition counts a status change.
func (m *Bridge) Transition(status string) { m.transitions.WithLabelValues(status).Inc() }

// Signature counts a signature outcome (counted, duplicate, audit, rejected).
func (m *Bridge) Signature(outcome string) { m.signatures.WithLabelValues(outcome).Inc() }

// EventSeen counts a source-chain deposit.
func (m *Bridge) EventSeen(chain uint32) { m.eventsSeen.WithLabelValues(label(chain)).Inc() }

// DestinationFailure counts a failed completion call.
func (m *Bridge) DestinationFailure(chain uint32) {
	m.destinationFailures.WithLabelValues(label(chain)).Inc()
}

// ManualReview counts a review flag.
func (m *Bridge) ManualReview() { m.manualReviews.Inc() }

// ObserveFinalize records destination call latency.
func (m *Bridge) ObserveFinalize(seconds float64) { m.finalizeSeconds.Observe(seconds) }

// SetCheckpoint records a watcher's position.
func (m *Bridge) SetCheckpoint(chain uint32, height uint64) {
	m.checkpointHeight.WithLabelValues(label(chain)).Set(float64(height))
}

// SetBreakerState records a circuit breaker state as its ordinal.
func (m *Bridge) SetBreakerState(name string, state int) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// SetPaused records the pause flag.
func (m *Bridge) SetPaused(paused bool) {
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// Pool holds share validator and payout metrics.
type Pool struct {
	shares        *prometheus.CounterVec
	payouts       prometheus.Counter
	payoutAmount  prometheus.Counter
	carried       prometheus.Counter
	periodShares  prometheus.Gauge
	currentPeriod prometheus.Gauge
}

// NewPool registers pool metrics under namespace on reg.
func NewPool(namespace string, reg prometheus.Registerer) *Pool {
	f := promauto.With(reg)
	return &Pool{
		shares: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_shares_total", namespace),
			Help: "Share submissions by verdict",
		}, []string{"verdict"}),
		payouts: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_payouts_total", namespace),
			Help: "Miner payouts sent",
		}),
		payoutAmount: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_payout_amount_total", namespace),
			Help: "Sum of paid amounts in base units",
		}),
		carried: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_carried_payouts_total", namespace),
			Help: "Entitlements rolled into the next period",
		}),
		periodShares: f.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_period_shares", namespace),
			Help: "Valid shares in the current period",
		}),
		currentPeriod: f.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_current_period", namespace),
			Help: "Id of the current reward period",
		}),
	}
}

// Share counts one verdict ("accepted" or a reject reason).
func (m *Pool) Share(verdict string) { m.shares.WithLabelValues(verdict).Inc() }

// Payout counts one sent payout.
func (m *Pool) Payout(amount uint64) {
	m.payouts.Inc()
	m.payoutAmount.Add(float64(amount))
}

// Carried counts one rolled-over entitlement.
func (m *Pool) Carried() { m.carried.Inc() }

// SetPeriod records the current period and its share count.
func (m *Pool) SetPeriod(id uint64, shares uint64) {
	m.currentPeriod.Set(float64(id))
	m.periodShares.Set(float64(shares))
}

// Handler serves the given gatherer in Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func label(chain uint32) string { return fmt.Sprintf("%d", chain) }
