package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "powersave"

// Metrics groups the service collectors. A nil *Metrics is valid and
// records nothing, so components can run without instrumentation.
type Metrics struct {
	SessionTransitions  *prometheus.CounterVec
	BaselineFailures    *prometheus.CounterVec
	LedgerEntries       *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec
	CreditedEUR         prometheus.Histogram
	MeteringRequests    *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Saving session transitions by target status.",
		}, []string{"status"}),
		BaselineFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "baseline_failures_total",
			Help:      "Baseline estimations rejected, by reason.",
		}, []string{"reason"}),
		LedgerEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Wallet ledger entries appended, by kind.",
		}, []string{"kind"}),
		InvariantViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_invariant_violations_total",
			Help:      "Wallet consistency checks that failed, by operation.",
		}, []string{"op"}),
		CreditedEUR: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wallet_credit_eur",
			Help:      "Amount credited to wallets per entry.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		MeteringRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metering_requests_total",
			Help:      "Calls to the meter data provider, by outcome.",
		}, []string{"outcome"}),
	}
}

// SessionTransition counts a session entering status.
func (m *Metrics) SessionTransition(status string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(status).Inc()
}

// BaselineFailure counts a rejected baseline.
func (m *Metrics) BaselineFailure(reason string) {
	if m == nil {
		return
	}
	m.BaselineFailures.WithLabelValues(reason).Inc()
}

// LedgerEntry counts an appended entry and observes credited amounts.
func (m *Metrics) LedgerEntry(kind string, amount decimal.Decimal, credit bool) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(kind).Inc()
	if credit {
		v, _ := amount.Float64()
		m.CreditedEUR.Observe(v)
	}
}

// InvariantViolation counts a failed consistency check.
func (m *Metrics) InvariantViolation(op string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(op).Inc()
}

// MeteringRequest counts a meter provider call outcome.
func (m *Metrics) MeteringRequest(outcome string) {
	if m == nil {
		return
	}
	m.MeteringRequests.WithLabelValues(outcome).Inc()
}
