package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports transaction metrics through a prometheus
// registry.
type PrometheusRecorder struct {
	transactions *prometheus.CounterVec
	effects      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the transaction metrics with the given
// registerer (prometheus.DefaultRegisterer when nil).
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	rec := &PrometheusRecorder{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billingcore_transactions_total",
			Help: "Transaction invocations by span and status.",
		}, []string{"span", "status"}),
		effects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billingcore_effects_total",
			Help: "Persisted effects by span and kind.",
		}, []string{"span", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billingcore_transaction_duration_seconds",
			Help:    "Transaction duration by span.",
			Buckets: prometheus.DefBuckets,
		}, []string{"span"}),
	}
	for _, c := range []prometheus.Collector{rec.transactions, rec.effects, rec.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// RecordTransaction exports one invocation.
func (r *PrometheusRecorder) RecordTransaction(span, status string, events, ledgerCommands int, d time.Duration) {
	r.transactions.WithLabelValues(span, status).Inc()
	if events > 0 {
		r.effects.WithLabelValues(span, "event").Add(float64(events))
	}
	if ledgerCommands > 0 {
		r.effects.WithLabelValues(span, "ledger_command").Add(float64(ledgerCommands))
	}
	r.duration.WithLabelValues(span).Observe(d.Seconds())
}
