package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ArbiterMetrics exposes counters/histograms for booking, waitlist and sweep flows.
type ArbiterMetrics struct {
	transitions        *prometheus.CounterVec
	capacityRejections *prometheus.CounterVec
	waitlistEvents     *prometheus.CounterVec
	sweepRecords       *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	policyFallbacks    prometheus.Counter
	ledgerFailures     *prometheus.CounterVec
}

func NewArbiterMetrics(reg prometheus.Registerer) *ArbiterMetrics {
	m := &ArbiterMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotkeeper",
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Committed appointment status transitions",
		}, []string{"from", "to"}),
		capacityRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotkeeper",
			Subsystem: "booking",
			Name:      "capacity_rejections_total",
			Help:      "Create attempts refused because the slot was full",
		}, []string{"source"}),
		waitlistEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotkeeper",
			Subsystem: "waitlist",
			Name:      "events_total",
			Help:      "Waitlist lifecycle events",
		}, []string{"event"}),
		sweepRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotkeeper",
			Subsystem: "sweeper",
			Name:      "records_total",
			Help:      "Records processed by the expiry sweeper",
		}, []string{"kind", "outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "slotkeeper",
			Subsystem: "sweeper",
			Name:      "duration_seconds",
			Help:      "Wall time of a single sweep pass",
			Buckets:   prometheus.DefBuckets,
		}),
		policyFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotkeeper",
			Subsystem: "policy",
			Name:      "fallbacks_total",
			Help:      "Policy lookups that fell back to defaults after a store error",
		}),
		ledgerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotkeeper",
			Subsystem: "ledger",
			Name:      "consume_failures_total",
			Help:      "Post-commit credit consumption failures",
		}, []string{"reason"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.transitions,
		m.capacityRejections,
		m.waitlistEvents,
		m.sweepRecords,
		m.sweepDuration,
		m.policyFallbacks,
		m.ledgerFailures,
	)
	return m
}

func (m *ArbiterMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveCapacityRejection counts a full-slot refusal; source is "direct" or "waitlist".
func (m *ArbiterMetrics) ObserveCapacityRejection(source string) {
	if m == nil {
		return
	}
	m.capacityRejections.WithLabelValues(source).Inc()
}

func (m *ArbiterMetrics) ObserveWaitlistEvent(event string) {
	if m == nil {
		return
	}
	m.waitlistEvents.WithLabelValues(event).Inc()
}

func (m *ArbiterMetrics) ObserveSweepRecord(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sweepRecords.WithLabelValues(kind, outcome).Inc()
}

func (m *ArbiterMetrics) ObserveSweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *ArbiterMetrics) ObservePolicyFallback() {
	if m == nil {
		return
	}
	m.policyFallbacks.Inc()
}

func (m *ArbiterMetrics) ObserveLedgerFailure(reason string) {
	if m == nil {
		return
	}
	m.ledgerFailures.WithLabelValues(reason).Inc()
}
