package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processingOnce sync.Once
	processingReg  *ProcessingMetrics

	reconOnce sync.Once
	reconReg  *ReconMetrics

	balanceOnce sync.Once
	balanceReg  *BalanceMetrics

	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics
)

// ProcessingMetrics captures payment state machine activity.
type ProcessingMetrics struct {
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	batches     prometheus.Histogram
	pending     prometheus.Gauge
}

// Processing returns the lazily-initialised processing metrics registry.
func Processing() *ProcessingMetrics {
	processingOnce.Do(func() {
		processingReg = &ProcessingMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paycore",
				Subsystem: "processing",
				Name:      "transitions_total",
				Help:      "Payment state transitions segmented by from and to state.",
			}, []string{"from", "to"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paycore",
				Subsystem: "processing",
				Name:      "errors_total",
				Help:      "Processing errors segmented by state and ledger error kind.",
			}, []string{"state", "kind"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paycore",
				Subsystem: "processing",
				Name:      "retries_total",
				Help:      "Scheduled retries segmented by payment state.",
			}, []string{"state"}),
			batches: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "paycore",
				Subsystem: "processing",
				Name:      "batch_duration_seconds",
				Help:      "Latency distribution for full processing passes.",
				Buckets:   prometheus.DefBuckets,
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "paycore",
				Subsystem: "processing",
				Name:      "pending_records",
				Help:      "Payment records left in a processable state after the last pass.",
			}),
		}
		prometheus.MustRegister(
			processingReg.transitions,
			processingReg.errors,
			processingReg.retries,
			processingReg.batches,
			processingReg.pending,
		)
	})
	return processingReg
}

// RecordTransition counts a successful state transition.
func (m *ProcessingMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordError counts a processing failure by the state it occurred in and
// the ledger error kind.
func (m *ProcessingMetrics) RecordError(state, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "internal"
	}
	m.errors.WithLabelValues(state, kind).Inc()
}

// RecordRetry counts a retry scheduled for a record in the given state.
func (m *ProcessingMetrics) RecordRetry(state string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(state).Inc()
}

// ObserveBatch records the duration of a processing pass and the number of
// records still pending afterwards.
func (m *ProcessingMetrics) ObserveBatch(d time.Duration, pending int) {
	if m == nil {
		return
	}
	m.batches.Observe(d.Seconds())
	m.pending.Set(float64(pending))
}

// ReconMetrics captures reconciliation pass activity.
type ReconMetrics struct {
	passes   *prometheus.CounterVec
	records  *prometheus.CounterVec
	duration prometheus.Histogram
}

// Recon returns the lazily-initialised reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconOnce.Do(func() {
		reconReg = &ReconMetrics{
			passes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paycore",
				Subsystem: "recon",
				Name:      "passes_total",
				Help:      "Reconciliation passes segmented by outcome.",
			}, []string{"outcome"}),
			records: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paycore",
				Subsystem: "recon",
				Name:      "records_total",
				Help:      "Records created, culled, or replaced by reconciliation.",
			}, []string{"action"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "paycore",
				Subsystem: "recon",
				Name:      "pass_duration_seconds",
				Help:      "Latency distribution for reconciliation passes.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(reconReg.passes, reconReg.records, reconReg.duration)
	})
	return reconReg
}

// RecordPass counts a reconciliation pass. Outcomes are "success",
// "unchanged", or "error".
func (m *ReconMetrics) RecordPass(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

// RecordAction counts record churn by action ("created", "culled",
// "replaced").
func (m *ReconMetrics) RecordAction(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(action).Add(float64(n))
}

// BalanceMetrics captures cached balance tracking.
type BalanceMetrics struct {
	refreshes *prometheus.CounterVec
	balance   prometheus.Gauge
	age       prometheus.Gauge
}

// Balance returns the lazily-initialised balance metrics registry.
func Balance() *BalanceMetrics {
	balanceOnce.Do(func() {
		balanceReg = &BalanceMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paycore",
				Subsystem: "balance",
				Name:      "refreshes_total",
				Help:      "Balance refresh attempts segmented by outcome.",
			}, []string{"outcome"}),
			balance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "paycore",
				Subsystem: "balance",
				Name:      "picounits",
				Help:      "Last known spendable balance in picounits.",
			}),
			age: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "paycore",
				Subsystem: "balance",
				Name:      "age_seconds",
				Help:      "Age of the cached balance at the last tracker check.",
			}),
		}
		prometheus.MustRegister(balanceReg.refreshes, balanceReg.balance, balanceReg.age)
	})
	return balanceReg
}

// RecordRefresh counts a refresh attempt and, on success, the new balance.
func (m *BalanceMetrics) RecordRefresh(ok bool, picounits uint64) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	if ok {
		m.balance.Set(float64(picounits))
	}
}

// RecordAge reports the cached balance age observed by the tracker loop.
func (m *BalanceMetrics) RecordAge(age time.Duration) {
	if m == nil {
		return
	}
	m.age.Set(age.Seconds())
}

// LedgerMetrics captures remote ledger RPC activity.
type LedgerMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	sessions *prometheus.CounterVec
}

// Ledger returns the lazily-initialised ledger client metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paycore",
				Subsystem: "ledger",
				Name:      "requests_total",
				Help:      "Ledger RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "paycore",
				Subsystem: "ledger",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ledger RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paycore",
				Subsystem: "ledger",
				Name:      "sessions_total",
				Help:      "Ledger session handles built, segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(ledgerReg.requests, ledgerReg.latency, ledgerReg.sessions)
	})
	return ledgerReg
}

// ObserveRequest records a ledger RPC call. The kind is the ledger error
// kind string, or empty on success.
func (m *LedgerMetrics) ObserveRequest(method, kind string, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if kind != "" {
		outcome = kind
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordSession counts a session rebuild. Reasons are "initial",
// "expired", or "unauthorized".
func (m *LedgerMetrics) RecordSession(reason string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(reason).Inc()
}
