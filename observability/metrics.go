package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	validatorMetricsOnce sync.Once
	validatorRegistry    *ValidatorMetrics

	retryMetricsOnce sync.Once
	retryRegistry    *RetryQueueMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics

	networkMetricsOnce sync.Once
	networkRegistry    *NetworkMetrics

	creationMetricsOnce sync.Once
	creationRegistry    *CreationMetrics
)

// ValidatorMetrics tracks ledger existence lookups.
type ValidatorMetrics struct {
	lookups *prometheus.CounterVec
	latency prometheus.Histogram
}

// Validator returns the lazily initialised validator metrics registry.
func Validator() *ValidatorMetrics {
	validatorMetricsOnce.Do(func() {
		validatorRegistry = &ValidatorMetrics{
			lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskbridge",
				Subsystem: "validator",
				Name:      "lookups_total",
				Help:      "Ledger task lookups segmented by outcome (exists, absent, unavailable).",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "taskbridge",
				Subsystem: "validator",
				Name:      "lookup_duration_seconds",
				Help:      "Latency distribution for ledger task lookups.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(validatorRegistry.lookups, validatorRegistry.latency)
	})
	return validatorRegistry
}

// Observe records a single lookup.
func (m *ValidatorMetrics) Observe(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.latency.Observe(d.Seconds())
}

// RetryQueueMetrics tracks the retry queue.
type RetryQueueMetrics struct {
	operations *prometheus.CounterVec
	pending    prometheus.Gauge
}

// RetryQueue returns the lazily initialised retry queue metrics registry.
func RetryQueue() *RetryQueueMetrics {
	retryMetricsOnce.Do(func() {
		retryRegistry = &RetryQueueMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskbridge",
				Subsystem: "retry",
				Name:      "operations_total",
				Help:      "Retry queue operations segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "taskbridge",
				Subsystem: "retry",
				Name:      "pending_operations",
				Help:      "Operations currently awaiting execution.",
			}),
		}
		prometheus.MustRegister(retryRegistry.operations, retryRegistry.pending)
	})
	return retryRegistry
}

// Record increments the counter for an operation outcome.
func (m *RetryQueueMetrics) Record(opType, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(opType), normalizeLabel(outcome)).Inc()
}

// SetPending publishes the live operation count.
func (m *RetryQueueMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ReconMetrics tracks reconciliation scans and cleanups.
type ReconMetrics struct {
	scanned  prometheus.Counter
	orphans  prometheus.Counter
	cleanups *prometheus.CounterVec
	duration prometheus.Histogram
}

// Recon returns the lazily initialised reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			scanned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskbridge",
				Subsystem: "recon",
				Name:      "records_scanned_total",
				Help:      "Off-chain records checked against the ledger.",
			}),
			orphans: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskbridge",
				Subsystem: "recon",
				Name:      "orphans_found_total",
				Help:      "Off-chain records with no ledger counterpart.",
			}),
			cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskbridge",
				Subsystem: "recon",
				Name:      "cleanup_operations_total",
				Help:      "Orphan cleanup operations segmented by mode and outcome.",
			}, []string{"mode", "outcome"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "taskbridge",
				Subsystem: "recon",
				Name:      "scan_duration_seconds",
				Help:      "Duration of full reconciliation scans.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			}),
		}
		prometheus.MustRegister(reconRegistry.scanned, reconRegistry.orphans, reconRegistry.cleanups, reconRegistry.duration)
	})
	return reconRegistry
}

// ObserveScan records the totals of a completed scan.
func (m *ReconMetrics) ObserveScan(scanned, orphans int, d time.Duration) {
	if m == nil {
		return
	}
	m.scanned.Add(float64(scanned))
	m.orphans.Add(float64(orphans))
	m.duration.Observe(d.Seconds())
}

// RecordCleanup counts one cleanup operation.
func (m *ReconMetrics) RecordCleanup(dryRun, success bool) {
	if m == nil {
		return
	}
	mode := "apply"
	if dryRun {
		mode = "dry_run"
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.cleanups.WithLabelValues(mode, outcome).Inc()
}

// NetworkMetrics tracks wallet network switches.
type NetworkMetrics struct {
	switches *prometheus.CounterVec
}

// Network returns the lazily initialised network metrics registry.
func Network() *NetworkMetrics {
	networkMetricsOnce.Do(func() {
		networkRegistry = &NetworkMetrics{
			switches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskbridge",
				Subsystem: "network",
				Name:      "switch_attempts_total",
				Help:      "Wallet network switch attempts segmented by action and outcome.",
			}, []string{"action", "outcome"}),
		}
		prometheus.MustRegister(networkRegistry.switches)
	})
	return networkRegistry
}

// RecordSwitch counts a switch attempt.
func (m *NetworkMetrics) RecordSwitch(action, outcome string) {
	if m == nil {
		return
	}
	m.switches.WithLabelValues(normalizeLabel(action), normalizeLabel(outcome)).Inc()
}

// CreationMetrics tracks the task creation saga.
type CreationMetrics struct {
	steps         *prometheus.CounterVec
	compensations *prometheus.CounterVec
	latency       prometheus.Histogram
}

// Creation returns the lazily initialised creation saga metrics registry.
func Creation() *CreationMetrics {
	creationMetricsOnce.Do(func() {
		creationRegistry = &CreationMetrics{
			steps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskbridge",
				Subsystem: "creation",
				Name:      "step_failures_total",
				Help:      "Saga step failures segmented by step and failure kind.",
			}, []string{"step", "kind"}),
			compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskbridge",
				Subsystem: "creation",
				Name:      "compensations_total",
				Help:      "Automatic refunds after failed reward association, by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "taskbridge",
				Subsystem: "creation",
				Name:      "duration_seconds",
				Help:      "End-to-end duration of successful task creations.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
			}),
		}
		prometheus.MustRegister(creationRegistry.steps, creationRegistry.compensations, creationRegistry.latency)
	})
	return creationRegistry
}

// RecordStepFailure counts a failed saga step.
func (m *CreationMetrics) RecordStepFailure(step, kind string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(normalizeLabel(step), normalizeLabel(kind)).Inc()
}

// RecordCompensation counts a refund attempt outcome.
func (m *CreationMetrics) RecordCompensation(outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveLatency records a completed creation.
func (m *CreationMetrics) ObserveLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
