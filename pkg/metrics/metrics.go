package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Workflow metrics
	TransitionsTotal    *prometheus.CounterVec
	TransitionConflicts prometheus.Counter

	// Safety metrics
	SafetyChecksTotal *prometheus.CounterVec
	InteractionCache  *prometheus.CounterVec

	// Audit metrics
	AuditEventsTotal   *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter

	// SLA metrics
	SLAViolationsTotal *prometheus.CounterVec
	SLASweepDuration   prometheus.Histogram
	SLASweepsSkipped   prometheus.Counter

	// Outbox related metrics
	OutboxEventsProcessed   prometheus.Counter
	OutboxEventsFailed      prometheus.Counter
	OutboxProcessingLatency prometheus.Histogram
	OutboxRetries           *prometheus.CounterVec

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// New creates all application metrics and registers them with reg.
// Registering twice against the same registry reuses the existing collectors.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Metrics{
		TransitionsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Consultation transition requests by target state and outcome",
		}, []string{"to", "outcome"})),
		TransitionConflicts: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transition_conflicts_total",
			Help:      "Optimistic concurrency conflicts that forced a re-read",
		})),
		SafetyChecksTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "checks_total",
			Help:      "Safety evaluations by verdict",
		}, []string{"verdict"})),
		InteractionCache: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "interaction_cache_total",
			Help:      "Interaction reference cache lookups by result",
		}, []string{"result"})),
		AuditEventsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events recorded by action",
		}, []string{"action"})),
		AuditWriteFailures: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Audit writes that failed and blocked the triggering operation",
		})),
		SLAViolationsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sla",
			Name:      "violations_total",
			Help:      "SLA violations detected by urgency",
		}, []string{"urgency"})),
		SLASweepDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sla",
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one SLA sweep",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		})),
		SLASweepsSkipped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sla",
			Name:      "sweeps_skipped_total",
			Help:      "Scheduler ticks dropped because a sweep was still running",
		})),
		OutboxEventsProcessed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_processed_total",
			Help:      "Total number of successfully processed outbox events",
		})),
		OutboxEventsFailed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_failed_total",
			Help:      "Total number of failed outbox events",
		})),
		OutboxProcessingLatency: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing outbox events",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		})),
		OutboxRetries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts for outbox events",
		}, []string{"event_type"})),
		DatabaseOperations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
