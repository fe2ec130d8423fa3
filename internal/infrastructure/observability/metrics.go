package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox metrics
	EventsClaimed    *prometheus.CounterVec
	EventsProcessed  *prometheus.CounterVec
	EventsReclaimed  prometheus.Counter
	EventsPurged     prometheus.Counter
	DispatchDuration *prometheus.HistogramVec
	OutboxBacklog    *prometheus.GaugeVec

	// Limiter metrics
	LimiterActive          prometheus.Gauge
	LimiterQueued          prometheus.Gauge
	LimiterHighUsage       prometheus.Gauge
	LimiterMemoryBytes     prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec

	// Saga metrics
	SagasTotal        *prometheus.CounterVec
	SagaStepDuration  *prometheus.HistogramVec
	SagaCompensations *prometheus.CounterVec

	// Reconciliation metrics
	ReconciliationMismatches *prometheus.CounterVec
	RecoveriesTotal          *prometheus.CounterVec
	EscalationsTotal         *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		EventsClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_claimed_total",
				Help:      "Total number of outbox events claimed by event type",
			},
			[]string{"event_type"},
		),
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_processed_total",
				Help:      "Total number of outbox events handled by event type and result",
			},
			[]string{"event_type", "result"},
		),
		EventsReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_reclaimed_total",
				Help:      "Total number of stale claims returned to pending",
			},
		),
		EventsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_purged_total",
				Help:      "Total number of published events removed by retention",
			},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_dispatch_duration_seconds",
				Help:      "Handler duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type"},
		),
		OutboxBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_events",
				Help:      "Number of outbox events by status",
			},
			[]string{"status"},
		),
		LimiterActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_active_tasks",
				Help:      "Number of tasks currently running in the limiter",
			},
		),
		LimiterQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_queued_tasks",
				Help:      "Number of tasks waiting for a limiter slot",
			},
		),
		LimiterHighUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_high_usage",
				Help:      "1 while the limiter watchdog reports high usage",
			},
		),
		LimiterMemoryBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_memory_bytes",
				Help:      "Process resident memory last sampled by the watchdog",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"name", "result"},
		),
		SagasTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sagas_total",
				Help:      "Total number of sagas reaching a terminal status",
			},
			[]string{"saga_type", "status"},
		),
		SagaStepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "saga_step_duration_seconds",
				Help:      "Saga step execution duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"saga_type", "step", "result"},
		),
		SagaCompensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_compensations_total",
				Help:      "Total number of step compensations by result",
			},
			[]string{"saga_type", "step", "result"},
		),
		ReconciliationMismatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_mismatches_total",
				Help:      "Total number of mismatches found by consistency checks",
			},
			[]string{"check_type"},
		),
		RecoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_recoveries_total",
				Help:      "Total number of recovery attempts by strategy and outcome",
			},
			[]string{"strategy", "resolved"},
		),
		EscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of escalations recorded for manual review",
			},
			[]string{"kind"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.EventsClaimed,
		m.EventsProcessed,
		m.EventsReclaimed,
		m.EventsPurged,
		m.DispatchDuration,
		m.OutboxBacklog,
		m.LimiterActive,
		m.LimiterQueued,
		m.LimiterHighUsage,
		m.LimiterMemoryBytes,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
		m.SagasTotal,
		m.SagaStepDuration,
		m.SagaCompensations,
		m.ReconciliationMismatches,
		m.RecoveriesTotal,
		m.EscalationsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// ObserveLimiter copies a limiter snapshot into the gauges.
func (m *Metrics) ObserveLimiter(name string, active, queued int, highUsage bool, memoryBytes uint64, breakerState int) {
	if m == nil {
		return
	}
	m.LimiterActive.Set(float64(active))
	m.LimiterQueued.Set(float64(queued))
	m.LimiterHighUsage.Set(boolGauge(highUsage))
	m.LimiterMemoryBytes.Set(float64(memoryBytes))
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(breakerState))
}
