package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mpool_replace"

var (
	// Scheduler
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total completed scheduler ticks",
	})

	SchedulerTickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tick_errors_total",
		Help:      "Total scheduler tick failures by stage",
	}, []string{"stage"})

	SchedulerTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Scheduler tick processing duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	SchedulerEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "epoch",
		Help:      "Local epoch counter at the last tick",
	})

	NodeSynchronized = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "synchronized",
		Help:      "Whether the node reported itself synchronized (1) or not (0)",
	})

	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "health_status",
		Help:      "Scheduler health status (0=UNKNOWN, 1=HEALTHY, 2=DEGRADED, 3=UNHEALTHY)",
	})

	ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive failed ticks",
	})

	// Tracker
	TrackedMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "messages",
		Help:      "Tracked messages by lifecycle set",
	}, []string{"set"})

	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "transitions_total",
		Help:      "Total lifecycle transitions by kind",
	}, []string{"kind"})

	// Executor
	ReplacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "replacements_total",
		Help:      "Total replacement attempts by outcome",
	}, []string{"outcome"})

	ReplacementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "replace_duration_seconds",
		Help:      "Duration of a single replace call against the node",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	ExecutedFee = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "executed_fee_fil",
		Help:      "Fee limit submitted with successful replacements, in FIL",
		Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.25, 1.5, 2, 3, 5},
	})

	// Statistics
	MeanFee = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stats",
		Name:      "mean_fee_fil",
		Help:      "Mean executed fee over the fee window",
	})

	MaxFeeObserved = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stats",
		Name:      "max_fee_fil",
		Help:      "Largest executed fee ever recorded at confirmation",
	})

	MeanAge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stats",
		Name:      "mean_age_epochs",
		Help:      "Mean age at confirmation over the age window",
	})

	MaxAgeObserved = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stats",
		Name:      "max_age_epochs",
		Help:      "Largest age at confirmation ever recorded",
	})

	// Persistence
	StateSaveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "state",
		Name:      "save_errors_total",
		Help:      "Total failures writing the state file",
	})

	// Lotus RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total Lotus RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"target"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"target"})

	// Event sinks
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Total lifecycle events handed to a sink",
	}, []string{"sink"})

	EventSinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "sink_errors_total",
		Help:      "Total failed event publish calls by sink",
	}, []string{"sink"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// History database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Number of open history database connections",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "in_use",
		Help:      "Number of history database connections in use",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "idle",
		Help:      "Number of idle history database connections",
	})

	// Admin API
	AdminRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Total admin API requests rejected by the per-route rate limiter",
	}, []string{"route"})

	AdminHistoryCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admin",
		Name:      "history_cache_total",
		Help:      "Event history lookups served by the admin API, by cache result",
	}, []string{"result"})
)
