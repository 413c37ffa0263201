package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Allocator metrics
	ResourceHandlesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laasd_resource_handles_total",
			Help: "Total number of resource handles by kind",
		},
		[]string{"kind"},
	)

	LiveAllocationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laasd_live_allocations_total",
			Help: "Total number of live allocations by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "laasd_allocation_duration_seconds",
			Help:    "Time taken to complete one allocator operation",
			Buckets: prometheus.DefBuckets,
		},
	)

	AllocationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laasd_allocation_failures_total",
			Help: "Total number of failed allocator operations by error kind",
		},
		[]string{"kind"},
	)

	// Aggregate / booking metrics
	AggregatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laasd_aggregates_total",
			Help: "Total number of aggregates by lifecycle state",
		},
		[]string{"state"},
	)

	// Task runtime metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laasd_tasks_total",
			Help: "Total number of runtime tasks by derived state",
		},
		[]string{"state"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laasd_task_duration_seconds",
			Help:    "Task body execution duration in seconds, by task identifier",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"identifier"},
	)

	TaskResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laasd_task_results_total",
			Help: "Total number of task results written, by identifier and outcome",
		},
		[]string{"identifier", "outcome"}, // outcome: ok, reason, timeout, cancelled, panic, internal
	)

	// Mailbox metrics
	MailboxMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laasd_mailbox_messages_total",
			Help: "Total number of mailbox messages pushed, by usage",
		},
		[]string{"usage"},
	)

	MailboxWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laasd_mailbox_wait_duration_seconds",
			Help:    "Time a receiver spent blocked in WaitNext",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 2400},
		},
		[]string{"usage"},
	)

	// Fabric metrics
	FabricCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laasd_fabric_commands_total",
			Help: "Total number of fabric configuration commands issued, by dialect",
		},
		[]string{"dialect"},
	)

	FabricFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laasd_fabric_failures_total",
			Help: "Total number of fabric configuration failures, by dialect",
		},
		[]string{"dialect"},
	)

	// Durable commit log (pkg/ledger) metrics
	LedgerIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "laasd_ledger_is_leader",
			Help: "Whether this process holds the single-node raft leadership (1 = yes)",
		},
	)

	LedgerApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "laasd_ledger_apply_duration_seconds",
			Help:    "Time taken to apply a command through the durable commit log",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "laasd_reconciliation_duration_seconds",
			Help:    "Time taken for one aggregate-reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "laasd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ExpiredAggregatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "laasd_expired_aggregates_total",
			Help: "Total number of aggregates torn down by the reconciler due to expiry",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ResourceHandlesTotal,
		LiveAllocationsTotal,
		AllocationDuration,
		AllocationFailuresTotal,
		AggregatesTotal,
		TasksTotal,
		TaskDuration,
		TaskResultsTotal,
		MailboxMessagesTotal,
		MailboxWaitDuration,
		FabricCommandsTotal,
		FabricFailuresTotal,
		LedgerIsLeader,
		LedgerApplyDuration,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ExpiredAggregatesTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording its
// duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
