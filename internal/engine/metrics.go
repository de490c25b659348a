package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	TaskRuns      *prometheus.CounterVec
	TaskSkips     *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	Deposits      *prometheus.CounterVec
	Withdrawals   *prometheus.CounterVec
	ScanCursor    *prometheus.GaugeVec
	Inconsistency *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TaskRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hotwallet_task_runs_total",
			Help: "Completed task runs by task name and result.",
		}, []string{"task", "result"}),
		TaskSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hotwallet_task_skips_total",
			Help: "Ticks skipped because the previous run was still in flight.",
		}, []string{"task"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hotwallet_task_duration_seconds",
			Help:    "Task run duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		Deposits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hotwallet_deposits_total",
			Help: "Deposit lifecycle transitions by coin and stage.",
		}, []string{"coin", "stage"}),
		Withdrawals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hotwallet_withdrawals_total",
			Help: "Withdrawal lifecycle transitions by coin and stage.",
		}, []string{"coin", "stage"}),
		ScanCursor: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hotwallet_scan_cursor",
			Help: "Current deposit scan cursor per coin.",
		}, []string{"coin"}),
		Inconsistency: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hotwallet_inconsistencies_total",
			Help: "Detected chain/ledger inconsistencies by coin.",
		}, []string{"coin"}),
	}
}
