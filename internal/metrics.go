package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 計數快取的 Prometheus 指標
//
// 指標註冊到呼叫者提供的 Registerer，測試時各自使用獨立的 registry。
type Metrics struct {
	Ops             *prometheus.CounterVec   // kind, op, path(cache|backlog|dropped)
	BacklogEntries  *prometheus.GaugeVec     // kind
	Flushes         *prometheus.CounterVec   // kind, result(ok|partial|failed)
	FlushDuration   *prometheus.HistogramVec // kind
	ReconcilePasses *prometheus.CounterVec   // result(ok|empty|failed)
	ReconcileWrites *prometheus.CounterVec   // kind, result(ok|failed)
	ReconcileTime   prometheus.Histogram
	HTTPRequests    *prometheus.CounterVec // route, status
}

// NewMetrics 創建並註冊指標
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Ops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counter_cache",
			Name:      "operations_total",
			Help:      "Counter mutations by kind, operation and the path that served them",
		}, []string{"kind", "op", "path"}),

		BacklogEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "counter_cache",
			Name:      "backlog_entries",
			Help:      "Records with pending deltas in the in-process backlog",
		}, []string{"kind"}),

		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counter_cache",
			Name:      "flushes_total",
			Help:      "Backlog flush passes by outcome",
		}, []string{"kind", "result"}),

		FlushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "counter_cache",
			Name:      "flush_duration_seconds",
			Help:      "Backlog flush duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		ReconcilePasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counter_reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes by outcome",
		}, []string{"result"}),

		ReconcileWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counter_reconcile",
			Name:      "writes_total",
			Help:      "Durable counter writes by kind and outcome",
		}, []string{"kind", "result"}),

		ReconcileTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "counter_reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Reconciliation pass duration",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counter_http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
}
