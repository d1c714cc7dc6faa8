// Package metrics exposes Prometheus counters for ledger activity, task
// transitions and allowance batches.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds the collectors on a private registry. Methods on a nil
// *Metrics do nothing, so services work without metrics wired.
type Metrics struct {
	registry *prometheus.Registry

	postings        *prometheus.CounterVec
	postedAmount    *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	schedules       *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famledger",
			Name:      "ledger_postings_total",
			Help:      "Ledger entries posted, by entry type.",
		}, []string{"type"}),
		postedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famledger",
			Name:      "ledger_credited_amount_total",
			Help:      "Sum of amounts credited, by entry type.",
		}, []string{"type"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famledger",
			Name:      "task_transitions_total",
			Help:      "Task lifecycle transitions, by resulting action.",
		}, []string{"action"}),
		schedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famledger",
			Name:      "allowance_schedules_total",
			Help:      "Allowance schedules handled by batch runs, by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famledger",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method and status class.",
		}, []string{"method", "class"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.postings, m.postedAmount, m.taskTransitions, m.schedules, m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LedgerPosted(entryType string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(entryType).Inc()
	m.postedAmount.WithLabelValues(entryType).Add(amount.InexactFloat64())
}

func (m *Metrics) TaskTransition(action string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(action).Inc()
}

// ScheduleBatch records one batch run's outcome counts.
func (m *Metrics) ScheduleBatch(processed, skipped, failed int) {
	if m == nil {
		return
	}
	m.schedules.WithLabelValues("processed").Add(float64(processed))
	m.schedules.WithLabelValues("skipped").Add(float64(skipped))
	m.schedules.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	class := "5xx"
	switch {
	case status < 300:
		class = "2xx"
	case status < 400:
		class = "3xx"
	case status < 500:
		class = "4xx"
	}
	m.httpRequests.WithLabelValues(method, class).Inc()
}
