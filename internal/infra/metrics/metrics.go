// Package metrics exposes audit and versioning counters to prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

const namespace = "veritas"

type Metrics struct {
	registry         *prometheus.Registry
	entries          *prometheus.CounterVec
	versions         *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	integrityChecks  *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
}

var _ usecase.Observer = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_appended_total",
			Help:      "Audit entries durably appended.",
		}, []string{"event_type", "severity"}),
		versions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_versions_appended_total",
			Help:      "Report versions durably appended.",
		}, []string{"change_type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_conflicts_total",
			Help:      "Conditional appends that lost a race.",
		}, []string{"chain"}),
		integrityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_checks_total",
			Help:      "Chain verifications by outcome.",
		}, []string{"chain", "valid"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		m.entries, m.versions, m.conflicts, m.integrityChecks, m.requests, m.requestDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) EntryAppended(eventType domain.EventType, severity domain.Severity) {
	m.entries.WithLabelValues(string(eventType), string(severity)).Inc()
}

func (m *Metrics) VersionAppended(changeType domain.ChangeType) {
	m.versions.WithLabelValues(string(changeType)).Inc()
}

func (m *Metrics) AppendConflict(chain string) {
	m.conflicts.WithLabelValues(chain).Inc()
}

func (m *Metrics) IntegrityChecked(chain string, valid bool) {
	m.integrityChecks.WithLabelValues(chain, strconv.FormatBool(valid)).Inc()
}

func (m *Metrics) ObserveRequest(route, method string, status int, seconds float64) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDurations.WithLabelValues(route, method).Observe(seconds)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
