// Package metrics holds the Prometheus collectors of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "kestrel"

// Metrics owns a private registry and the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	engineDuration  *prometheus.HistogramVec
	resolveDegraded *prometheus.CounterVec
	kbReloads       *prometheus.CounterVec
	riskEvaluations *prometheus.CounterVec
	riskAlerts      *prometheus.CounterVec
}

// New registers the collectors under namespace, plus the Go runtime and
// process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		engineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_duration_seconds",
			Help:      "Engine call latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"engine"}),
		resolveDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_degraded_total",
			Help:      "Resolution calls that fell back to lexical-only scoring, by reason.",
		}, []string{"reason"}),
		kbReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kb_reloads_total",
			Help:      "Knowledge base reloads by result.",
		}, []string{"result"}),
		riskEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_evaluations_total",
			Help:      "Risk evaluations by source.",
		}, []string{"source"}),
		riskAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_alerts_total",
			Help:      "Risk evaluations at or above the alert threshold, by source.",
		}, []string{"source"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		m.httpRequests,
		m.httpDuration,
		m.engineDuration,
		m.resolveDegraded,
		m.kbReloads,
		m.riskEvaluations,
		m.riskAlerts,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished request. route is the chi pattern,
// not the raw path, to bound cardinality.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveEngine records the latency of an engine call.
func (m *Metrics) ObserveEngine(engine string, d time.Duration) {
	if m == nil {
		return
	}
	m.engineDuration.WithLabelValues(engine).Observe(d.Seconds())
}

// ResolveDegraded counts each degradation reason once. Anything after a
// colon (an entity id) is dropped from the label.
func (m *Metrics) ResolveDegraded(reasons []string) {
	if m == nil {
		return
	}
	for _, r := range reasons {
		if i := strings.IndexByte(r, ':'); i >= 0 {
			r = r[:i]
		}
		m.resolveDegraded.WithLabelValues(r).Inc()
	}
}

// KBReload counts a reload attempt as "ok" or "error".
func (m *Metrics) KBReload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.kbReloads.WithLabelValues(result).Inc()
}

// RiskEvaluation counts an evaluation and, when alert is set, an alert.
func (m *Metrics) RiskEvaluation(source string, alert bool) {
	if m == nil {
		return
	}
	m.riskEvaluations.WithLabelValues(source).Inc()
	if alert {
		m.riskAlerts.WithLabelValues(source).Inc()
	}
}
