// Package metrics exposes engine and HTTP measurements through Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements engine.Metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	executionsCreated *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	hookFailures      *prometheus.CounterVec
	routingFailures   *prometheus.CounterVec
	wakeups           *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector registers every metric under namespace. When withRuntime is
// set the Go and process collectors are registered too.
func NewCollector(namespace string, withRuntime bool) *Collector {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)
	c := &Collector{registry: reg}

	c.executionsCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_created_total",
			Help:      "Executions created per function",
		},
		[]string{"function"},
	)

	c.transitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed status transitions",
		},
		[]string{"function", "status"},
	)

	c.hookFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_failures_total",
			Help:      "Lifecycle hook failures",
		},
		[]string{"function", "hook"},
	)

	c.routingFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_failures_total",
			Help:      "Failed routing requests per channel",
		},
		[]string{"channel"},
	)

	c.wakeups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeups_total",
			Help:      "Handled wake-ups by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.operationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	return c
}

func (c *Collector) ExecutionCreated(function string) {
	c.executionsCreated.WithLabelValues(function).Inc()
}

func (c *Collector) Transition(function string, to humanfn.Status) {
	c.transitions.WithLabelValues(function, string(to)).Inc()
}

func (c *Collector) HookFailed(function, hook string) {
	c.hookFailures.WithLabelValues(function, hook).Inc()
}

func (c *Collector) RoutingFailed(channel string) {
	c.routingFailures.WithLabelValues(channel).Inc()
}

func (c *Collector) WakeupHandled(kind humanfn.WakeupKind, outcome string) {
	c.wakeups.WithLabelValues(string(kind), outcome).Inc()
}

func (c *Collector) ObserveOperation(op string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.operationDuration.WithLabelValues(op, result).Observe(duration.Seconds())
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
