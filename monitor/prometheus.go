// Package monitor exports bridge and command host metrics and serves health
// checks.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/asyncop-go/messaging"
)

// PrometheusCollector implements messaging.MetricsCollector on a private
// Prometheus registry
type PrometheusCollector struct {
	Registry        *prometheus.Registry
	CallsStarted    prometheus.Counter
	CallsSettled    *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	ProgressEvents  prometheus.Counter
	CallsInFlight   prometheus.Gauge
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the asyncop metrics on a new registry. The Go
// runtime and process collectors are registered alongside.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()

	c := &PrometheusCollector{
		Registry: reg,
		CallsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncop_calls_started_total",
			Help: "Bridge calls that started awaiting an outcome.",
		}),
		CallsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncop_calls_settled_total",
			Help: "Bridge calls settled, by outcome.",
		}, []string{"outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asyncop_call_duration_seconds",
			Help:    "Time from invoking an operation to settling its call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ProgressEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncop_progress_events_total",
			Help: "Progress events delivered to callers.",
		}),
		CallsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncop_calls_in_flight",
			Help: "Bridge calls awaiting an outcome.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncop_commands_total",
			Help: "Commands finished by the command host, by command and outcome.",
		}, []string{"command", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asyncop_command_duration_seconds",
			Help:    "Command run time on the command host.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}

	reg.MustRegister(
		c.CallsStarted,
		c.CallsSettled,
		c.CallDuration,
		c.ProgressEvents,
		c.CallsInFlight,
		c.Commands,
		c.CommandDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// RecordCallStarted implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordCallStarted() {
	c.CallsStarted.Inc()
	c.CallsInFlight.Inc()
}

// RecordProgress implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordProgress() {
	c.ProgressEvents.Inc()
}

// RecordCallSettled implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordCallSettled(outcome string, duration time.Duration) {
	c.CallsSettled.WithLabelValues(outcome).Inc()
	c.CallDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	c.CallsInFlight.Dec()
}

// RecordCommand implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordCommand(command string, outcome string, duration time.Duration) {
	c.Commands.WithLabelValues(command, outcome).Inc()
	c.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}
