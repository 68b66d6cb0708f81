// Package metrics exposes the Prometheus counters of the engine, the
// dispatcher and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is implemented by Noop and Prom.
type Metrics interface {
	// IncEvents counts engine events by type and outcome
	// (advanced, ignored, duplicate, stale, conflict, error).
	IncEvents(eventType, outcome string)
	IncRunsStarted(graph string)
	IncRunsFinished(graph, status string)
	// IncDispatches counts dispatch outcomes per action (send_text, webhook).
	IncDispatches(action, outcome string)
	IncDeadLetters(action string)
	ObserveAdvance(eventType string, durationSeconds float64)
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncEvents(string, string)                       {}
func (Noop) IncRunsStarted(string)                          {}
func (Noop) IncRunsFinished(string, string)                 {}
func (Noop) IncDispatches(string, string)                   {}
func (Noop) IncDeadLetters(string)                          {}
func (Noop) ObserveAdvance(string, float64)                 {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	events        *prometheus.CounterVec
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
	advance       *prometheus.HistogramVec
	requests      *prometheus.CounterVec
	requestLength *prometheus.HistogramVec
}

// NewProm registers the collectors on reg, or on the default registerer
// when reg is nil.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prom{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_events_total",
			Help:      "Engine events by type and outcome",
		}, []string{"type", "outcome"}),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Conversation runs started by graph",
		}, []string{"graph"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Conversation runs finished by graph and status",
		}, []string{"graph", "status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Action dispatches by action and outcome",
		}, []string{"action", "outcome"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Dispatches moved to the dead-letter queue by action",
		}, []string{"action"}),
		advance: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_advance_duration_seconds",
			Help:      "Time to handle one engine event by type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		requestLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(p.events, p.runsStarted, p.runsFinished, p.dispatches, p.deadLetters,
		p.advance, p.requests, p.requestLength)

	return p
}

func (p *Prom) IncEvents(eventType, outcome string) {
	p.events.WithLabelValues(eventType, outcome).Inc()
}

func (p *Prom) IncRunsStarted(graph string) {
	p.runsStarted.WithLabelValues(graph).Inc()
}

func (p *Prom) IncRunsFinished(graph, status string) {
	p.runsFinished.WithLabelValues(graph, status).Inc()
}

func (p *Prom) IncDispatches(action, outcome string) {
	p.dispatches.WithLabelValues(action, outcome).Inc()
}

func (p *Prom) IncDeadLetters(action string) {
	p.deadLetters.WithLabelValues(action).Inc()
}

func (p *Prom) ObserveAdvance(eventType string, durationSeconds float64) {
	p.advance.WithLabelValues(eventType).Observe(durationSeconds)
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.requestLength.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
