// Package metrics holds the relay's Prometheus instruments. All methods are
// safe on a nil *Metrics so components can run uninstrumented in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codap_relay"

// Metrics bundles every instrument the relay exports.
type Metrics struct {
	gatherer prometheus.Gatherer

	SessionsCreated   prometheus.Counter
	RequestsEnqueued  prometheus.Counter
	ResponsesPosted   prometheus.Counter
	MalformedPayloads prometheus.Counter
	RateLimited       prometheus.Counter
	StreamEvents      *prometheus.CounterVec
	StreamsOpen       prometheus.Gauge
	Pairings          *prometheus.CounterVec
}

// New registers the instruments on reg. Passing a fresh prometheus.NewRegistry
// keeps tests isolated from each other.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions minted by the registry.",
		}),
		RequestsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_requests_enqueued_total",
			Help:      "Tool requests appended to a session mailbox.",
		}),
		ResponsesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_responses_posted_total",
			Help:      "Tool responses written back by browser workers.",
		}),
		MalformedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_payloads_total",
			Help:      "Queued entries skipped because they failed to decode.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Session creation calls rejected by the rate limiter.",
		}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Events written to browser streams, by event type.",
		}, []string{"type"}),
		StreamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_open",
			Help:      "Browser streams currently in the OPEN state.",
		}),
		Pairings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Pairing attempts by agent connections, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.SessionsCreated,
		m.RequestsEnqueued,
		m.ResponsesPosted,
		m.MalformedPayloads,
		m.RateLimited,
		m.StreamEvents,
		m.StreamsOpen,
		m.Pairings,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

func (m *Metrics) RequestEnqueued() {
	if m != nil {
		m.RequestsEnqueued.Inc()
	}
}

func (m *Metrics) ResponsePosted() {
	if m != nil {
		m.ResponsesPosted.Inc()
	}
}

func (m *Metrics) MalformedPayload() {
	if m != nil {
		m.MalformedPayloads.Inc()
	}
}

func (m *Metrics) RateLimitHit() {
	if m != nil {
		m.RateLimited.Inc()
	}
}

func (m *Metrics) StreamEvent(eventType string) {
	if m != nil {
		m.StreamEvents.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.StreamsOpen.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.StreamsOpen.Dec()
	}
}

func (m *Metrics) Pairing(result string) {
	if m != nil {
		m.Pairings.WithLabelValues(result).Inc()
	}
}
