// Package metrics exposes relay activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/clipsync/internal/relay"
)

const namespace = "clipsync"

// Metrics implements relay.Observer and tracks connection counts for the
// transport.
type Metrics struct {
	registry    *prometheus.Registry
	rooms       prometheus.Gauge
	members     prometheus.Gauge
	connections prometheus.Gauge
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	discarded   *prometheus.CounterVec
}

var _ relay.Observer = (*Metrics)(nil)

// New creates the collectors and registers them on a dedicated registry,
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms with at least one device.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_members",
			Help:      "Number of devices joined to a room.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open WebSocket connections.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Outbound messages accepted by a device send buffer.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Outbound messages skipped because the device was closed or its buffer was full.",
		}, []string{"type"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_discarded_total",
			Help:      "Inbound frames discarded before reaching the registry.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.rooms, m.members, m.connections,
		m.delivered, m.dropped, m.discarded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RoomsChanged implements relay.Observer.
func (m *Metrics) RoomsChanged(rooms, members int) {
	m.rooms.Set(float64(rooms))
	m.members.Set(float64(members))
}

// Sent implements relay.Observer.
func (m *Metrics) Sent(t relay.MessageType, delivered, dropped int) {
	if delivered > 0 {
		m.delivered.WithLabelValues(string(t)).Add(float64(delivered))
	}
	if dropped > 0 {
		m.dropped.WithLabelValues(string(t)).Add(float64(dropped))
	}
}

// ConnectionOpened records a new WebSocket connection.
func (m *Metrics) ConnectionOpened() { m.connections.Inc() }

// ConnectionClosed records a closed WebSocket connection.
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

// Discarded records an inbound frame dropped for reason (malformed,
// unknown_type, rate_limited).
func (m *Metrics) Discarded(reason string) {
	m.discarded.WithLabelValues(reason).Inc()
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
