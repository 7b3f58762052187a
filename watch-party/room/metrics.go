package room

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the room collectors. A nil *Metrics records nothing.
type Metrics struct {
	rooms     prometheus.Gauge
	members   prometheus.Gauge
	events    *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	delivered prometheus.Counter
	evicted   prometheus.Counter
}

// NewMetrics registers the room collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncflix",
			Name:      "rooms",
			Help:      "Rooms currently held in the registry.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncflix",
			Name:      "members",
			Help:      "Connections currently joined to a room.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncflix",
			Name:      "events_total",
			Help:      "Inbound events applied, by type.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncflix",
			Name:      "events_rejected_total",
			Help:      "Inbound events rejected, by error code.",
		}, []string{"code"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncflix",
			Name:      "messages_delivered_total",
			Help:      "Messages that reached every live member.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncflix",
			Name:      "rooms_evicted_total",
			Help:      "Empty rooms removed by the retention sweeper.",
		}),
	}
	reg.MustRegister(m.rooms, m.members, m.events, m.rejected, m.delivered, m.evicted)
	return m
}

func (m *Metrics) roomsSet(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) membersAdd(delta int) {
	if m != nil {
		m.members.Add(float64(delta))
	}
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) reject(err error) {
	if m != nil {
		m.rejected.WithLabelValues(Code(err)).Inc()
	}
}

func (m *Metrics) deliveredInc() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *Metrics) evictedAdd(n int) {
	if m != nil && n > 0 {
		m.evicted.Add(float64(n))
	}
}
