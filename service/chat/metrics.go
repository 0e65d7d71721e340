package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	FramesIn          *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	Persisted         prometheus.Counter
	Deliveries        *prometheus.CounterVec
	Dropped           *prometheus.CounterVec
	TypingExpired     prometheus.Counter
}

// NewMetrics registers the collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Open websocket connections, authenticated or not",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_online_users",
			Help: "Users with at least one registered connection",
		}),
		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_in_total",
			Help: "Inbound envelopes by type",
		}, []string{"type"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_errors_total",
			Help: "Error envelopes sent by code",
		}, []string{"code"}),
		Persisted: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_messages_persisted_total",
			Help: "Chat messages stored",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_fanout_deliveries_total",
			Help: "Frames queued to connections by envelope type",
		}, []string{"type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_dropped_connections_total",
			Help: "Connections closed by the server by reason",
		}, []string{"reason"}),
		TypingExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_typing_expired_total",
			Help: "Typing indicators cleared by the sweeper",
		}),
	}
}

func (m *Metrics) ConnOpened() {
	if m == nil || m.ActiveConnections == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil || m.ActiveConnections == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) UserOnline() {
	if m == nil || m.OnlineUsers == nil {
		return
	}
	m.OnlineUsers.Inc()
}

func (m *Metrics) UserOffline() {
	if m == nil || m.OnlineUsers == nil {
		return
	}
	m.OnlineUsers.Dec()
}

func (m *Metrics) FrameIn(typ string) {
	if m == nil || m.FramesIn == nil {
		return
	}
	m.FramesIn.WithLabelValues(typ).Inc()
}

func (m *Metrics) ErrorSent(code string) {
	if m == nil || m.Errors == nil {
		return
	}
	m.Errors.WithLabelValues(code).Inc()
}

func (m *Metrics) MessagePersisted() {
	if m == nil || m.Persisted == nil {
		return
	}
	m.Persisted.Inc()
}

func (m *Metrics) Delivered(typ string, n int) {
	if m == nil || m.Deliveries == nil || n == 0 {
		return
	}
	m.Deliveries.WithLabelValues(typ).Add(float64(n))
}

func (m *Metrics) ConnDropped(reason string) {
	if m == nil || m.Dropped == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) TypingExpiredInc() {
	if m == nil || m.TypingExpired == nil {
		return
	}
	m.TypingExpired.Inc()
}
