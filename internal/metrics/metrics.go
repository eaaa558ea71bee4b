package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "farmlink_sync"

// Metrics holds every collector exported by the agent. A nil *Metrics is
// valid and records nothing, so components can take one unconditionally.
type Metrics struct {
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesRouted      *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	clientEvents      *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	proposals         *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	polls             *prometheus.CounterVec
	pollDuration      prometheus.Histogram
	watchdogExpired   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Transport connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting).",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of transport reconnect attempts.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound transport frames by kind.",
		}, []string{"kind"}),
		framesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed_total",
			Help:      "Events delivered to at least one handler, by event name.",
		}, []string{"event"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped by the router, by reason.",
		}, []string{"reason"}),
		clientEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_events_total",
			Help:      "Outbound client events by result.",
		}, []string{"result"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_updates_total",
			Help:      "Order status updates by outcome (applied, stale, terminal, unknown).",
		}, []string{"outcome"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_proposals_total",
			Help:      "Price proposals by decision.",
		}, []string{"decision"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications seen by source and outcome.",
		}, []string{"source", "outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_polls_total",
			Help:      "Notification polls by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_poll_duration_seconds",
			Help:      "Duration of notification polls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		watchdogExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_expired_total",
			Help:      "Busy flags cleared by the watchdog, by flag kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionState,
			m.reconnectAttempts,
			m.framesReceived,
			m.framesRouted,
			m.framesDropped,
			m.clientEvents,
			m.statusTransitions,
			m.proposals,
			m.notifications,
			m.polls,
			m.pollDuration,
			m.watchdogExpired,
		)
	}
	return m
}

// SetConnectionState records the numeric transport state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// ReconnectAttempt counts one reconnect attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// FrameReceived counts an inbound frame.
func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

// EventRouted counts an event delivered to handlers.
func (m *Metrics) EventRouted(event string) {
	if m == nil {
		return
	}
	m.framesRouted.WithLabelValues(event).Inc()
}

// EventDropped counts an event the router discarded.
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// ClientEvent counts an outbound client event.
func (m *Metrics) ClientEvent(result string) {
	if m == nil {
		return
	}
	m.clientEvents.WithLabelValues(result).Inc()
}

// StatusUpdate counts an order status update by outcome.
func (m *Metrics) StatusUpdate(outcome string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(outcome).Inc()
}

// Proposal counts a price proposal decision.
func (m *Metrics) Proposal(decision string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(decision).Inc()
}

// Notification counts a notification by source (push or poll) and outcome.
func (m *Metrics) Notification(source, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(source, outcome).Inc()
}

// Poll records one notification poll.
func (m *Metrics) Poll(result string, seconds float64) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
	m.pollDuration.Observe(seconds)
}

// WatchdogExpired counts a busy flag cleared by timeout.
func (m *Metrics) WatchdogExpired(kind string) {
	if m == nil {
		return
	}
	m.watchdogExpired.WithLabelValues(kind).Inc()
}
