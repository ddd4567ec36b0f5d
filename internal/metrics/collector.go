// Package metrics exposes fixgated's Prometheus metrics.
//
// Grounded on the teacher's internal/metrics/collector.go: the same
// namespace/subsystem constant pair, GaugeVec/CounterVec field shape, and
// a NewCollector(reg) constructor that registers everything against a
// caller-supplied (or default) prometheus.Registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "fixgate"
	subsystem = "engine"
)

// Label names.
const (
	labelProtocol = "protocol"
	labelSession  = "session_key"
	labelReason   = "reason"
	labelFrom     = "from_state"
	labelTo       = "to_state"
)

// Collector holds every fixgated Prometheus metric.
//
//   - Sessions gauges track currently bound sessions, online vs offline.
//   - Message counters track inbound/outbound/retransmitted volumes.
//   - StateTransitions records FSM changes for alerting on flaps.
//   - Disconnects/AuthFailures flag protocol and credential problems.
//   - Index gauges surface the Sequence-Number and Replay Index's
//     committed positions, useful for catching a stalled Indexer.
type Collector struct {
	// SessionsOnline tracks sessions currently bound to a live connection.
	SessionsOnline *prometheus.GaugeVec

	// MessagesReceived counts inbound messages accepted per session.
	MessagesReceived *prometheus.CounterVec

	// MessagesSent counts outbound messages assigned a sequence number.
	MessagesSent *prometheus.CounterVec

	// MessagesRetransmitted counts messages replayed to satisfy a
	// resend/retransmit request, per session.
	MessagesRetransmitted *prometheus.CounterVec

	// SequenceGaps counts detected forward gaps (resend/retransmit
	// requests issued) per session.
	SequenceGaps *prometheus.CounterVec

	// StateTransitions counts FSM state transitions, labeled with the
	// old and new state for precise alerting (e.g. Established->Unbound).
	StateTransitions *prometheus.CounterVec

	// Disconnects counts session teardowns, labeled with the
	// gatewayerr.Code-derived disconnect reason.
	Disconnects *prometheus.CounterVec

	// AuthFailures counts rejected logons/negotiates per session.
	AuthFailures *prometheus.CounterVec

	// BackpressureRetries counts carrier-full retry loops in the
	// dispatcher (spec.md §4.7).
	BackpressureRetries *prometheus.CounterVec

	// IndexedPosition surfaces the Sequence-Number Index's
	// indexed_position per stream (spec.md §4.1), for detecting a
	// stalled indexer.
	IndexedPosition *prometheus.GaugeVec
}

// NewCollector creates a Collector and registers all metrics against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SessionsOnline,
		c.MessagesReceived,
		c.MessagesSent,
		c.MessagesRetransmitted,
		c.SequenceGaps,
		c.StateTransitions,
		c.Disconnects,
		c.AuthFailures,
		c.BackpressureRetries,
		c.IndexedPosition,
	)

	return c
}

func newMetrics() *Collector {
	sessionLabels := []string{labelProtocol, labelSession}
	transitionLabels := []string{labelProtocol, labelSession, labelFrom, labelTo}
	disconnectLabels := []string{labelProtocol, labelSession, labelReason}

	return &Collector{
		SessionsOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_online",
			Help:      "Number of sessions currently bound to a live connection.",
		}, sessionLabels),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total inbound messages accepted per session.",
		}, sessionLabels),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total outbound messages assigned a sequence number.",
		}, sessionLabels),

		MessagesRetransmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_retransmitted_total",
			Help:      "Total messages replayed to satisfy a resend/retransmit request.",
		}, sessionLabels),

		SequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sequence_gaps_total",
			Help:      "Total forward sequence gaps detected per session.",
		}, sessionLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total session FSM state transitions.",
		}, transitionLabels),

		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Total session teardowns, labeled with the disconnect reason.",
		}, disconnectLabels),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total rejected logons/negotiates per session.",
		}, sessionLabels),

		BackpressureRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backpressure_retries_total",
			Help:      "Total dispatcher retries caused by a full carrier.",
		}, []string{labelProtocol}),

		IndexedPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "indexed_position",
			Help:      "Sequence-Number Index's committed indexed_position per stream.",
		}, []string{labelSession, "stream"}),
	}
}

// -------------------------------------------------------------------------
// Session lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the online-sessions gauge.
func (c *Collector) RegisterSession(protocol, sessionKey string) {
	c.SessionsOnline.WithLabelValues(protocol, sessionKey).Inc()
}

// UnregisterSession decrements the online-sessions gauge.
func (c *Collector) UnregisterSession(protocol, sessionKey string) {
	c.SessionsOnline.WithLabelValues(protocol, sessionKey).Dec()
}

// -------------------------------------------------------------------------
// Message counters
// -------------------------------------------------------------------------

func (c *Collector) IncMessagesReceived(protocol, sessionKey string) {
	c.MessagesReceived.WithLabelValues(protocol, sessionKey).Inc()
}

func (c *Collector) IncMessagesSent(protocol, sessionKey string) {
	c.MessagesSent.WithLabelValues(protocol, sessionKey).Inc()
}

func (c *Collector) IncMessagesRetransmitted(protocol, sessionKey string, count int) {
	c.MessagesRetransmitted.WithLabelValues(protocol, sessionKey).Add(float64(count))
}

func (c *Collector) IncSequenceGaps(protocol, sessionKey string) {
	c.SequenceGaps.WithLabelValues(protocol, sessionKey).Inc()
}

// -------------------------------------------------------------------------
// State transitions and teardown
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels. Used for alerting on flaps such as
// Established->Unbound.
func (c *Collector) RecordStateTransition(protocol, sessionKey, from, to string) {
	c.StateTransitions.WithLabelValues(protocol, sessionKey, from, to).Inc()
}

// RecordDisconnect increments the disconnect counter with the reason code
// (spec.md §7 taxonomy, e.g. "PROTOCOL_ERROR").
func (c *Collector) RecordDisconnect(protocol, sessionKey, reason string) {
	c.Disconnects.WithLabelValues(protocol, sessionKey, reason).Inc()
}

func (c *Collector) IncAuthFailures(protocol, sessionKey string) {
	c.AuthFailures.WithLabelValues(protocol, sessionKey).Inc()
}

// IncBackpressureRetries increments the dispatcher's backpressure retry
// counter for protocol (spec.md §4.7).
func (c *Collector) IncBackpressureRetries(protocol string) {
	c.BackpressureRetries.WithLabelValues(protocol).Inc()
}

// -------------------------------------------------------------------------
// Index health
// -------------------------------------------------------------------------

// SetIndexedPosition records the Sequence-Number Index's committed
// indexed_position for sessionKey's stream (spec.md §4.1).
func (c *Collector) SetIndexedPosition(sessionKey, stream string, position uint64) {
	c.IndexedPosition.WithLabelValues(sessionKey, stream).Set(float64(position))
}
