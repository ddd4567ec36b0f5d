// Package fixpsess implements the FIXP Acceptor State Machine (spec.md
// §4.6): negotiate, establish, sequence/retransmit handling and the
// two-step finalisation handshake for a FIXP (Binary Entry Point)
// session.
//
// Grounded on the same pure-function Transition pattern as
// internal/fixsess (itself grounded on the teacher's internal/bfd/fsm.go),
// plus the teacher's internal/bfd/unsolicited.go "first contact creates a
// context" rule — which is exactly FIXP's Negotiate first-contact-accept
// semantics — and internal/bfd/micro.go's layered handshake-then-steady-
// state shape for the finished-sending/finished-receiving pair.
package fixpsess

import "fmt"

// State is one node of the FIXP acceptor state machine (spec.md §4.6).
type State uint8

const (
	StateAccepted State = iota + 1
	StateNegotiated
	StateEstablished
	// StateSentFinishedSending: we sent FINISHED_SENDING and are waiting
	// for the counterparty's FINISHED_RECEIVING ack; the counterparty
	// may still be sending and may still issue retransmit requests.
	StateSentFinishedSending
	// StateRecvFinishedSending: the counterparty sent FINISHED_SENDING,
	// we acked with FINISHED_RECEIVING, and we have not yet finished our
	// own sending side.
	StateRecvFinishedSending
	// StateUnbinding: an abrupt/administrative teardown in progress,
	// independent of the finished-sending handshake (e.g. a decision to
	// close without draining application messages first).
	StateUnbinding
	StateUnbound
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateNegotiated:
		return "NEGOTIATED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateSentFinishedSending:
		return "SENT_FINISHED_SENDING"
	case StateRecvFinishedSending:
		return "RECV_FINISHED_SENDING"
	case StateUnbinding:
		return "UNBINDING"
	case StateUnbound:
		return "UNBOUND"
	default:
		return "UNKNOWN"
	}
}

// Event drives a state transition.
type Event uint8

const (
	// EventNegotiateAccepted: a NEGOTIATE passed first-contact/supersede
	// validation (spec.md §4.6 "Negotiate").
	EventNegotiateAccepted Event = iota + 1
	// EventEstablishAccepted: an ESTABLISH passed validation.
	EventEstablishAccepted
	// EventInitiateFinishSending: the acceptor's own application decided
	// to stop sending business messages.
	EventInitiateFinishSending
	// EventRecvFinishedSending: the counterparty sent FINISHED_SENDING.
	EventRecvFinishedSending
	// EventRecvFinishedReceivingAck: the counterparty acked our
	// FINISHED_SENDING with FINISHED_RECEIVING.
	EventRecvFinishedReceivingAck
	// EventInitiateUnbind: an abrupt, administrative teardown, bypassing
	// the finished-sending handshake.
	EventInitiateUnbind
	// EventRecvTerminate: the counterparty sent TERMINATE.
	EventRecvTerminate
	// EventSequenceTooLow: SEQUENCE(next_seq) arrived with
	// next_seq < expected (spec.md §4.6 "Sequence-gap handling").
	EventSequenceTooLow
	// EventKeepAliveTimeout: no inbound traffic for 2×keep_alive_interval.
	EventKeepAliveTimeout
	// EventTransportClosed: the TCP connection dropped.
	EventTransportClosed
)

func (e Event) String() string {
	switch e {
	case EventNegotiateAccepted:
		return "NEGOTIATE_ACCEPTED"
	case EventEstablishAccepted:
		return "ESTABLISH_ACCEPTED"
	case EventInitiateFinishSending:
		return "INITIATE_FINISH_SENDING"
	case EventRecvFinishedSending:
		return "RECV_FINISHED_SENDING"
	case EventRecvFinishedReceivingAck:
		return "RECV_FINISHED_RECEIVING_ACK"
	case EventInitiateUnbind:
		return "INITIATE_UNBIND"
	case EventRecvTerminate:
		return "RECV_TERMINATE"
	case EventSequenceTooLow:
		return "SEQUENCE_TOO_LOW"
	case EventKeepAliveTimeout:
		return "KEEPALIVE_TIMEOUT"
	case EventTransportClosed:
		return "TRANSPORT_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Action is a side effect the caller must perform after a transition.
type Action uint8

const (
	ActionSendNegotiateResponse Action = iota + 1
	ActionSendEstablishAck
	ActionSendFinishedSending
	ActionSendFinishedReceiving
	ActionSendTerminate
	ActionDisconnectTransport
	ActionNotifyApplicationUp
	ActionNotifyApplicationDown
)

func (a Action) String() string {
	switch a {
	case ActionSendNegotiateResponse:
		return "SEND_NEGOTIATE_RESPONSE"
	case ActionSendEstablishAck:
		return "SEND_ESTABLISH_ACK"
	case ActionSendFinishedSending:
		return "SEND_FINISHED_SENDING"
	case ActionSendFinishedReceiving:
		return "SEND_FINISHED_RECEIVING"
	case ActionSendTerminate:
		return "SEND_TERMINATE"
	case ActionDisconnectTransport:
		return "DISCONNECT_TRANSPORT"
	case ActionNotifyApplicationUp:
		return "NOTIFY_APPLICATION_UP"
	case ActionNotifyApplicationDown:
		return "NOTIFY_APPLICATION_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome of one Transition call.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
}

type stateEvent struct {
	state State
	event Event
}

// ErrInvalidTransition is returned when an event has no defined
// transition from the current state.
var ErrInvalidTransition = fmt.Errorf("fixpsess: no transition defined for (state, event)")

var table = map[stateEvent]Result{
	{StateAccepted, EventNegotiateAccepted}: {StateAccepted, StateNegotiated,
		[]Action{ActionSendNegotiateResponse}},
	{StateNegotiated, EventEstablishAccepted}: {StateNegotiated, StateEstablished,
		[]Action{ActionSendEstablishAck, ActionNotifyApplicationUp}},
	// A session previously negotiated (e.g. across a reconnect looked up
	// by session_id) may see ESTABLISH as its first message.
	{StateAccepted, EventEstablishAccepted}: {StateAccepted, StateEstablished,
		[]Action{ActionSendEstablishAck, ActionNotifyApplicationUp}},

	{StateEstablished, EventInitiateFinishSending}: {StateEstablished, StateSentFinishedSending,
		[]Action{ActionSendFinishedSending}},
	{StateEstablished, EventRecvFinishedSending}: {StateEstablished, StateRecvFinishedSending,
		[]Action{ActionSendFinishedReceiving}},
	{StateEstablished, EventInitiateUnbind}: {StateEstablished, StateUnbinding,
		[]Action{ActionSendTerminate}},

	{StateSentFinishedSending, EventRecvFinishedReceivingAck}: {StateSentFinishedSending, StateUnbound,
		[]Action{ActionDisconnectTransport, ActionNotifyApplicationDown}},
	{StateRecvFinishedSending, EventInitiateFinishSending}: {StateRecvFinishedSending, StateUnbound,
		[]Action{ActionSendFinishedSending, ActionDisconnectTransport, ActionNotifyApplicationDown}},

	{StateUnbinding, EventRecvTerminate}: {StateUnbinding, StateUnbound,
		[]Action{ActionDisconnectTransport, ActionNotifyApplicationDown}},
}

// Transition looks up the result of event arriving while in state.
// EventTransportClosed, EventKeepAliveTimeout and EventSequenceTooLow are
// handled uniformly for every non-terminal state, rather than enumerated
// per source state, since each is terminal regardless of where in the
// handshake the session currently sits.
func Transition(state State, event Event) (Result, error) {
	if state != StateUnbound {
		switch event {
		case EventTransportClosed:
			return Result{OldState: state, NewState: StateUnbound,
				Actions: []Action{ActionNotifyApplicationDown}}, nil
		case EventKeepAliveTimeout, EventSequenceTooLow:
			return Result{OldState: state, NewState: StateUnbound,
				Actions: []Action{ActionSendTerminate, ActionDisconnectTransport, ActionNotifyApplicationDown}}, nil
		}
	}

	res, ok := table[stateEvent{state, event}]
	if !ok {
		return Result{}, fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, state, event)
	}
	return res, nil
}
