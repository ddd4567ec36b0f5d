package fixsess

import "time"

// MsgType is the FIX tag 35 value. Wire encoding/decoding is explicitly
// out of core scope (spec.md §1 "collaborators only: ... wire codecs");
// this package operates on the small set of fields it needs, leaving
// the transport to hand Session already-decoded messages.
type MsgType string

const (
	MsgTypeLogon         MsgType = "A"
	MsgTypeHeartbeat     MsgType = "0"
	MsgTypeTestRequest   MsgType = "1"
	MsgTypeResendRequest MsgType = "2"
	MsgTypeReject        MsgType = "3"
	MsgTypeSequenceReset MsgType = "4"
	MsgTypeLogout        MsgType = "5"
	MsgTypeNewOrderSingle MsgType = "D"
)

// IsAdmin reports whether t is one of the administrative message types
// (session-layer, as opposed to business/application-layer).
func (t MsgType) IsAdmin() bool {
	switch t {
	case MsgTypeLogon, MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest,
		MsgTypeReject, MsgTypeSequenceReset, MsgTypeLogout:
		return true
	default:
		return false
	}
}

// Inbound is a decoded FIX message as handed to Session by the
// Receiver Dispatcher.
type Inbound struct {
	MsgType      MsgType
	SenderCompID string
	TargetCompID string
	MsgSeqNum    uint32
	SendingTime  time.Time
	PossDupFlag  bool
	GapFillFlag  bool
	NewSeqNo     uint32
	TestReqID    string
	ResendBegin  uint32
	ResendEnd    uint32
	LogoutText   string
	RawBody      []byte // original encoded bytes, for verbatim retransmission
}

// Outbound is a message Session asks its Transport to send. Raw, when
// non-nil, is the exact bytes to retransmit verbatim (a resend of an
// original business message); otherwise the transport is responsible
// for encoding the remaining fields.
type Outbound struct {
	MsgType        MsgType
	MsgSeqNum      uint32
	SendingTime    time.Time
	PossDupFlag    bool
	OrigSendingTime time.Time
	GapFillFlag    bool
	NewSeqNo       uint32
	TestReqID      string
	LogoutText     string
	ResendBegin    uint32
	ResendEnd      uint32
	Raw            []byte
}
