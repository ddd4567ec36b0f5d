package fixpsess

import "time"

// MsgTemplate names the SBE template of a decoded FIXP message (spec.md
// §6 "Wire protocols" lists the full template set); wire encoding itself
// is out of core scope, mirroring internal/fixsess's Inbound/Outbound
// split.
type MsgTemplate uint8

const (
	TemplateNegotiate MsgTemplate = iota + 1
	TemplateNegotiateResponse
	TemplateNegotiateReject
	TemplateEstablish
	TemplateEstablishAck
	TemplateEstablishReject
	TemplateSequence
	TemplateNotApplied
	TemplateRetransmitRequest
	TemplateRetransmission
	TemplateRetransmitReject
	TemplateFinishedSending
	TemplateFinishedReceiving
	TemplateTerminate
	TemplateBusiness // any application-layer template, opaque to this package
)

// RejectCode enumerates the negotiate/establish/retransmit reject reasons
// named in spec.md §4.6.
type RejectCode uint8

const (
	RejectDuplicateID RejectCode = iota + 1
	RejectCredentials
	RejectUnnegotiated
	RejectAlreadyEstablished
	RejectKeepaliveInterval
	RejectOutOfRange
	RejectInvalidSession
	RejectRequestLimitExceeded
	RejectUnspecified
)

func (c RejectCode) String() string {
	switch c {
	case RejectDuplicateID:
		return "DUPLICATE_ID"
	case RejectCredentials:
		return "CREDENTIALS"
	case RejectUnnegotiated:
		return "UNNEGOTIATED"
	case RejectAlreadyEstablished:
		return "ALREADY_ESTABLISHED"
	case RejectKeepaliveInterval:
		return "KEEPALIVE_INTERVAL"
	case RejectOutOfRange:
		return "OUT_OF_RANGE"
	case RejectInvalidSession:
		return "INVALID_SESSION"
	case RejectRequestLimitExceeded:
		return "REQUEST_LIMIT_EXCEEDED"
	case RejectUnspecified:
		return "UNSPECIFIED"
	default:
		return "UNKNOWN"
	}
}

// Inbound is a decoded FIXP message as handed to Session by the Receiver
// Dispatcher.
type Inbound struct {
	Template      MsgTemplate
	SessionID     uint64
	SessionVerID  uint32
	Timestamp     time.Time
	EnteringFirm  string
	KeepAliveMs   uint32
	NextSeqNo     uint64
	FromSeqNo     uint64
	Count         uint32
	LastSeqNo     uint64
	RawBody       []byte
}

// Outbound is a message Session asks its Transport to send.
type Outbound struct {
	Template     MsgTemplate
	SessionID    uint64
	SessionVerID uint32
	NextRecvSeq  uint64
	NextSentSeq  uint64
	FromSeqNo    uint64
	Count        uint32
	LastSeqNo    uint64
	Reject       RejectCode
	Raw          []byte
}
