package fixpsess

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusfix/fixgate/internal/carrier"
	"github.com/nexusfix/fixgate/internal/gatewayerr"
	"github.com/nexusfix/fixgate/internal/replayidx"
	"github.com/nexusfix/fixgate/internal/seqindex"
	"github.com/nexusfix/fixgate/internal/session"
)

// Sentinel errors.
var (
	ErrNegotiateRejected = fmt.Errorf("fixpsess: negotiate rejected")
	ErrEstablishRejected = fmt.Errorf("fixpsess: establish rejected")
	ErrRetransmitInvalid = fmt.Errorf("fixpsess: retransmit request invalid")
)

// VersionStore lets Session consult and record the highest session_ver_id
// ever accepted for a session_id, across reconnects. The Gateway Sessions
// Registry (internal/registry, spec.md §4.8) is the real implementation;
// tests may use a trivial in-memory one.
type VersionStore interface {
	KnownVersion(sessionID uint64) (verID uint32, known bool)
	RecordVersion(sessionID uint64, verID uint32)

	// EndedVersion reports the session_ver_id a session_id's context was
	// marked ended at (its last FINISHED_SENDING/FINISHED_RECEIVING
	// handshake), if it has completed one. Re-negotiate/re-establish of
	// that same (sessionID, verID) pair must be rejected with UNNEGOTIATED.
	EndedVersion(sessionID uint64) (verID uint32, ended bool)
}

// Authenticator validates a NEGOTIATE or ESTABLISH's credentials.
// Returning a non-nil error rejects with CREDENTIALS.
type Authenticator interface {
	Authenticate(in Inbound) error
}

// Transport sends an Outbound FIXP message over the wire.
type Transport interface {
	Send(out Outbound) (raw []byte, err error)
}

// Config is a Session's immutable configuration.
type Config struct {
	KeepAliveMin             time.Duration
	KeepAliveMax             time.Duration
	NoLogonDisconnectTimeout time.Duration
	ReplayLimit              int
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger attaches a logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithReplayLimit overrides the default outstanding-retransmit threshold.
func WithReplayLimit(k int) Option {
	return func(s *Session) { s.cfg.ReplayLimit = k }
}

// Session is one FIXP connection's state, owned by exactly one goroutine,
// mirroring internal/fixsess.Session's shape: atomic fields for lock-free
// external reads, a pure Transition table driving state, and direct
// per-message archiving/indexing instead of a separate Indexer agent (see
// DESIGN.md's Framer/Indexer agent-boundary note).
type Session struct {
	cfg Config
	log *slog.Logger

	id session.ID

	state atomic.Uint32 // State

	sessionID    uint64
	sessionVerID atomic.Uint32

	lastRecvSeq atomic.Uint64
	lastSentSeq atomic.Uint64

	lastInboundAt atomic.Int64
	ended         atomic.Bool

	versions VersionStore
	auth     Authenticator

	recIn, recOut   *carrier.Recording
	ringIn, ringOut *replayidx.Ring
	seqIdx          *seqindex.Index

	transport Transport

	limiterMu sync.Mutex
	limiter   map[string]struct{}
}

// New builds a Session for sessionID, with its carrier recordings, replay
// rings and sequence index slot already assigned by the caller.
func New(
	id session.ID,
	sessionID uint64,
	cfg Config,
	transport Transport,
	versions VersionStore,
	auth Authenticator,
	seqIdx *seqindex.Index,
	recIn, recOut *carrier.Recording,
	ringIn, ringOut *replayidx.Ring,
	opts ...Option,
) *Session {
	s := &Session{
		cfg:       cfg,
		log:       slog.Default(),
		id:        id,
		sessionID: sessionID,
		transport: transport,
		versions:  versions,
		auth:      auth,
		seqIdx:    seqIdx,
		recIn:     recIn,
		recOut:    recOut,
		ringIn:    ringIn,
		ringOut:   ringOut,
		limiter:   make(map[string]struct{}),
	}
	if cfg.ReplayLimit <= 0 {
		s.cfg.ReplayLimit = 10
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(uint32(StateAccepted))
	s.log = s.log.With("component", "fixpsess", "session_id", id, "fixp_session_id", sessionID)
	return s
}

// State returns the session's current state. Lock-free snapshot.
func (s *Session) State() State { return State(s.state.Load()) }

// LastRecvSeqNo is the highest in-order inbound sequence number accepted.
func (s *Session) LastRecvSeqNo() uint64 { return s.lastRecvSeq.Load() }

// LastSentSeqNo is the sequence number of the most recently sent message.
func (s *Session) LastSentSeqNo() uint64 { return s.lastSentSeq.Load() }

// Ended reports whether this session reached StateUnbound by completing
// its FINISHED_SENDING/FINISHED_RECEIVING finalisation handshake, as
// opposed to an abrupt disconnect, keep-alive timeout or administrative
// unbind. The caller (the owning engine) uses this to flag the session's
// registry context so a later re-negotiate/re-establish of the same
// session_ver_id is rejected (spec.md §8 invariant 5).
func (s *Session) Ended() bool { return s.ended.Load() }

func (s *Session) apply(event Event) {
	res, err := Transition(s.State(), event)
	if err != nil {
		s.log.Warn("dropped event with no transition", "event", event, "state", s.State())
		return
	}
	s.state.Store(uint32(res.NewState))
	if res.NewState == StateUnbound && (event == EventRecvFinishedReceivingAck || event == EventInitiateFinishSending) {
		s.ended.Store(true)
	}
	for _, a := range res.Actions {
		s.perform(a)
	}
}

func (s *Session) perform(a Action) {
	switch a {
	case ActionSendFinishedSending:
		s.sendControl(Outbound{Template: TemplateFinishedSending, LastSeqNo: s.lastSentSeq.Load()})
	case ActionSendFinishedReceiving:
		s.sendControl(Outbound{Template: TemplateFinishedReceiving})
	case ActionSendTerminate:
		s.sendControl(Outbound{Template: TemplateTerminate, Reject: RejectUnspecified})
	case ActionSendNegotiateResponse, ActionSendEstablishAck,
		ActionDisconnectTransport, ActionNotifyApplicationUp, ActionNotifyApplicationDown:
		// Negotiate/Establish acks carry response-specific fields the
		// caller already sent before invoking apply (see handleNegotiate/
		// handleEstablish below); transport teardown and application
		// callbacks are observed by the owning dispatcher via State().
	}
	s.log.Debug("performed action", "action", a)
}

// HandleInbound implements spec.md §4.6 dispatch over the FIXP templates.
func (s *Session) HandleInbound(in Inbound) error {
	s.lastInboundAt.Store(time.Now().UnixNano())

	switch in.Template {
	case TemplateNegotiate:
		return s.handleNegotiate(in)
	case TemplateEstablish:
		return s.handleEstablish(in)
	case TemplateSequence:
		return s.handleSequence(in)
	case TemplateRetransmitRequest:
		return s.serveRetransmitRequest(in.FromSeqNo, in.Count)
	case TemplateFinishedSending:
		s.apply(EventRecvFinishedSending)
		return nil
	case TemplateFinishedReceiving:
		s.apply(EventRecvFinishedReceivingAck)
		return nil
	case TemplateTerminate:
		s.apply(EventRecvTerminate)
		return nil
	default:
		return s.handleBusiness(in)
	}
}

func (s *Session) handleNegotiate(in Inbound) error {
	if endedVer, ended := s.versions.EndedVersion(in.SessionID); ended && in.SessionVerID <= endedVer {
		s.sendControl(Outbound{Template: TemplateNegotiateReject, SessionID: in.SessionID, Reject: RejectUnnegotiated})
		return gatewayerr.New(gatewayerr.CodeProtocol, fmt.Errorf("%w: UNNEGOTIATED", ErrNegotiateRejected))
	}

	known, isKnown := s.versions.KnownVersion(in.SessionID)
	switch {
	case isKnown && in.SessionVerID <= known:
		s.sendControl(Outbound{Template: TemplateNegotiateReject, SessionID: in.SessionID, Reject: RejectDuplicateID})
		return gatewayerr.New(gatewayerr.CodeAuthentication, fmt.Errorf("%w: DUPLICATE_ID", ErrNegotiateRejected))
	case s.auth != nil:
		if err := s.auth.Authenticate(in); err != nil {
			s.sendControl(Outbound{Template: TemplateNegotiateReject, SessionID: in.SessionID, Reject: RejectCredentials})
			return gatewayerr.New(gatewayerr.CodeAuthentication, fmt.Errorf("%w: CREDENTIALS: %s", ErrNegotiateRejected, err))
		}
	}

	s.sessionVerID.Store(in.SessionVerID)
	s.versions.RecordVersion(in.SessionID, in.SessionVerID)

	s.apply(EventNegotiateAccepted)
	s.sendControl(Outbound{Template: TemplateNegotiateResponse, SessionID: in.SessionID, SessionVerID: in.SessionVerID})
	return nil
}

func (s *Session) handleEstablish(in Inbound) error {
	switch {
	case s.State() != StateAccepted && s.State() != StateNegotiated:
		s.sendControl(Outbound{Template: TemplateEstablishReject, SessionID: in.SessionID, Reject: RejectAlreadyEstablished})
		return gatewayerr.New(gatewayerr.CodeProtocol, fmt.Errorf("%w: ALREADY_ESTABLISHED", ErrEstablishRejected))
	case s.State() == StateAccepted:
		if _, known := s.versions.KnownVersion(in.SessionID); !known {
			s.sendControl(Outbound{Template: TemplateEstablishReject, SessionID: in.SessionID, Reject: RejectUnnegotiated})
			return gatewayerr.New(gatewayerr.CodeProtocol, fmt.Errorf("%w: UNNEGOTIATED", ErrEstablishRejected))
		}
		if endedVer, ended := s.versions.EndedVersion(in.SessionID); ended && in.SessionVerID <= endedVer {
			s.sendControl(Outbound{Template: TemplateEstablishReject, SessionID: in.SessionID, Reject: RejectUnnegotiated})
			return gatewayerr.New(gatewayerr.CodeProtocol, fmt.Errorf("%w: UNNEGOTIATED", ErrEstablishRejected))
		}
	}

	keepAlive := time.Duration(in.KeepAliveMs) * time.Millisecond
	if keepAlive < s.cfg.KeepAliveMin || keepAlive > s.cfg.KeepAliveMax {
		s.sendControl(Outbound{Template: TemplateEstablishReject, SessionID: in.SessionID, Reject: RejectKeepaliveInterval})
		return gatewayerr.New(gatewayerr.CodeProtocol, fmt.Errorf("%w: KEEPALIVE_INTERVAL", ErrEstablishRejected))
	}
	if s.auth != nil {
		if err := s.auth.Authenticate(in); err != nil {
			s.sendControl(Outbound{Template: TemplateEstablishReject, SessionID: in.SessionID, Reject: RejectCredentials})
			return gatewayerr.New(gatewayerr.CodeAuthentication, fmt.Errorf("%w: CREDENTIALS: %s", ErrEstablishRejected, err))
		}
	}

	s.apply(EventEstablishAccepted)
	s.sendControl(Outbound{
		Template:    TemplateEstablishAck,
		SessionID:   in.SessionID,
		NextRecvSeq: s.lastRecvSeq.Load() + 1,
		NextSentSeq: s.lastSentSeq.Load() + 1,
	})
	return nil
}

func (s *Session) handleSequence(in Inbound) error {
	expected := s.lastRecvSeq.Load() + 1
	switch {
	case in.NextSeqNo < expected:
		s.apply(EventSequenceTooLow)
		return gatewayerr.New(gatewayerr.CodeSequence, fmt.Errorf("fixpsess: SEQUENCE rewind: next=%d expected=%d", in.NextSeqNo, expected))
	case in.NextSeqNo > expected:
		s.sendControl(Outbound{Template: TemplateNotApplied, FromSeqNo: expected, Count: uint32(in.NextSeqNo - expected)})
		return nil
	default:
		// In-order SEQUENCE heartbeat: lastInboundAt was already
		// refreshed at the top of HandleInbound, nothing else to do.
		return nil
	}
}

func (s *Session) handleBusiness(in Inbound) error {
	expected := s.lastRecvSeq.Load() + 1
	if in.NextSeqNo == 0 {
		in.NextSeqNo = expected
	}
	switch {
	case in.NextSeqNo < expected:
		// Retransmitted/duplicate delivery under a RETRANSMIT_REQUEST
		// round-trip; accept without re-advancing or re-archiving.
		return nil
	case in.NextSeqNo > expected:
		s.sendControl(Outbound{Template: TemplateNotApplied, FromSeqNo: expected, Count: uint32(in.NextSeqNo - expected)})
		return nil
	}

	s.lastRecvSeq.Store(in.NextSeqNo)
	if len(in.RawBody) > 0 {
		pos, err := s.recIn.Append(in.RawBody)
		if err != nil {
			s.log.Error("archive append failed", "error", err)
			return nil
		}
		s.ringIn.Append(replayidx.Record{
			StreamPosition: pos,
			SequenceIndex:  session.SequenceIndex(s.sessionVerID.Load()),
			SequenceNumber: in.NextSeqNo,
			RecordingID:    s.recIn.ID(),
			Length:         int32(len(in.RawBody)),
		})
		s.seqIdx.RecordReceived(s.id, in.NextSeqNo, session.SequenceIndex(s.sessionVerID.Load()), pos)
	}
	return nil
}

// CheckLiveness implements spec.md §4.6 "Keep-alive" (send a SEQUENCE
// heartbeat after one idle interval, terminate after two) plus the
// "Disconnect if no ESTABLISH within no_logon_disconnect_timeout" rule
// from "Negotiate".
func (s *Session) CheckLiveness(now time.Time) {
	switch s.State() {
	case StateAccepted, StateNegotiated:
		if s.cfg.NoLogonDisconnectTimeout <= 0 {
			return
		}
		since := time.Unix(0, s.lastInboundAt.Load())
		if now.Sub(since) > s.cfg.NoLogonDisconnectTimeout {
			s.apply(EventTransportClosed)
		}
	case StateEstablished:
		idle := now.Sub(time.Unix(0, s.lastInboundAt.Load()))
		switch {
		case idle > 2*s.interval():
			s.apply(EventKeepAliveTimeout)
		case idle > s.interval():
			s.sendControl(Outbound{Template: TemplateSequence, NextSentSeq: s.lastSentSeq.Load() + 1})
		}
	}
}

func (s *Session) interval() time.Duration {
	if s.cfg.KeepAliveMax > 0 {
		return s.cfg.KeepAliveMax
	}
	return s.cfg.KeepAliveMin
}

// InitiateFinishSending starts the acceptor-originated half of the
// finalisation handshake (spec.md §4.6 "Acceptor finishSending()").
func (s *Session) InitiateFinishSending() { s.apply(EventInitiateFinishSending) }

// InitiateUnbind starts an abrupt, administrative teardown.
func (s *Session) InitiateUnbind() { s.apply(EventInitiateUnbind) }

// NotifyTransportClosed tells the session its TCP connection dropped.
func (s *Session) NotifyTransportClosed() { s.apply(EventTransportClosed) }

// sendControl sends a session-layer message (negotiate/establish
// responses, SEQUENCE, NOT_APPLIED, TERMINATE, retransmission framing and
// the replayed bytes within one). None of these consume the business
// NextSentSeq counter: replayed bytes already hold their original
// sequence number, and the rest are pure session-layer framing.
func (s *Session) sendControl(out Outbound) {
	out.SessionID = s.sessionID
	if out.SessionVerID == 0 {
		out.SessionVerID = s.sessionVerID.Load()
	}
	if _, err := s.transport.Send(out); err != nil {
		s.log.Error("send failed", "template", out.Template, "error", err)
	}
}

// Send transmits an application (business) message through the session.
func (s *Session) Send(out Outbound) error {
	out.SessionID = s.sessionID
	out.SessionVerID = s.sessionVerID.Load()
	seq := s.lastSentSeq.Add(1)
	out.NextSentSeq = seq

	raw, err := s.transport.Send(out)
	if err != nil {
		s.log.Error("send failed", "template", out.Template, "error", err)
		return err
	}
	s.publishOutbound(seq, raw)
	return nil
}

func (s *Session) publishOutbound(seq uint64, raw []byte) {
	if len(raw) == 0 {
		return
	}
	pos, err := s.recOut.Append(raw)
	if err != nil {
		s.log.Error("archive append failed", "error", err)
		return
	}
	s.ringOut.Append(replayidx.Record{
		StreamPosition: pos,
		SequenceIndex:  session.SequenceIndex(s.sessionVerID.Load()),
		SequenceNumber: seq,
		RecordingID:    s.recOut.ID(),
		Length:         int32(len(raw)),
	})
	s.seqIdx.RecordSent(s.id, seq, session.SequenceIndex(s.sessionVerID.Load()), pos)
}

// serveRetransmitRequest implements spec.md §4.6's validate-then-replay
// rule: from_seq + count must not exceed next_sent_seq; otherwise the
// whole range is served back verbatim from the carrier.
func (s *Session) serveRetransmitRequest(fromSeq uint64, count uint32) error {
	nextSent := s.lastSentSeq.Load() + 1
	if fromSeq == 0 || fromSeq+uint64(count) > nextSent {
		s.sendControl(Outbound{Template: TemplateRetransmitReject, FromSeqNo: fromSeq, Count: count, Reject: RejectOutOfRange})
		return gatewayerr.New(gatewayerr.CodeProtocol, fmt.Errorf("%w: OUT_OF_RANGE", ErrRetransmitInvalid))
	}

	key := fmt.Sprintf("%d-%d", fromSeq, count)
	s.limiterMu.Lock()
	if len(s.limiter) >= s.cfg.ReplayLimit {
		s.limiterMu.Unlock()
		s.sendControl(Outbound{Template: TemplateRetransmitReject, FromSeqNo: fromSeq, Count: count, Reject: RejectRequestLimitExceeded})
		return gatewayerr.New(gatewayerr.CodeProtocol, fmt.Errorf("%w: REQUEST_LIMIT_EXCEEDED", ErrRetransmitInvalid))
	}
	if _, dup := s.limiter[key]; dup {
		s.limiterMu.Unlock()
		return nil
	}
	s.limiter[key] = struct{}{}
	s.limiterMu.Unlock()
	defer func() {
		s.limiterMu.Lock()
		delete(s.limiter, key)
		s.limiterMu.Unlock()
	}()

	s.sendControl(Outbound{Template: TemplateRetransmission, FromSeqNo: fromSeq, Count: count})

	cur := s.ringOut.NewCursor()
	toSeq := fromSeq + uint64(count) - 1
	for {
		rec, lapped, ok := cur.Next()
		if lapped {
			continue
		}
		if !ok {
			break
		}
		if rec.SequenceNumber < fromSeq {
			continue
		}
		if rec.SequenceNumber > toSeq {
			break
		}
		raw, err := s.recOut.ReadAt(rec.StreamPosition, rec.Length)
		if err != nil {
			continue
		}
		s.sendControl(Outbound{Template: TemplateBusiness, Raw: raw})
	}
	return nil
}
