package fixsess

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusfix/fixgate/internal/carrier"
	"github.com/nexusfix/fixgate/internal/gatewayerr"
	"github.com/nexusfix/fixgate/internal/replayidx"
	"github.com/nexusfix/fixgate/internal/replayquery"
	"github.com/nexusfix/fixgate/internal/seqindex"
	"github.com/nexusfix/fixgate/internal/session"
)

// Sentinel errors. Wrapped with a gatewayerr.Code at the point they're
// surfaced to the caller, following the teacher's sentinel-error style.
var (
	ErrCompIDMismatch      = fmt.Errorf("fixsess: comp-id mismatch")
	ErrSendingTimeAccuracy = fmt.Errorf("fixsess: sending time outside accuracy window")
	ErrSeqNumTooLow        = fmt.Errorf("fixsess: msg seq num too low")
	ErrReplayLimitExceeded = fmt.Errorf("fixsess: replay limit exceeded")
)

// Precision names a sending-time encoding precision (spec.md §4.5
// "Transmission rules"). Session keeps it in Config but does not apply
// it: every outbound SendingTime is encoded by fixwire at millisecond
// precision.
type Precision uint8

const (
	PrecisionSeconds Precision = iota
	PrecisionMillis
	PrecisionMicros
	PrecisionNanos
)

// Role distinguishes which side of the session this engine plays.
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleAcceptor
)

// Config is the immutable configuration a Session is built from
// (spec.md Design Notes: "explicit builder structures consumed once at
// session handover").
type Config struct {
	SenderCompID      string
	TargetCompID      string
	Role              Role
	HeartbeatInterval time.Duration
	SendWindow        time.Duration
	Precision         Precision
	ReplayLimit       int
}

// Transport sends an Outbound message over the wire. Wire encoding is
// explicitly a collaborator, out of core scope (spec.md §1); Transport
// hands back the exact bytes it wrote so Session can archive and index
// them without knowing the encoding itself.
type Transport interface {
	Send(out Outbound) (raw []byte, err error)
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger attaches a logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithReplayLimit overrides the default outstanding-retransmit limiter
// threshold K (spec.md §4.5 "Retransmission"); see DESIGN.md's Open
// Question resolution for why this is a knob rather than a constant.
func WithReplayLimit(k int) Option {
	return func(s *Session) { s.cfg.ReplayLimit = k }
}

// Session is one FIX connection's state, owned by exactly one goroutine
// (spec.md §5 "Library/Application" agent); external callers only ever
// read its atomic fields, never mutate them directly — the same shape
// the teacher's bfd.Session uses.
type Session struct {
	cfg Config
	log *slog.Logger

	id session.ID

	state atomic.Uint32 // State

	lastReceivedSeq atomic.Uint64
	lastSentSeq     atomic.Uint64
	sequenceIndex   atomic.Uint32

	lastInboundAt atomic.Int64 // unix nanos, for liveness
	testReqMu     sync.Mutex
	pendingTestID string

	recIn  *carrier.Recording
	recOut *carrier.Recording
	ringIn  *replayidx.Ring
	ringOut *replayidx.Ring
	seqIdx  *seqindex.Index

	transport Transport

	limiterMu sync.Mutex
	limiter   map[string]struct{}
}

// New builds a Session for an already-assigned SessionContext,
// recording/replay-ring pair per stream, and transport.
func New(
	id session.ID,
	cfg Config,
	transport Transport,
	seqIdx *seqindex.Index,
	recIn, recOut *carrier.Recording,
	ringIn, ringOut *replayidx.Ring,
	opts ...Option,
) *Session {
	s := &Session{
		cfg:       cfg,
		log:       slog.Default(),
		id:        id,
		transport: transport,
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
	s.state.Store(uint32(StateConnected))
	s.log = s.log.With("component", "fixsess", "session_id", id, "sender_comp_id", cfg.SenderCompID, "target_comp_id", cfg.TargetCompID)
	return s
}

// State returns the session's current state. Lock-free snapshot.
func (s *Session) State() State { return State(s.state.Load()) }

// LastReceivedMsgSeqNum is the highest in-order inbound sequence number
// accepted so far.
func (s *Session) LastReceivedMsgSeqNum() uint32 { return uint32(s.lastReceivedSeq.Load()) }

// LastSentMsgSeqNum is the sequence number of the most recently sent
// message.
func (s *Session) LastSentMsgSeqNum() uint32 { return uint32(s.lastSentSeq.Load()) }

func (s *Session) apply(event Event) {
	res, err := Transition(s.State(), event)
	if err != nil {
		s.log.Warn("dropped event with no transition", "event", event, "state", s.State())
		return
	}
	s.state.Store(uint32(res.NewState))
	for _, a := range res.Actions {
		s.perform(a)
	}
}

func (s *Session) perform(a Action) {
	switch a {
	case ActionSendLogon:
		s.sendAdmin(Outbound{MsgType: MsgTypeLogon})
	case ActionSendTestRequest:
		id := fmt.Sprintf("TR-%d", time.Now().UnixNano())
		s.testReqMu.Lock()
		s.pendingTestID = id
		s.testReqMu.Unlock()
		s.sendAdmin(Outbound{MsgType: MsgTypeTestRequest, TestReqID: id})
	case ActionSendLogout:
		s.sendAdmin(Outbound{MsgType: MsgTypeLogout})
	case ActionSendLogoutAck:
		s.sendAdmin(Outbound{MsgType: MsgTypeLogout})
	case ActionDisconnectTransport, ActionNotifyDisabled, ActionNotifyApplicationUp, ActionNotifyApplicationDown:
		// Transport teardown and application callbacks are performed by
		// the owning Receiver Dispatcher/library agent, which observes
		// State() after each apply call; Session only records the
		// transition.
	}
	s.log.Debug("performed action", "action", a)
}

// HandleInbound implements spec.md §4.5 "Reception rules."
func (s *Session) HandleInbound(in Inbound) error {
	if in.SenderCompID != s.cfg.TargetCompID || in.TargetCompID != s.cfg.SenderCompID {
		s.sendReject(in.MsgSeqNum, "CompID problem")
		return gatewayerr.New(gatewayerr.CodeProtocol, fmt.Errorf("%w: got (%s,%s) want (%s,%s)",
			ErrCompIDMismatch, in.SenderCompID, in.TargetCompID, s.cfg.TargetCompID, s.cfg.SenderCompID))
	}

	if !in.SendingTime.IsZero() && s.cfg.SendWindow > 0 {
		delta := time.Since(in.SendingTime)
		if delta < 0 {
			delta = -delta
		}
		if delta > s.cfg.SendWindow {
			s.sendReject(in.MsgSeqNum, "SendingTime accuracy problem")
			return gatewayerr.New(gatewayerr.CodeProtocol, ErrSendingTimeAccuracy)
		}
	}

	s.lastInboundAt.Store(time.Now().UnixNano())

	expected := uint32(s.lastReceivedSeq.Load()) + 1
	switch {
	case in.MsgSeqNum == expected:
		s.acceptInbound(in)
	case in.MsgSeqNum > expected:
		s.log.Warn("sequence gap detected", "expected", expected, "got", in.MsgSeqNum)
		s.sendAdmin(Outbound{MsgType: MsgTypeResendRequest, ResendBegin: expected, ResendEnd: 0})
	default:
		if in.PossDupFlag {
			s.log.Debug("ignoring possible-duplicate low seq num", "seq", in.MsgSeqNum, "expected", expected)
		} else {
			text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", expected, in.MsgSeqNum)
			s.sendAdmin(Outbound{MsgType: MsgTypeLogout, LogoutText: text})
			s.apply(EventInitiateLogout)
			return gatewayerr.New(gatewayerr.CodeSequence, ErrSeqNumTooLow)
		}
	}

	s.apply(EventRecvHeartbeatTraffic)
	return nil
}

func (s *Session) acceptInbound(in Inbound) {
	s.lastReceivedSeq.Store(uint64(in.MsgSeqNum))

	if len(in.RawBody) > 0 {
		pos, err := s.recIn.Append(in.RawBody)
		if err != nil {
			s.log.Error("archive append failed", "error", err)
		} else {
			var flags uint32
			if in.MsgType.IsAdmin() {
				flags = replayidx.FlagAdmin
			}
			s.ringIn.Append(replayidx.Record{
				StreamPosition: pos,
				SequenceIndex:  session.SequenceIndex(s.sequenceIndex.Load()),
				SequenceNumber: uint64(in.MsgSeqNum),
				RecordingID:    s.recIn.ID(),
				Length:         int32(len(in.RawBody)),
				Flags:          flags,
			})
			s.seqIdx.RecordReceived(s.id, uint64(in.MsgSeqNum), session.SequenceIndex(s.sequenceIndex.Load()), pos)
		}
	}

	switch in.MsgType {
	case MsgTypeLogon:
		s.apply(EventRecvLogon)
	case MsgTypeLogout:
		s.apply(EventRecvLogout)
	case MsgTypeTestRequest:
		s.sendAdmin(Outbound{MsgType: MsgTypeHeartbeat, TestReqID: in.TestReqID})
	case MsgTypeHeartbeat:
		s.testReqMu.Lock()
		if in.TestReqID != "" && in.TestReqID == s.pendingTestID {
			s.pendingTestID = ""
		}
		s.testReqMu.Unlock()
	case MsgTypeResendRequest:
		if err := s.serveResendRequest(in.ResendBegin, in.ResendEnd); err != nil {
			s.log.Warn("resend request not served", "error", err)
		}
	case MsgTypeSequenceReset:
		s.applySequenceReset(in)
	default:
		// Business message: nothing further to do at the session layer
		// beyond sequence bookkeeping and archiving, already done above.
	}
}

func (s *Session) applySequenceReset(in Inbound) {
	expected := uint32(s.lastReceivedSeq.Load()) + 1
	if in.GapFillFlag {
		if in.NewSeqNo > expected {
			s.lastReceivedSeq.Store(uint64(in.NewSeqNo) - 1)
		}
		return
	}
	s.lastReceivedSeq.Store(uint64(in.NewSeqNo) - 1)
	s.sequenceIndex.Add(1)
}

// CheckLiveness should be called periodically (e.g. by a ticker in the
// owning Receiver Dispatcher) to drive the heartbeat/test-request
// timeout events named in spec.md §4.5 "Liveness."
func (s *Session) CheckLiveness(now time.Time) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	last := time.Unix(0, s.lastInboundAt.Load())
	idle := now.Sub(last)

	s.testReqMu.Lock()
	awaitingTestReq := s.pendingTestID != ""
	s.testReqMu.Unlock()

	switch {
	case awaitingTestReq && idle > 2*s.cfg.HeartbeatInterval:
		s.apply(EventTestRequestTimeout)
	case !awaitingTestReq && idle > s.cfg.HeartbeatInterval:
		s.apply(EventHeartbeatTimeout)
	}
}

// InitiateLogout starts a graceful shutdown of the session.
func (s *Session) InitiateLogout() { s.apply(EventInitiateLogout) }

// NotifyTransportClosed tells the session its TCP connection dropped.
func (s *Session) NotifyTransportClosed() { s.apply(EventTransportClosed) }

// NotifyLibraryTimeout tells the session its owning library failed to
// renew ownership; this is terminal (spec.md §4.5 DISABLED).
func (s *Session) NotifyLibraryTimeout() { s.apply(EventLibraryTimeout) }

// Send transmits an application (business) message through the session,
// assigning the next MsgSeqNum and archiving/indexing the transport's
// encoded bytes exactly as the session-layer admin messages are.
func (s *Session) Send(out Outbound) error {
	out.MsgSeqNum = uint32(s.lastSentSeq.Add(1))
	out.SendingTime = time.Now()

	raw, err := s.transport.Send(out)
	if err != nil {
		s.log.Error("send failed", "msg_type", out.MsgType, "error", err)
		return err
	}
	s.publishOutbound(out.MsgSeqNum, raw, out.MsgType.IsAdmin())
	return nil
}

func (s *Session) sendAdmin(out Outbound) {
	out.MsgSeqNum = uint32(s.lastSentSeq.Add(1))
	out.SendingTime = time.Now()

	raw, err := s.transport.Send(out)
	if err != nil {
		s.log.Error("send failed", "msg_type", out.MsgType, "error", err)
		return
	}
	s.publishOutbound(out.MsgSeqNum, raw, out.MsgType.IsAdmin())
}

// sendReplay retransmits bytes that were already sent once before: a
// gap-fill SEQUENCE_RESET standing in for a stretch of admin messages,
// or a verbatim business resend. Both keep the MsgSeqNum they logically
// own (the gap's start, or the original record's own sequence number),
// so unlike sendAdmin this must not mint a new number from lastSentSeq,
// and must not re-archive/re-index bytes the ring already holds.
func (s *Session) sendReplay(out Outbound, seqNum uint32) {
	out.MsgSeqNum = seqNum
	out.SendingTime = time.Now()

	if _, err := s.transport.Send(out); err != nil {
		s.log.Error("replay send failed", "msg_type", out.MsgType, "error", err)
	}
}

func (s *Session) publishOutbound(seqNum uint32, raw []byte, admin bool) {
	if len(raw) == 0 {
		return
	}
	pos, err := s.recOut.Append(raw)
	if err != nil {
		s.log.Error("archive append failed", "error", err)
		return
	}
	var flags uint32
	if admin {
		flags = replayidx.FlagAdmin
	}
	s.ringOut.Append(replayidx.Record{
		StreamPosition: pos,
		SequenceIndex:  session.SequenceIndex(s.sequenceIndex.Load()),
		SequenceNumber: uint64(seqNum),
		RecordingID:    s.recOut.ID(),
		Length:         int32(len(raw)),
		Flags:          flags,
	})
	s.seqIdx.RecordSent(s.id, uint64(seqNum), session.SequenceIndex(s.sequenceIndex.Load()), pos)
}

func (s *Session) sendReject(refSeqNum uint32, reason string) {
	out := Outbound{MsgType: "3", LogoutText: reason}
	out.MsgSeqNum = uint32(s.lastSentSeq.Add(1))
	out.SendingTime = time.Now()
	if raw, err := s.transport.Send(out); err == nil {
		s.publishOutbound(out.MsgSeqNum, raw, true)
	}
}

// serveResendRequest implements spec.md §4.5 "Retransmission": for
// stretches of administrative messages it coalesces a single
// SEQUENCE_RESET gap fill; for business messages it republishes the
// original bytes verbatim with PossDupFlag set. A limiter drops extra
// requests for the same range once ReplayLimit outstanding retransmits
// would result.
func (s *Session) serveResendRequest(begin, end uint32) error {
	key := fmt.Sprintf("%d-%d", begin, end)

	s.limiterMu.Lock()
	if len(s.limiter) >= s.cfg.ReplayLimit {
		s.limiterMu.Unlock()
		return gatewayerr.New(gatewayerr.CodeProtocol, ErrReplayLimitExceeded)
	}
	if _, dup := s.limiter[key]; dup {
		s.limiterMu.Unlock()
		return nil // duplicate RESEND_REQUEST: drop silently, no duplicate sends.
	}
	s.limiter[key] = struct{}{}
	s.limiterMu.Unlock()
	defer func() {
		s.limiterMu.Lock()
		delete(s.limiter, key)
		s.limiterMu.Unlock()
	}()

	endSeq := end
	if endSeq == 0 {
		endSeq = uint32(s.lastSentSeq.Load())
	}

	cur := s.ringOut.NewCursor()
	gapOpen := false
	var gapFrom uint32

	flushGap := func(from, upTo uint32) {
		s.sendReplay(Outbound{MsgType: MsgTypeSequenceReset, GapFillFlag: true, PossDupFlag: true, NewSeqNo: upTo}, from)
		gapOpen = false
	}

	for {
		rec, lapped, ok := cur.Next()
		if lapped {
			// Everything the reader lost track of is, by construction,
			// no longer in the archive either: treat it as missing.
			if !gapOpen {
				gapOpen, gapFrom = true, begin
			}
			continue
		}
		if !ok {
			break
		}
		seq := uint32(rec.SequenceNumber)
		if seq < begin {
			continue
		}
		if seq > endSeq {
			break
		}

		if rec.IsAdmin() {
			if !gapOpen {
				gapOpen, gapFrom = true, seq
			}
			continue
		}

		if gapOpen {
			flushGap(gapFrom, seq)
		}
		raw, err := s.recOut.ReadAt(rec.StreamPosition, rec.Length)
		if err != nil {
			if !gapOpen {
				gapOpen, gapFrom = true, seq
			}
			continue
		}
		s.sendReplay(Outbound{
			MsgType:         "", // verbatim raw already encodes its own type
			Raw:             raw,
			PossDupFlag:     true,
			OrigSendingTime: time.Now(),
		}, seq)
	}
	if gapOpen {
		flushGap(gapFrom, endSeq+1)
	}
	return nil
}

var _ = replayquery.Latest // replayquery remains the Replay Query surface used by admin/CLI prune flows; fixsess scans the ring directly for per-record admin/business classification.
