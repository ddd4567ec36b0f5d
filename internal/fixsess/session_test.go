package fixsess_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexusfix/fixgate/internal/carrier"
	"github.com/nexusfix/fixgate/internal/fixsess"
	"github.com/nexusfix/fixgate/internal/replayidx"
	"github.com/nexusfix/fixgate/internal/seqindex"
	"github.com/nexusfix/fixgate/internal/session"
)

// fakeTransport records every Outbound handed to it and hands back
// deterministic "encoded" bytes so archiving/indexing has something to
// store, without needing a real wire codec.
type fakeTransport struct {
	mu   sync.Mutex
	sent []fixsess.Outbound
}

func (f *fakeTransport) Send(out fixsess.Outbound) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	if len(out.Raw) > 0 {
		return out.Raw, nil
	}
	return []byte(string(out.MsgType) + "|body"), nil
}

func (f *fakeTransport) messages() []fixsess.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fixsess.Outbound, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestSession(t *testing.T) (*fixsess.Session, *fakeTransport) {
	t.Helper()
	dir := t.TempDir()

	store, err := carrier.NewStore(dir)
	if err != nil {
		t.Fatalf("carrier.NewStore: %v", err)
	}
	recIn, err := store.OpenOrCreate(1)
	if err != nil {
		t.Fatalf("OpenOrCreate recIn: %v", err)
	}
	recOut, err := store.OpenOrCreate(2)
	if err != nil {
		t.Fatalf("OpenOrCreate recOut: %v", err)
	}

	ringIn, err := replayidx.Create(filepath.Join(dir, "ring_in"), 64)
	if err != nil {
		t.Fatalf("replayidx.Create ringIn: %v", err)
	}
	ringOut, err := replayidx.Create(filepath.Join(dir, "ring_out"), 64)
	if err != nil {
		t.Fatalf("replayidx.Create ringOut: %v", err)
	}

	seqIdx, err := seqindex.Open(dir, 8)
	if err != nil {
		t.Fatalf("seqindex.Open: %v", err)
	}

	transport := &fakeTransport{}

	s := fixsess.New(
		session.ID(1),
		fixsess.Config{
			SenderCompID:      "GATEWAY",
			TargetCompID:      "CLIENT",
			Role:              fixsess.RoleAcceptor,
			HeartbeatInterval: time.Minute,
		},
		transport,
		seqIdx,
		recIn, recOut,
		ringIn, ringOut,
	)
	return s, transport
}

func TestHandleInboundLogonActivatesSession(t *testing.T) {
	s, transport := newTestSession(t)

	err := s.HandleInbound(fixsess.Inbound{
		MsgType:      fixsess.MsgTypeLogon,
		SenderCompID: "CLIENT",
		TargetCompID: "GATEWAY",
		MsgSeqNum:    1,
		RawBody:      []byte("A|logon"),
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if s.State() != fixsess.StateActive {
		t.Fatalf("state = %s, want ACTIVE", s.State())
	}
	if s.LastReceivedMsgSeqNum() != 1 {
		t.Fatalf("last received seq = %d, want 1", s.LastReceivedMsgSeqNum())
	}

	msgs := transport.messages()
	if len(msgs) == 0 || msgs[0].MsgType != fixsess.MsgTypeLogon {
		t.Fatalf("expected an outbound LOGON reply, got %v", msgs)
	}
}

func TestHandleInboundCompIDMismatchRejects(t *testing.T) {
	s, _ := newTestSession(t)

	err := s.HandleInbound(fixsess.Inbound{
		MsgType:      fixsess.MsgTypeLogon,
		SenderCompID: "SOMEONE_ELSE",
		TargetCompID: "GATEWAY",
		MsgSeqNum:    1,
	})
	if err == nil {
		t.Fatal("expected an error for comp-id mismatch")
	}
}

func TestHandleInboundGapTriggersResendRequest(t *testing.T) {
	s, transport := newTestSession(t)

	if err := s.HandleInbound(fixsess.Inbound{
		MsgType: fixsess.MsgTypeLogon, SenderCompID: "CLIENT", TargetCompID: "GATEWAY", MsgSeqNum: 1,
	}); err != nil {
		t.Fatalf("logon: %v", err)
	}

	if err := s.HandleInbound(fixsess.Inbound{
		MsgType: fixsess.MsgTypeNewOrderSingle, SenderCompID: "CLIENT", TargetCompID: "GATEWAY", MsgSeqNum: 5,
	}); err != nil {
		t.Fatalf("gapped message: %v", err)
	}

	msgs := transport.messages()
	found := false
	for _, m := range msgs {
		if m.MsgType == fixsess.MsgTypeResendRequest && m.ResendBegin == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a RESEND_REQUEST beginning at 2, got %v", msgs)
	}
	// The out-of-order message itself must not advance the received counter.
	if s.LastReceivedMsgSeqNum() != 1 {
		t.Fatalf("last received seq = %d, want 1 (gap must not advance)", s.LastReceivedMsgSeqNum())
	}
}

func TestHandleInboundLowSeqNumWithoutPossDupInitiatesLogout(t *testing.T) {
	s, _ := newTestSession(t)

	if err := s.HandleInbound(fixsess.Inbound{
		MsgType: fixsess.MsgTypeLogon, SenderCompID: "CLIENT", TargetCompID: "GATEWAY", MsgSeqNum: 1,
	}); err != nil {
		t.Fatalf("logon: %v", err)
	}
	if err := s.HandleInbound(fixsess.Inbound{
		MsgType: fixsess.MsgTypeNewOrderSingle, SenderCompID: "CLIENT", TargetCompID: "GATEWAY", MsgSeqNum: 2,
	}); err != nil {
		t.Fatalf("seq 2: %v", err)
	}

	err := s.HandleInbound(fixsess.Inbound{
		MsgType: fixsess.MsgTypeNewOrderSingle, SenderCompID: "CLIENT", TargetCompID: "GATEWAY", MsgSeqNum: 1,
	})
	if err == nil {
		t.Fatal("expected an error for a too-low seq num without PossDupFlag")
	}
	if s.State() != fixsess.StateAwaitingLogout {
		t.Fatalf("state = %s, want AWAITING_LOGOUT", s.State())
	}
}

func TestServeResendRequestCoalescesAdminAndResendsBusinessVerbatim(t *testing.T) {
	s, transport := newTestSession(t)

	// Our own outbound LOGON reply (admin, seq 1), then two outbound
	// business messages (seq 2, 3) so there is something to replay for
	// both branches of the retransmit logic: admin coalesced into one
	// gap fill, business resent raw.
	if err := s.HandleInbound(fixsess.Inbound{
		MsgType: fixsess.MsgTypeLogon, SenderCompID: "CLIENT", TargetCompID: "GATEWAY", MsgSeqNum: 1,
	}); err != nil {
		t.Fatalf("logon: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Send(fixsess.Outbound{MsgType: fixsess.MsgTypeNewOrderSingle, Raw: []byte("D|order")}); err != nil {
			t.Fatalf("send business message: %v", err)
		}
	}

	before := len(transport.messages())

	if err := s.HandleInbound(fixsess.Inbound{
		MsgType: fixsess.MsgTypeResendRequest, SenderCompID: "CLIENT", TargetCompID: "GATEWAY", MsgSeqNum: 2,
		ResendBegin: 1, ResendEnd: 0,
	}); err != nil {
		t.Fatalf("resend request: %v", err)
	}

	msgs := transport.messages()[before:]
	if len(msgs) == 0 {
		t.Fatal("expected at least one retransmitted message")
	}

	sawGapFill := false
	for _, m := range msgs {
		if m.MsgType == fixsess.MsgTypeSequenceReset && m.GapFillFlag {
			sawGapFill = true
		}
		if m.PossDupFlag && len(m.Raw) > 0 && string(m.Raw) != "D|order" {
			t.Fatalf("business resend mangled raw bytes: %q", m.Raw)
		}
	}
	if !sawGapFill {
		t.Fatalf("expected a gap-fill SEQUENCE_RESET for the admin LOGON, got %v", msgs)
	}
}

// TestServeResendRequestPreservesOriginalSequenceNumbers pins down the
// exact MsgSeqNum values a resend must reproduce: a gap fill must carry
// the gap's own starting sequence number, not a freshly minted one, and a
// verbatim business resend must keep serving under its original number —
// neither may advance the session's own outbound sequence counter.
func TestServeResendRequestPreservesOriginalSequenceNumbers(t *testing.T) {
	s, transport := newTestSession(t)

	// LOGON reply consumes seq 1 (admin); two business sends consume
	// seq 2 and 3.
	if err := s.HandleInbound(fixsess.Inbound{
		MsgType: fixsess.MsgTypeLogon, SenderCompID: "CLIENT", TargetCompID: "GATEWAY", MsgSeqNum: 1,
	}); err != nil {
		t.Fatalf("logon: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Send(fixsess.Outbound{MsgType: fixsess.MsgTypeNewOrderSingle, Raw: []byte("D|order")}); err != nil {
			t.Fatalf("send business message: %v", err)
		}
	}
	if got := s.LastSentMsgSeqNum(); got != 3 {
		t.Fatalf("last sent seq before resend = %d, want 3", got)
	}

	before := len(transport.messages())
	if err := s.HandleInbound(fixsess.Inbound{
		MsgType: fixsess.MsgTypeResendRequest, SenderCompID: "CLIENT", TargetCompID: "GATEWAY", MsgSeqNum: 2,
		ResendBegin: 1, ResendEnd: 0,
	}); err != nil {
		t.Fatalf("resend request: %v", err)
	}
	msgs := transport.messages()[before:]

	if len(msgs) != 3 {
		t.Fatalf("expected gap-fill(seq 1) + 2 business resends(seq 2,3), got %d messages: %v", len(msgs), msgs)
	}
	if msgs[0].MsgType != fixsess.MsgTypeSequenceReset || msgs[0].MsgSeqNum != 1 || msgs[0].NewSeqNo != 2 {
		t.Fatalf("gap fill = %+v, want MsgSeqNum=1 NewSeqNo=2", msgs[0])
	}
	if msgs[1].MsgSeqNum != 2 {
		t.Fatalf("first business resend MsgSeqNum = %d, want 2 (its original number)", msgs[1].MsgSeqNum)
	}
	if msgs[2].MsgSeqNum != 3 {
		t.Fatalf("second business resend MsgSeqNum = %d, want 3 (its original number)", msgs[2].MsgSeqNum)
	}

	// Serving the resend must not have consumed any new sequence slots:
	// the next genuine business Send still gets seq 4.
	if got := s.LastSentMsgSeqNum(); got != 3 {
		t.Fatalf("last sent seq after resend = %d, want unchanged at 3", got)
	}
	if err := s.Send(fixsess.Outbound{MsgType: fixsess.MsgTypeNewOrderSingle, Raw: []byte("D|order2")}); err != nil {
		t.Fatalf("send after resend: %v", err)
	}
	if got := s.LastSentMsgSeqNum(); got != 4 {
		t.Fatalf("next real send MsgSeqNum = %d, want 4", got)
	}
}
