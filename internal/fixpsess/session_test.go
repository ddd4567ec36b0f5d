package fixpsess_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexusfix/fixgate/internal/carrier"
	"github.com/nexusfix/fixgate/internal/fixpsess"
	"github.com/nexusfix/fixgate/internal/replayidx"
	"github.com/nexusfix/fixgate/internal/seqindex"
	"github.com/nexusfix/fixgate/internal/session"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []fixpsess.Outbound
}

func (f *fakeTransport) Send(out fixpsess.Outbound) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	if len(out.Raw) > 0 {
		return out.Raw, nil
	}
	if out.Template == fixpsess.TemplateBusiness {
		return nil, nil
	}
	return []byte{byte(out.Template)}, nil
}

func (f *fakeTransport) messages() []fixpsess.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fixpsess.Outbound, len(f.sent))
	copy(out, f.sent)
	return out
}

type memVersions struct {
	mu    sync.Mutex
	m     map[uint64]uint32
	ended map[uint64]uint32
}

func newMemVersions() *memVersions {
	return &memVersions{m: make(map[uint64]uint32), ended: make(map[uint64]uint32)}
}

func (v *memVersions) KnownVersion(id uint64) (uint32, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ver, ok := v.m[id]
	return ver, ok
}

func (v *memVersions) RecordVersion(id uint64, ver uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[id] = ver
}

func (v *memVersions) EndedVersion(id uint64) (uint32, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ver, ok := v.ended[id]
	return ver, ok
}

func (v *memVersions) markEnded(id uint64, ver uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ended[id] = ver
}

func newTestSession(t *testing.T) (*fixpsess.Session, *fakeTransport, *memVersions) {
	t.Helper()
	versions := newMemVersions()
	s, transport := newTestSessionWithVersions(t, versions)
	return s, transport, versions
}

// newTestSessionWithVersions builds a Session sharing the given
// VersionStore, for tests exercising state that must survive across a
// reconnect (a fresh Session instance, same underlying registry).
func newTestSessionWithVersions(t *testing.T, versions fixpsess.VersionStore) (*fixpsess.Session, *fakeTransport) {
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

	s := fixpsess.New(
		session.ID(1), 1,
		fixpsess.Config{KeepAliveMin: time.Second, KeepAliveMax: time.Minute, NoLogonDisconnectTimeout: time.Minute},
		transport, versions, nil,
		seqIdx, recIn, recOut, ringIn, ringOut,
	)
	return s, transport
}

func TestNegotiateThenEstablishActivatesSession(t *testing.T) {
	s, transport, _ := newTestSession(t)

	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateNegotiate, SessionID: 1, SessionVerID: 1}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if s.State() != fixpsess.StateNegotiated {
		t.Fatalf("state = %s, want NEGOTIATED", s.State())
	}

	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateEstablish, SessionID: 1, SessionVerID: 1, KeepAliveMs: 10000}); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if s.State() != fixpsess.StateEstablished {
		t.Fatalf("state = %s, want ESTABLISHED", s.State())
	}

	msgs := transport.messages()
	var sawAck bool
	for _, m := range msgs {
		if m.Template == fixpsess.TemplateEstablishAck {
			sawAck = true
		}
	}
	if !sawAck {
		t.Fatalf("expected an ESTABLISH_ACK, got %v", msgs)
	}
}

func TestDuplicateNegotiateRejected(t *testing.T) {
	s, transport, versions := newTestSession(t)
	versions.RecordVersion(1, 1)

	err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateNegotiate, SessionID: 1, SessionVerID: 1})
	if err == nil {
		t.Fatal("expected DUPLICATE_ID rejection")
	}
	msgs := transport.messages()
	if len(msgs) != 1 || msgs[0].Template != fixpsess.TemplateNegotiateReject || msgs[0].Reject != fixpsess.RejectDuplicateID {
		t.Fatalf("expected a single NEGOTIATE_REJECT(DUPLICATE_ID), got %v", msgs)
	}
}

func TestNegotiateWithHigherVersionSupersedes(t *testing.T) {
	s, _, versions := newTestSession(t)
	versions.RecordVersion(1, 1)

	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateNegotiate, SessionID: 1, SessionVerID: 2}); err != nil {
		t.Fatalf("negotiate with higher version: %v", err)
	}
	if s.State() != fixpsess.StateNegotiated {
		t.Fatalf("state = %s, want NEGOTIATED", s.State())
	}
}

func establish(t *testing.T, s *fixpsess.Session) {
	t.Helper()
	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateNegotiate, SessionID: 1, SessionVerID: 1}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateEstablish, SessionID: 1, SessionVerID: 1, KeepAliveMs: 10000}); err != nil {
		t.Fatalf("establish: %v", err)
	}
}

func TestSequenceGapSendsNotApplied(t *testing.T) {
	s, transport, _ := newTestSession(t)
	establish(t, s)

	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateBusiness, NextSeqNo: 4, RawBody: []byte("order")}); err != nil {
		t.Fatalf("gapped business message: %v", err)
	}

	msgs := transport.messages()
	found := false
	for _, m := range msgs {
		if m.Template == fixpsess.TemplateNotApplied && m.FromSeqNo == 1 && m.Count == 3 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected NOT_APPLIED(from=1, count=3), got %v", msgs)
	}
	if s.LastRecvSeqNo() != 0 {
		t.Fatalf("last recv seq = %d, want 0 (gap must not advance)", s.LastRecvSeqNo())
	}
}

func TestSequenceRewindTerminates(t *testing.T) {
	s, transport, _ := newTestSession(t)
	establish(t, s)

	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateBusiness, NextSeqNo: 1, RawBody: []byte("order")}); err != nil {
		t.Fatalf("seq 1: %v", err)
	}

	err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateSequence, NextSeqNo: 0})
	if err == nil {
		t.Fatal("expected an error for a sequence rewind")
	}
	if s.State() != fixpsess.StateUnbound {
		t.Fatalf("state = %s, want UNBOUND", s.State())
	}

	msgs := transport.messages()
	sawTerminate := false
	for _, m := range msgs {
		if m.Template == fixpsess.TemplateTerminate {
			sawTerminate = true
		}
	}
	if !sawTerminate {
		t.Fatalf("expected a TERMINATE, got %v", msgs)
	}
}

func TestRetransmitRequestOutOfRangeRejected(t *testing.T) {
	s, transport, _ := newTestSession(t)
	establish(t, s)

	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateRetransmitRequest, FromSeqNo: 5, Count: 10}); err == nil {
		t.Fatal("expected OUT_OF_RANGE rejection")
	}

	msgs := transport.messages()
	found := false
	for _, m := range msgs {
		if m.Template == fixpsess.TemplateRetransmitReject && m.Reject == fixpsess.RejectOutOfRange {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected RETRANSMIT_REJECT(OUT_OF_RANGE), got %v", msgs)
	}
}

func TestRetransmitRequestServesArchivedMessages(t *testing.T) {
	s, transport, _ := newTestSession(t)
	establish(t, s)

	for i := 0; i < 3; i++ {
		if err := s.Send(fixpsess.Outbound{Template: fixpsess.TemplateBusiness, Raw: []byte("exec-report")}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	before := len(transport.messages())
	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateRetransmitRequest, FromSeqNo: 1, Count: 3}); err != nil {
		t.Fatalf("retransmit request: %v", err)
	}

	msgs := transport.messages()[before:]
	if len(msgs) == 0 || msgs[0].Template != fixpsess.TemplateRetransmission {
		t.Fatalf("expected a leading RETRANSMISSION message, got %v", msgs)
	}
	count := 0
	for _, m := range msgs {
		if m.Template == fixpsess.TemplateBusiness {
			if string(m.Raw) != "exec-report" {
				t.Fatalf("retransmitted bytes mangled: %q", m.Raw)
			}
			count++
		}
	}
	if count != 3 {
		t.Fatalf("expected 3 retransmitted messages, got %d", count)
	}
}

func TestFinalisationHandshakeBothDirections(t *testing.T) {
	s, _, _ := newTestSession(t)
	establish(t, s)

	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateFinishedSending, LastSeqNo: 0}); err != nil {
		t.Fatalf("client finished sending: %v", err)
	}
	if s.State() != fixpsess.StateRecvFinishedSending {
		t.Fatalf("state = %s, want RECV_FINISHED_SENDING", s.State())
	}

	s.InitiateFinishSending()
	if s.State() != fixpsess.StateUnbound {
		t.Fatalf("state = %s, want UNBOUND", s.State())
	}
	if !s.Ended() {
		t.Fatal("expected Ended() after a completed finalisation handshake")
	}
}

func TestTransportClosedDoesNotMarkEnded(t *testing.T) {
	s, _, _ := newTestSession(t)
	establish(t, s)

	s.NotifyTransportClosed()
	if s.State() != fixpsess.StateUnbound {
		t.Fatalf("state = %s, want UNBOUND", s.State())
	}
	if s.Ended() {
		t.Fatal("an abrupt transport close must not be treated as a finalisation handshake")
	}
}

func TestNegotiateRejectedAfterEndedVersion(t *testing.T) {
	s, _, versions := newTestSession(t)
	establish(t, s)

	if err := s.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateFinishedSending, LastSeqNo: 0}); err != nil {
		t.Fatalf("finished sending: %v", err)
	}
	s.InitiateFinishSending()
	if !s.Ended() {
		t.Fatal("expected Ended() after a completed finalisation handshake")
	}
	versions.markEnded(1, 1)

	s2, transport2 := newTestSessionWithVersions(t, versions)

	err := s2.HandleInbound(fixpsess.Inbound{Template: fixpsess.TemplateNegotiate, SessionID: 1, SessionVerID: 1})
	if err == nil {
		t.Fatal("expected UNNEGOTIATED rejection for re-negotiate of an ended session_ver_id")
	}
	msgs := transport2.messages()
	if len(msgs) != 1 || msgs[0].Template != fixpsess.TemplateNegotiateReject || msgs[0].Reject != fixpsess.RejectUnnegotiated {
		t.Fatalf("expected a single NEGOTIATE_REJECT(UNNEGOTIATED), got %v", msgs)
	}
}
