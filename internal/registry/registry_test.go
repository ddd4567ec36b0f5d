package registry_test

import (
	"errors"
	"testing"

	"github.com/nexusfix/fixgate/internal/registry"
	"github.com/nexusfix/fixgate/internal/session"
)

func fixKey(sender, target string) session.Key {
	return session.Key{Protocol: session.ProtocolFIX, SenderCompID: sender, TargetCompID: target}
}

func TestBindFreshSessionAssignsID(t *testing.T) {
	r := registry.New()
	ctx, err := r.Bind(fixKey("GATEWAY", "CLIENT"), "lib-a", false)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if ctx.ID == 0 {
		t.Fatal("expected a non-zero session id")
	}
	if !r.IsOnline(ctx.ID) {
		t.Fatal("expected session to be online after Bind")
	}
}

func TestBindReconnectReusesOfflineContext(t *testing.T) {
	r := registry.New()
	key := fixKey("GATEWAY", "CLIENT")

	first, err := r.Bind(key, "lib-a", false)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	r.Release(first.ID)

	second, err := r.Bind(key, "lib-a", false)
	if err != nil {
		t.Fatalf("Bind (reconnect): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("reconnect got a new id %d, want reuse of %d", second.ID, first.ID)
	}
}

func TestBindDuplicateActiveConnectionRejected(t *testing.T) {
	r := registry.New()
	key := fixKey("GATEWAY", "CLIENT")

	if _, err := r.Bind(key, "lib-a", false); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	_, err := r.Bind(key, "lib-b", false)
	if !errors.Is(err, registry.ErrDuplicateSession) {
		t.Fatalf("got %v, want ErrDuplicateSession", err)
	}
}

func TestBindSameLibraryReconnectAllowedWhileStillOwner(t *testing.T) {
	r := registry.New()
	key := fixKey("GATEWAY", "CLIENT")

	first, err := r.Bind(key, "lib-a", false)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	second, err := r.Bind(key, "lib-a", false)
	if err != nil {
		t.Fatalf("Bind (same owner): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same context id, got %d and %d", first.ID, second.ID)
	}
}

func TestBindResetSeqNumIncrementsSequenceIndex(t *testing.T) {
	r := registry.New()
	key := fixKey("GATEWAY", "CLIENT")

	first, err := r.Bind(key, "lib-a", false)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if first.Sequence != 0 {
		t.Fatalf("Sequence = %d, want 0", first.Sequence)
	}
	r.Release(first.ID)

	second, err := r.Bind(key, "lib-a", true)
	if err != nil {
		t.Fatalf("Bind (reset): %v", err)
	}
	if second.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1 after ResetSeqNumFlag=Y", second.Sequence)
	}
	if second.LastSequenceResetTime == 0 {
		t.Fatal("expected LastSequenceResetTime to be set")
	}
}

func TestLookupSessionIDFindsFIXKey(t *testing.T) {
	r := registry.New()
	key := fixKey("GATEWAY", "CLIENT")
	ctx, err := r.Bind(key, "lib-a", false)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	id, ok := r.LookupSessionID("GATEWAY", "CLIENT")
	if !ok || id != ctx.ID {
		t.Fatalf("LookupSessionID = (%d, %v), want (%d, true)", id, ok, ctx.ID)
	}

	if _, ok := r.LookupSessionID("GATEWAY", "OTHER"); ok {
		t.Fatal("expected no match for an unbound comp-id pair")
	}
}

func TestAllSessionsReturnsSnapshot(t *testing.T) {
	r := registry.New()
	if _, err := r.Bind(fixKey("GATEWAY", "ALPHA"), "lib-a", false); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := r.Bind(fixKey("GATEWAY", "BETA"), "lib-a", false); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	all := r.AllSessions()
	if len(all) != 2 {
		t.Fatalf("AllSessions returned %d entries, want 2", len(all))
	}
}

func TestMarkEndedFlagsContext(t *testing.T) {
	r := registry.New()
	key := session.Key{Protocol: session.ProtocolFIXP, FIXPSessionID: 42}
	ctx, err := r.Bind(key, "lib-a", false)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	r.MarkEnded(ctx.ID)

	got, ok := r.Lookup(ctx.ID)
	if !ok || !got.Ended {
		t.Fatalf("expected Ended=true after MarkEnded, got %+v", got)
	}
}

func TestEndedVersionReportsLastNegotiatedVersion(t *testing.T) {
	r := registry.New()
	r.RecordVersion(42, 5)

	if _, ok := r.EndedVersion(42); ok {
		t.Fatal("expected no ended version before MarkEnded")
	}

	ctx, ok := r.LookupByKey(session.Key{Protocol: session.ProtocolFIXP, FIXPSessionID: 42})
	if !ok {
		t.Fatal("expected a context created by RecordVersion")
	}
	r.MarkEnded(ctx.ID)

	verID, ok := r.EndedVersion(42)
	if !ok || verID != 5 {
		t.Fatalf("EndedVersion = (%d, %v), want (5, true)", verID, ok)
	}
}

func TestVersionStoreRoundTrip(t *testing.T) {
	r := registry.New()

	if _, ok := r.KnownVersion(7); ok {
		t.Fatal("expected no known version before RecordVersion")
	}

	r.RecordVersion(7, 3)

	verID, ok := r.KnownVersion(7)
	if !ok || verID != 3 {
		t.Fatalf("KnownVersion = (%d, %v), want (3, true)", verID, ok)
	}
}

func TestVersionStoreSharesContextWithFIXPBind(t *testing.T) {
	r := registry.New()
	r.RecordVersion(9, 2)

	ctx, err := r.Bind(session.Key{Protocol: session.ProtocolFIXP, FIXPSessionID: 9}, "lib-a", false)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if ctx.SessionVersionID != 2 {
		t.Fatalf("SessionVersionID = %d, want 2 (set by prior RecordVersion)", ctx.SessionVersionID)
	}
}

func TestResetSequenceNumberBumpsSequence(t *testing.T) {
	r := registry.New()
	ctx, err := r.Bind(fixKey("GATEWAY", "CLIENT"), "lib-a", false)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	before := ctx.Sequence

	if err := r.ResetSequenceNumber(ctx.ID); err != nil {
		t.Fatalf("ResetSequenceNumber: %v", err)
	}

	after, ok := r.Lookup(ctx.ID)
	if !ok {
		t.Fatal("expected session to still be registered")
	}
	if after.Sequence != before+1 {
		t.Fatalf("Sequence = %d, want %d", after.Sequence, before+1)
	}
	if after.LastSequenceResetTime == 0 {
		t.Fatal("expected LastSequenceResetTime to be set")
	}
}

func TestResetSequenceNumberUnknownSession(t *testing.T) {
	r := registry.New()
	err := r.ResetSequenceNumber(session.ID(999))
	if !errors.Is(err, registry.ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}
