// Package registry implements the Gateway Sessions Registry (spec.md
// §4.8): the map SessionKey → SessionContext, consulted on every
// logon/negotiate to detect a duplicate live binding and to hand back
// either a fresh or an offline SessionContext.
//
// Grounded on the teacher's internal/bfd/manager.go CreateSession /
// checkDuplicate / registerAndStart: an RLock-guarded duplicate check
// followed by a WLock re-check before registering, so a session created
// concurrently between the two checks is still caught.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusfix/fixgate/internal/session"
)

// ErrDuplicateSession is returned by Bind when key is already bound to an
// active connection owned by a library other than the caller's.
var ErrDuplicateSession = errors.New("registry: session key bound to an active connection owned by another library")

// Registry holds every SessionContext the engine has ever created. A
// Context is never removed (spec.md §3 entity lifecycle: "Never
// destroyed, lives in Gateway Sessions Registry"); only its owner
// changes as connections come and go.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[session.Key]*session.Context
	byID   map[session.ID]*session.Context
	owners map[session.ID]string // library id currently holding the live connection, if any

	nextID atomic.Uint64
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		byKey:  make(map[session.Key]*session.Context),
		byID:   make(map[session.ID]*session.Context),
		owners: make(map[session.ID]string),
	}
}

// Bind resolves key to a SessionContext for a logon/negotiate owned by
// libraryID: a fresh context on first contact, or the existing offline
// one on reconnect. Returns ErrDuplicateSession if key is currently
// bound to an active connection owned by a different library (spec.md
// §4.8). resetSeqNum mirrors the counterparty's ResetSeqNumFlag=Y; when
// set, sequence_index is incremented and last_sequence_reset_time
// refreshed before the context is handed back.
func (r *Registry) Bind(key session.Key, libraryID string, resetSeqNum bool) (*session.Context, error) {
	if quick, ok := r.quickRejectDuplicate(key, libraryID); ok {
		return nil, quick
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, exists := r.byKey[key]
	if exists {
		if owner, live := r.owners[ctx.ID]; live && owner != libraryID {
			return nil, fmt.Errorf("bind %+v: %w (owner=%s)", key, ErrDuplicateSession, owner)
		}
	} else {
		ctx = &session.Context{
			ID:  session.ID(r.nextID.Add(1)),
			Key: key,
		}
		r.byKey[key] = ctx
		r.byID[ctx.ID] = ctx
	}

	if resetSeqNum {
		ctx.Sequence++
		ctx.LastSequenceResetTime = time.Now().UnixNano()
	}
	ctx.LastLogonTime = time.Now().UnixNano()
	ctx.Ended = false
	r.owners[ctx.ID] = libraryID

	return ctx, nil
}

// quickRejectDuplicate takes the read lock to reject the common case
// cheaply, mirroring the teacher's checkDuplicate. It never mutates
// state; Bind always re-validates under the write lock before
// registering, so a session created between this check and the write
// lock is still caught.
func (r *Registry) quickRejectDuplicate(key session.Key, libraryID string) (error, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ctx, exists := r.byKey[key]
	if !exists {
		return nil, false
	}
	owner, live := r.owners[ctx.ID]
	if live && owner != libraryID {
		return fmt.Errorf("bind %+v: %w (owner=%s)", key, ErrDuplicateSession, owner), true
	}
	return nil, false
}

// Release marks id's connection gone. The context survives as an
// offline session that still accepts store-and-forward application
// sends (spec.md §3, Ownership).
func (r *Registry) Release(id session.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, id)
}

// IsOnline reports whether id currently has a live connection owner.
func (r *Registry) IsOnline(id session.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[id]
	return ok
}

// Lookup returns the context registered under id, if any.
func (r *Registry) Lookup(id session.ID) (*session.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byID[id]
	return ctx, ok
}

// LookupByKey returns the context bound to key, if any.
func (r *Registry) LookupByKey(key session.Key) (*session.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byKey[key]
	return ctx, ok
}

// LookupSessionID implements the admin RPC lookupSessionId(local, remote)
// (spec.md §6): find the session_id bound to a FIX (sender, target) pair.
func (r *Registry) LookupSessionID(senderCompID, targetCompID string) (session.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, ctx := range r.byKey {
		if key.Protocol == session.ProtocolFIX && key.SenderCompID == senderCompID && key.TargetCompID == targetCompID {
			return ctx.ID, true
		}
	}
	return 0, false
}

// AllSessions implements the admin RPC allSessions() (spec.md §6): a
// snapshot of every known context, by value so callers can't mutate
// registry state through it.
func (r *Registry) AllSessions() []session.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.Context, 0, len(r.byID))
	for _, ctx := range r.byID {
		out = append(out, *ctx)
	}
	return out
}

// ErrUnknownSession is returned by ResetSequenceNumber when id has no
// registered context.
var ErrUnknownSession = errors.New("registry: unknown session id")

// ResetSequenceNumber implements the admin RPC resetSequenceNumber
// (spec.md §6) for a single session: it applies the same sequence_index
// bump Bind applies for an inbound ResetSeqNumFlag=Y, but triggered by an
// operator rather than the counterparty. The bump takes effect the next
// time the session establishes, since it is sequence_index (an epoch
// counter consulted by the FSMs on logon/negotiate; see session.Context)
// rather than the wire-level send/receive counters that changes, and
// those live inside the FIX/FIXP FSMs, not the registry.
func (r *Registry) ResetSequenceNumber(id session.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("reset sequence number %d: %w", id, ErrUnknownSession)
	}
	ctx.Sequence++
	ctx.LastSequenceResetTime = time.Now().UnixNano()
	return nil
}

// MarkEnded flags id's context as having completed a FIXP finalisation
// handshake (spec.md §3): re-establish of the same (id, SessionVersionID)
// must thereafter be rejected by the FIXP acceptor.
func (r *Registry) MarkEnded(id session.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.byID[id]; ok {
		ctx.Ended = true
	}
}

// KnownVersion implements fixpsess.VersionStore: reports the
// session_ver_id last recorded for a FIXP session_id, if any.
func (r *Registry) KnownVersion(fixpSessionID uint64) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byKey[session.Key{Protocol: session.ProtocolFIXP, FIXPSessionID: fixpSessionID}]
	if !ok {
		return 0, false
	}
	return ctx.SessionVersionID, true
}

// EndedVersion implements fixpsess.VersionStore: reports the
// session_ver_id a FIXP session_id's context was marked ended at via
// MarkEnded, if any.
func (r *Registry) EndedVersion(fixpSessionID uint64) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byKey[session.Key{Protocol: session.ProtocolFIXP, FIXPSessionID: fixpSessionID}]
	if !ok || !ctx.Ended {
		return 0, false
	}
	return ctx.SessionVersionID, true
}

// RecordVersion implements fixpsess.VersionStore: persists the
// session_ver_id accepted at the most recent successful Negotiate.
func (r *Registry) RecordVersion(fixpSessionID uint64, verID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := session.Key{Protocol: session.ProtocolFIXP, FIXPSessionID: fixpSessionID}
	ctx, ok := r.byKey[key]
	if !ok {
		ctx = &session.Context{
			ID:  session.ID(r.nextID.Add(1)),
			Key: key,
		}
		r.byKey[key] = ctx
		r.byID[ctx.ID] = ctx
	}
	ctx.SessionVersionID = verID
}
