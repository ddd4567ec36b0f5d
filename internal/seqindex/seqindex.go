// Package seqindex implements the Sequence-Number Index (spec.md §4.1):
// a durable, crash-safe, single-writer table mapping a session_id to the
// last in-order sequence numbers accepted/sent and the carrier stream
// position the index has been brought up to date with.
//
// The table is read by any number of goroutines without locking — every
// field of every slot is a fixed-position atomic, following the same
// lock-free-external-read idiom the teacher's session type uses for its
// externally observable state. Only the flush path (single Indexer
// agent, spec.md §5) takes the mutex, and only to serialize file I/O.
package seqindex

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusfix/fixgate/internal/gatewayerr"
	"github.com/nexusfix/fixgate/internal/session"
)

// Sentinel errors.
var (
	// ErrUnknownSession is returned by LastKnownSequenceNumber for a
	// session_id the index has never recorded.
	ErrUnknownSession = fmt.Errorf("seqindex: unknown session")
)

const (
	// defaultFlushInterval is T in the spec's flush policy: flush after
	// this much time has elapsed without a new record.
	defaultFlushInterval = 200 * time.Millisecond

	// defaultFlushEvery is N in the spec's flush policy: flush after
	// this many records have accumulated since the last flush.
	defaultFlushEvery = 256
)

// slot is one session's row in the table. Every field is updated with a
// plain atomic store by the single writer and observed with a plain
// atomic load by any number of readers — no locking on the hot path.
type slot struct {
	sessionID       atomic.Uint64
	lastReceivedSeq atomic.Uint64
	lastSentSeq     atomic.Uint64
	sequenceIndex   atomic.Uint32
	receivedPos     atomic.Int64
	sentPos         atomic.Int64
}

func (s *slot) occupied() bool { return s.sessionID.Load() != 0 }

// Option configures an Index at construction time.
type Option func(*Index)

// WithFlushInterval overrides the default 200ms no-writes flush trigger.
func WithFlushInterval(d time.Duration) Option {
	return func(idx *Index) { idx.flushInterval = d }
}

// WithFlushEvery overrides the default record-count flush trigger.
func WithFlushEvery(n int) Option {
	return func(idx *Index) { idx.flushEvery = n }
}

// WithLogger attaches a logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(idx *Index) { idx.log = l }
}

// WithoutShutdownFlush disables the unconditional flush-on-Close
// behaviour. Spec.md §4.1: "unless an explicit testing switch disables
// it" — for deterministic crash-recovery tests only.
func WithoutShutdownFlush() Option {
	return func(idx *Index) { idx.skipShutdownFlush = true }
}

// Index is the Sequence-Number Index. One per engine.
type Index struct {
	log *slog.Logger

	canonicalPath string
	passingPlace  string

	// capacity is fixed at Open time; slot assignment is
	// sessionID % capacity, so a capacity sized comfortably above the
	// expected session count keeps collisions vanishingly rare, the same
	// tradeoff the teacher's DiscriminatorAllocator makes by retrying a
	// bounded number of times rather than growing.
	capacity int
	slots    []slot

	flushInterval     time.Duration
	flushEvery        int
	skipShutdownFlush bool

	mu               sync.Mutex
	writesSinceFlush int
	lastWriteAt      time.Time
	timer            *time.Timer
	closed           bool
}

// Open loads (or creates, if neither file is present) the index rooted
// at dir, applying crash recovery between the canonical file and its
// passing-place temp file per spec.md §4.1 step 4.
func Open(dir string, capacity int, opts ...Option) (*Index, error) {
	idx := &Index{
		log:           slog.Default(),
		canonicalPath: filepath.Join(dir, "sequence_number_index"),
		passingPlace:  filepath.Join(dir, "sequence_number_index.passing_place"),
		capacity:      capacity,
		flushInterval: defaultFlushInterval,
		flushEvery:    defaultFlushEvery,
	}
	for _, opt := range opts {
		opt(idx)
	}

	cap, slots, err := loadWithRecovery(idx.canonicalPath, idx.passingPlace, capacity)
	if err != nil {
		return nil, err
	}
	idx.capacity = cap
	idx.slots = slots
	idx.log = idx.log.With("component", "seqindex")
	return idx, nil
}

func (idx *Index) slotFor(id session.ID) *slot {
	return &idx.slots[uint64(id)%uint64(idx.capacity)]
}

// RecordReceived records that streamPosition of the inbound carrier
// stream has been indexed as containing, in order, up through seqNum at
// the given sequence index. Idempotent: a streamPosition at or behind
// what is already indexed is a no-op (spec.md §4.1 public contract).
func (idx *Index) RecordReceived(id session.ID, seqNum uint64, seqIdx session.SequenceIndex, streamPosition int64) {
	s := idx.slotFor(id)
	if streamPosition <= s.receivedPos.Load() {
		return
	}
	s.sessionID.Store(uint64(id))
	s.lastReceivedSeq.Store(seqNum)
	s.sequenceIndex.Store(uint32(seqIdx))
	s.receivedPos.Store(streamPosition)
	idx.noteWrite()
}

// RecordSent is RecordReceived's counterpart for the outbound stream.
func (idx *Index) RecordSent(id session.ID, seqNum uint64, seqIdx session.SequenceIndex, streamPosition int64) {
	s := idx.slotFor(id)
	if streamPosition <= s.sentPos.Load() {
		return
	}
	s.sessionID.Store(uint64(id))
	s.lastSentSeq.Store(seqNum)
	s.sequenceIndex.Store(uint32(seqIdx))
	s.sentPos.Store(streamPosition)
	idx.noteWrite()
}

// LastKnownSequenceNumber returns the highest in-order inbound sequence
// number accepted for id. ok is false if the index has no record of id
// (spec.md's UNKNOWN). This is a pure atomic-load snapshot: no locking.
func (idx *Index) LastKnownSequenceNumber(id session.ID) (seqNum uint64, ok bool) {
	s := idx.slotFor(id)
	if s.sessionID.Load() != uint64(id) {
		return 0, false
	}
	return s.lastReceivedSeq.Load(), true
}

// IndexedPosition returns the furthest stream position, across the
// session's two streams, that this index has durably recorded.
func (idx *Index) IndexedPosition(id session.ID) int64 {
	s := idx.slotFor(id)
	if s.sessionID.Load() != uint64(id) {
		return 0
	}
	r, w := s.receivedPos.Load(), s.sentPos.Load()
	if r > w {
		return r
	}
	return w
}

// ResetSequenceNumbers atomically wipes every slot. A subsequent
// LastKnownSequenceNumber call for any session_id returns UNKNOWN, per
// spec.md's round-trip law.
func (idx *Index) ResetSequenceNumbers() {
	for i := range idx.slots {
		s := &idx.slots[i]
		s.sessionID.Store(0)
		s.lastReceivedSeq.Store(0)
		s.lastSentSeq.Store(0)
		s.sequenceIndex.Store(0)
		s.receivedPos.Store(0)
		s.sentPos.Store(0)
	}
	idx.noteWrite()
	if err := idx.Flush(); err != nil {
		idx.log.Error("flush after reset failed", "error", err)
	}
}

// noteWrite bumps the write counter that drives the N-records flush
// trigger and (re)arms the T-millisecond idle-flush timer.
func (idx *Index) noteWrite() {
	idx.mu.Lock()
	idx.writesSinceFlush++
	idx.lastWriteAt = time.Now()
	n := idx.writesSinceFlush
	idx.mu.Unlock()

	if n >= idx.flushEvery {
		if err := idx.Flush(); err != nil {
			idx.log.Error("threshold flush failed", "error", err, "count", n)
		}
		return
	}
	idx.armIdleFlush()
}

func (idx *Index) armIdleFlush() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.timer != nil {
		idx.timer.Stop()
	}
	idx.timer = time.AfterFunc(idx.flushInterval, func() {
		if err := idx.Flush(); err != nil {
			idx.log.Error("idle flush failed", "error", err)
		}
	})
}

// Flush durably commits the in-memory table: write the passing-place
// file, fsync it, then atomically rename it over the canonical path
// (spec.md §4.1 steps 1-3; the rename is the commit point).
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := writeTable(idx.passingPlace, idx.canonicalPath, idx.capacity, idx.slots); err != nil {
		return gatewayerr.Wrapf(gatewayerr.CodeFileSystemCorruption, "seqindex: flush: %w", err)
	}
	idx.writesSinceFlush = 0
	idx.log.Debug("flushed sequence number index")
	return nil
}

// Close flushes (unless disabled by WithoutShutdownFlush) and stops the
// idle-flush timer.
func (idx *Index) Close() error {
	idx.mu.Lock()
	if idx.timer != nil {
		idx.timer.Stop()
	}
	idx.closed = true
	skip := idx.skipShutdownFlush
	idx.mu.Unlock()

	if skip {
		return nil
	}
	return idx.Flush()
}
