// Package replayidx implements the Replay Index (spec.md §4.2): a
// memory-mapped, fixed-capacity ring of fixed-width records recording
// where on the carrier stream every transmitted/received message lives.
//
// One Ring exists per (session_id, stream_id). Exactly one writer
// (the Indexer agent) appends; any number of readers scan it lock-free,
// detecting a lap the way spec.md §4.2 specifies: by noticing that
// end_change has moved more than a ring's worth ahead of where the
// reader started. The two counters live inside the mapped region itself
// (not just in Go-level fields) so that the ring is the same shared,
// restart-surviving structure the spec describes, following the
// shared-memory counter idiom from the retrieval pack's wait-free ring
// buffer and disruptor sequencer examples.
package replayidx

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nexusfix/fixgate/internal/carrier"
	"github.com/nexusfix/fixgate/internal/session"
)

// Sentinel errors.
var (
	ErrCapacityMismatch = fmt.Errorf("replayidx: existing ring has a different capacity")
	ErrBadMagic         = fmt.Errorf("replayidx: bad header magic")
)

const (
	headerSize     = 4096
	ringMagic      = 0x52504c58 // "RPLX"
	ringVersion    = 1
	recordSize     = 36 // see encodeRecordAt
	beginChangeOff = 16
	endChangeOff   = 24

	// FlagAdmin marks a record as belonging to an administrative (as
	// opposed to business) message, so a retransmission can decide
	// between a single coalesced gap-fill and a verbatim resend
	// (spec.md §4.5 "Retransmission").
	FlagAdmin uint32 = 1 << 0
)

// Record is one entry in the ring: the stream position, protocol
// sequence identity, and carrier extent of one published message
// (spec.md §3 "Replay-index record"), plus a small flags word used to
// tell admin and business messages apart during retransmission.
type Record struct {
	StreamPosition int64
	SequenceIndex  session.SequenceIndex
	SequenceNumber uint64
	RecordingID    carrier.RecordingID
	Length         int32
	Flags          uint32
}

// IsAdmin reports whether the record is flagged as an administrative
// message.
func (r Record) IsAdmin() bool { return r.Flags&FlagAdmin != 0 }

// Ring is a single memory-mapped replay index file.
type Ring struct {
	f        *os.File
	data     []byte
	capacity uint64

	beginPtr *uint64
	endPtr   *uint64
}

// Create makes a brand-new ring file of the given record capacity at path.
func Create(path string, capacity uint64) (*Ring, error) {
	size := headerSize + int64(capacity)*recordSize

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replayidx: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("replayidx: truncate %s: %w", path, err)
	}

	r, err := mapRing(f, capacity)
	if err != nil {
		return nil, err
	}
	r.writeHeader(capacity)
	return r, nil
}

// Open reopens an existing ring file, validating its header.
func Open(path string, capacity uint64) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replayidx: open %s: %w", path, err)
	}

	r, err := mapRing(f, capacity)
	if err != nil {
		return nil, err
	}

	magic := binary.LittleEndian.Uint32(r.data[0:4])
	if magic != ringMagic {
		_ = r.Close()
		return nil, ErrBadMagic
	}
	storedCapacity := binary.LittleEndian.Uint32(r.data[8:12])
	if uint64(storedCapacity) != capacity {
		_ = r.Close()
		return nil, ErrCapacityMismatch
	}
	return r, nil
}

// OpenOrCreate opens path if it exists, else creates it.
func OpenOrCreate(path string, capacity uint64) (*Ring, error) {
	r, err := Open(path, capacity)
	if err == nil {
		return r, nil
	}
	if os.IsNotExist(err) {
		return Create(path, capacity)
	}
	return nil, err
}

func mapRing(f *os.File, capacity uint64) (*Ring, error) {
	size := headerSize + int64(capacity)*recordSize
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("replayidx: mmap: %w", err)
	}

	r := &Ring{
		f:        f,
		data:     data,
		capacity: capacity,
	}
	r.beginPtr = (*uint64)(unsafe.Pointer(&data[beginChangeOff]))
	r.endPtr = (*uint64)(unsafe.Pointer(&data[endChangeOff]))
	return r, nil
}

func (r *Ring) writeHeader(capacity uint64) {
	binary.LittleEndian.PutUint32(r.data[0:4], ringMagic)
	binary.LittleEndian.PutUint32(r.data[4:8], ringVersion)
	binary.LittleEndian.PutUint32(r.data[8:12], uint32(capacity))
}

// Capacity returns the ring's fixed record capacity, C.
func (r *Ring) Capacity() uint64 { return r.capacity }

// BeginChange returns the current begin_change counter (acquire load).
func (r *Ring) BeginChange() uint64 { return atomic.LoadUint64(r.beginPtr) }

// EndChange returns the current end_change counter (acquire load).
func (r *Ring) EndChange() uint64 { return atomic.LoadUint64(r.endPtr) }

// Append commits one record to the ring: write the payload, then
// store-release end_change = end_change + 1 (spec.md §4.2: "A record is
// committed by: write payload → store-release end_change"). On wrap,
// begin_change is advanced first so a concurrent reader never observes
// end_change ahead of a begin_change that hasn't caught up yet.
func (r *Ring) Append(rec Record) {
	end := atomic.LoadUint64(r.endPtr)
	begin := atomic.LoadUint64(r.beginPtr)

	if end-begin >= r.capacity {
		atomic.StoreUint64(r.beginPtr, begin+1)
	}

	slot := end % r.capacity
	encodeRecordAt(r.data[r.recordOffset(slot):], rec)

	atomic.StoreUint64(r.endPtr, end+1)
}

func (r *Ring) recordOffset(slot uint64) int64 {
	return headerSize + int64(slot)*recordSize
}

// Close unmaps and closes the ring file.
func (r *Ring) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		_ = r.f.Close()
		return fmt.Errorf("replayidx: munmap: %w", err)
	}
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("replayidx: close: %w", err)
	}
	return nil
}

func encodeRecordAt(b []byte, rec Record) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(rec.StreamPosition))
	binary.LittleEndian.PutUint32(b[8:12], uint32(rec.SequenceIndex))
	binary.LittleEndian.PutUint64(b[12:20], rec.SequenceNumber)
	binary.LittleEndian.PutUint64(b[20:28], uint64(rec.RecordingID))
	binary.LittleEndian.PutUint32(b[28:32], uint32(rec.Length))
	binary.LittleEndian.PutUint32(b[32:36], rec.Flags)
}

func decodeRecordAt(b []byte) Record {
	return Record{
		StreamPosition: int64(binary.LittleEndian.Uint64(b[0:8])),
		SequenceIndex:  session.SequenceIndex(binary.LittleEndian.Uint32(b[8:12])),
		SequenceNumber: binary.LittleEndian.Uint64(b[12:20]),
		RecordingID:    carrier.RecordingID(binary.LittleEndian.Uint64(b[20:28])),
		Length:         int32(binary.LittleEndian.Uint32(b[28:32])),
		Flags:          binary.LittleEndian.Uint32(b[32:36]),
	}
}
