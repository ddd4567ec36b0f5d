// Package carrier is the thinnest possible stand-in for the external
// recording archive that spec.md §1 names as a collaborator and §5
// treats as "external; treated as an opaque recording service."
//
// The real system streams framed bytes through a generic shared-memory
// log with positions and recording identifiers (an Aeron Archive, in the
// teacher's world). That transport is explicitly out of core scope. What
// the Sequence-Number Index, Replay Index and Replay Query all need from
// it is narrow: append bytes to a named recording and get back the
// position they landed at, and later read an arbitrary extent back out
// byte-for-byte. This package provides exactly that, backed by a plain
// append-only file per recording, so the core indexing and replay logic
// can be built and tested end-to-end without a real archive running.
package carrier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// RecordingID identifies one archive recording: the unit of persistent
// log storage for one carrier stream session (spec.md GLOSSARY).
type RecordingID uint64

// Sentinel errors for carrier operations.
var (
	// ErrRecordingNotFound indicates no recording exists with the given id.
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrRecordingExists indicates a recording already exists with the given id.
	ErrRecordingExists = errors.New("recording already exists")

	// ErrShortRead indicates fewer bytes were available than requested.
	ErrShortRead = errors.New("short read: recording does not extend to requested length")
)

// Store manages recordings under a single base directory. One Store
// per running engine; each recording is its own file.
type Store struct {
	dir string

	mu         sync.RWMutex
	recordings map[RecordingID]*Recording
}

// NewStore opens (creating if necessary) a recording store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("carrier: create store dir %s: %w", dir, err)
	}
	return &Store{dir: dir, recordings: make(map[RecordingID]*Recording)}, nil
}

func (s *Store) path(id RecordingID) string {
	return filepath.Join(s.dir, fmt.Sprintf("recording-%020d.log", uint64(id)))
}

// Create starts a brand-new, empty recording. Returns ErrRecordingExists
// if the id is already in use.
func (s *Store) Create(id RecordingID) (*Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recordings[id]; ok {
		return nil, fmt.Errorf("carrier: create %d: %w", id, ErrRecordingExists)
	}

	f, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("carrier: create %d: %w", id, err)
	}

	r := &Recording{id: id, f: f}
	s.recordings[id] = r
	return r, nil
}

// Open reopens an existing recording for extension, positioned at its
// current stop position (the "extending rather than starting a fresh
// recording" behaviour spec.md §4.4 requires across restarts).
func (s *Store) Open(id RecordingID) (*Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.recordings[id]; ok {
		return r, nil
	}

	f, err := os.OpenFile(s.path(id), os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("carrier: open %d: %w", id, ErrRecordingNotFound)
		}
		return nil, fmt.Errorf("carrier: open %d: %w", id, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("carrier: stat %d: %w", id, err)
	}

	r := &Recording{id: id, f: f, stopPosition: fi.Size()}
	s.recordings[id] = r
	return r, nil
}

// OpenOrCreate returns the existing recording for id, extending it, or
// creates a fresh one if none exists yet.
func (s *Store) OpenOrCreate(id RecordingID) (*Recording, error) {
	r, err := s.Open(id)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, ErrRecordingNotFound) {
		return s.Create(id)
	}
	return nil, err
}

// Exists reports whether a recording with the given id is known to the store.
func (s *Store) Exists(id RecordingID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recordings[id]
	return ok
}

// Close closes every open recording.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, r := range s.recordings {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Recording is a single append-only, position-addressed byte log.
// One writer at a time (enforced by the caller — the Recording
// Coordinator hands a given recording to exactly one active stream),
// any number of concurrent readers via ReadAt.
type Recording struct {
	id RecordingID

	mu           sync.Mutex
	f            *os.File
	stopPosition int64
}

// ID returns the recording's identifier.
func (r *Recording) ID() RecordingID { return r.id }

// StopPosition returns the position just past the last committed byte.
func (r *Recording) StopPosition() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopPosition
}

// Append writes b to the end of the recording and fsyncs it, returning
// the position at which b begins. Durable on return: a crash after
// Append returns will not lose the bytes.
func (r *Recording) Append(b []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos := r.stopPosition
	if _, err := r.f.WriteAt(b, pos); err != nil {
		return 0, fmt.Errorf("carrier: append to recording %d: %w", r.id, err)
	}
	if err := fsync(r.f); err != nil {
		return 0, fmt.Errorf("carrier: fsync recording %d: %w", r.id, err)
	}

	r.stopPosition = pos + int64(len(b))
	return pos, nil
}

// ReadAt reads exactly length bytes starting at position. Returns
// ErrShortRead if the recording does not yet extend that far.
func (r *Recording) ReadAt(position int64, length int32) ([]byte, error) {
	r.mu.Lock()
	stop := r.stopPosition
	r.mu.Unlock()

	if position+int64(length) > stop {
		return nil, fmt.Errorf("carrier: read recording %d at %d len %d: %w",
			r.id, position, length, ErrShortRead)
	}

	buf := make([]byte, length)
	if _, err := r.f.ReadAt(buf, position); err != nil {
		return nil, fmt.Errorf("carrier: read recording %d: %w", r.id, err)
	}
	return buf, nil
}

// Close closes the underlying file.
func (r *Recording) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("carrier: close recording %d: %w", r.id, err)
	}
	return nil
}

// fsync flushes f's data and metadata to stable storage.
func fsync(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}
