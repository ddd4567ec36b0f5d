// Package recording implements the Recording Coordinator (spec.md
// §4.4): assigning each carrier stream session to an archive recording,
// and reusing recordings already on disk across restarts so a
// counterparty's sequence space never appears to reset just because the
// archive process restarted.
//
// Its free/used bookkeeping is grounded on the same shape the teacher's
// DiscriminatorAllocator uses for tracking allocated ids, generalized
// from a single allocated-set to the two-set free/used model spec.md
// §4.4 describes, and persisted the way the teacher persists config: a
// small schema-headered file, committed with the same write-temp,
// fsync, atomic-rename discipline used throughout this engine.
package recording

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nexusfix/fixgate/internal/carrier"
)

const (
	stateMagic   = 0x52434452 // "RCDR"
	stateVersion = 1
)

// Coordinator owns the free/used recording-id sets for one engine.
type Coordinator struct {
	path  string
	store *carrier.Store
	log   *slog.Logger

	mu     sync.Mutex
	free   map[carrier.RecordingID]struct{}
	used   map[carrier.RecordingID]struct{}
	nextID carrier.RecordingID
}

// Open loads path if present (an engine restart), or starts from an
// empty state (a fresh engine) backed by store.
func Open(path string, store *carrier.Store, log *slog.Logger) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		path:   path,
		store:  store,
		log:    log.With("component", "recording"),
		free:   make(map[carrier.RecordingID]struct{}),
		used:   make(map[carrier.RecordingID]struct{}),
		nextID: 1,
	}

	free, used, nextID, err := readState(path)
	switch {
	case err == nil:
		c.free, c.used, c.nextID = free, used, nextID
	case os.IsNotExist(err):
		// Fresh engine: empty state is correct.
	default:
		return nil, fmt.Errorf("recording: load state %s: %w", path, err)
	}
	return c, nil
}

// Assign hands a stream a recording to publish into: a free, previously
// used recording if one is available (extended rather than restarted,
// per spec.md §4.4 "On startup"), or a freshly allocated one otherwise.
func (c *Coordinator) Assign() (*carrier.Recording, carrier.RecordingID, error) {
	c.mu.Lock()
	var id carrier.RecordingID
	reused := false
	for candidate := range c.free {
		id = candidate
		reused = true
		break
	}
	if reused {
		delete(c.free, id)
	} else {
		id = c.nextID
		c.nextID++
	}
	c.used[id] = struct{}{}
	c.mu.Unlock()

	rec, err := c.store.OpenOrCreate(id)
	if err != nil {
		c.mu.Lock()
		delete(c.used, id)
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("recording: assign %d: %w", id, err)
	}

	c.log.Info("assigned recording", "recording_id", id, "reused", reused, "stop_position", rec.StopPosition())
	return rec, id, nil
}

// Release returns a recording to the free set, e.g. once a publication
// has reached its committed completion position on graceful shutdown
// (spec.md §4.4 "On shutdown").
func (c *Coordinator) Release(id carrier.RecordingID) {
	c.mu.Lock()
	delete(c.used, id)
	c.free[id] = struct{}{}
	c.mu.Unlock()
}

// Persist writes used ∪ free back to disk via write-temp, fsync,
// atomic-rename.
func (c *Coordinator) Persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeState(c.path, c.free, c.used, c.nextID)
}

// Close persists the current state. Call during a graceful shutdown
// after releasing every session's recording.
func (c *Coordinator) Close() error {
	return c.Persist()
}

func readState(path string) (free, used map[carrier.RecordingID]struct{}, nextID carrier.RecordingID, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(data) < 20 {
		return nil, nil, 0, fmt.Errorf("recording: state file too short (%d bytes)", len(data))
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != stateMagic {
		return nil, nil, 0, fmt.Errorf("recording: bad magic %#x", magic)
	}
	if version := binary.BigEndian.Uint32(data[4:8]); version != stateVersion {
		return nil, nil, 0, fmt.Errorf("recording: unsupported version %d", version)
	}
	nextID = carrier.RecordingID(binary.BigEndian.Uint64(data[8:16]))
	freeCount := binary.BigEndian.Uint32(data[16:20])

	offset := 20
	free = make(map[carrier.RecordingID]struct{}, freeCount)
	for i := uint32(0); i < freeCount; i++ {
		if offset+8 > len(data) {
			return nil, nil, 0, fmt.Errorf("recording: truncated free set")
		}
		free[carrier.RecordingID(binary.BigEndian.Uint64(data[offset:offset+8]))] = struct{}{}
		offset += 8
	}
	if offset+4 > len(data) {
		return nil, nil, 0, fmt.Errorf("recording: truncated used count")
	}
	usedCount := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	used = make(map[carrier.RecordingID]struct{}, usedCount)
	for i := uint32(0); i < usedCount; i++ {
		if offset+8 > len(data) {
			return nil, nil, 0, fmt.Errorf("recording: truncated used set")
		}
		used[carrier.RecordingID(binary.BigEndian.Uint64(data[offset:offset+8]))] = struct{}{}
		offset += 8
	}
	return free, used, nextID, nil
}

func writeState(path string, free, used map[carrier.RecordingID]struct{}, nextID carrier.RecordingID) error {
	size := 20 + len(free)*8 + 4 + len(used)*8
	buf := make([]byte, size)

	binary.BigEndian.PutUint32(buf[0:4], stateMagic)
	binary.BigEndian.PutUint32(buf[4:8], stateVersion)
	binary.BigEndian.PutUint64(buf[8:16], uint64(nextID))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(free)))

	offset := 20
	for id := range free {
		binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(id))
		offset += 8
	}
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(used)))
	offset += 4
	for id := range used {
		binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(id))
		offset += 8
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("recording: open temp state: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("recording: write temp state: %w", err)
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		_ = f.Close()
		return fmt.Errorf("recording: fsync temp state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("recording: close temp state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("recording: commit state rename: %w", err)
	}
	return nil
}
