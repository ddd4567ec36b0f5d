package replayidx

import "sync/atomic"

// Cursor is a single reader's position in a Ring. Readers never block
// and never lock; every load is atomic, per spec.md §5 "Shared resource
// policy."
type Cursor struct {
	ring   *Ring
	cursor uint64
}

// NewCursor starts a cursor at the ring's current begin_change, i.e. at
// the oldest still-live record.
func (r *Ring) NewCursor() *Cursor {
	return &Cursor{ring: r, cursor: atomic.LoadUint64(r.beginPtr)}
}

// NewCursorAt starts a cursor at an arbitrary logical position, e.g. one
// recovered from a prior replay query. Callers must ensure the position
// is not older than the ring's current begin_change or the very first
// Next call will report a lap.
func (r *Ring) NewCursorAt(position uint64) *Cursor {
	return &Cursor{ring: r, cursor: position}
}

// Position reports the cursor's current logical position.
func (c *Cursor) Position() uint64 { return c.cursor }

// Next returns the next record in logical order. ok is false when the
// cursor has caught up to end_change (nothing more to read yet). lapped
// is true when the writer has overwritten everything between the
// cursor's old position and the ring's current begin_change; per
// spec.md §4.2 the cursor is reset to begin_change and the caller must
// decide whether to retry, abandon the range, or report it as a
// diagnostic (spec.md §4.2 "Failure model").
func (c *Cursor) Next() (rec Record, lapped bool, ok bool) {
	end := atomic.LoadUint64(c.ring.endPtr)
	if c.cursor >= end {
		return Record{}, false, false
	}

	slot := c.cursor % c.ring.capacity
	rec = decodeRecordAt(c.ring.data[c.ring.recordOffset(slot):])

	// Load-fence between the payload read and the second end_change
	// load: sync/atomic loads already carry acquire semantics, so no
	// separate memory barrier call is needed here.
	endAfter := atomic.LoadUint64(c.ring.endPtr)
	begin := atomic.LoadUint64(c.ring.beginPtr)
	if endAfter-c.cursor > c.ring.capacity {
		c.cursor = begin
		return Record{}, true, true
	}

	c.cursor++
	return rec, false, true
}
