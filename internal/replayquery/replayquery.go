// Package replayquery implements the Replay Query (spec.md §4.3):
// turning a sequence-number range into a short list of carrier extents
// suitable for issuing an archive replay, by scanning a session's
// Replay Index ring.
package replayquery

import (
	"fmt"

	"github.com/nexusfix/fixgate/internal/carrier"
	"github.com/nexusfix/fixgate/internal/replayidx"
	"github.com/nexusfix/fixgate/internal/session"
)

// Latest marks an open-ended end of range: "through whatever is most
// recently indexed."
const Latest = ^uint64(0)

// Bound identifies one end of a query range by sequence identity.
type Bound struct {
	SequenceIndex  session.SequenceIndex
	SequenceNumber uint64
}

// ErrLapped is returned when the ring lapped the reader mid-scan; the
// spec leaves the response to this up to the caller (retry, abandon,
// or report as a diagnostic — spec.md §4.2 "Failure model").
var ErrLapped = fmt.Errorf("replayquery: reader lapped during scan")

// RecordingRange is a contiguous extent suitable for an archive replay
// request: (recording_id, begin_position, length), plus how many
// distinct sequence numbers it covers for caller-side accounting.
type RecordingRange struct {
	RecordingID      carrier.RecordingID
	BeginPosition    int64
	Length           int32
	ExpectedMsgCount int
}

// Query maps [begin, end] to coalesced RecordingRanges by scanning the
// ring in logical order (spec.md §4.3 algorithm). end.SequenceNumber
// may be Latest.
//
// spec.md §4.3 step 2 describes jumping forward by
// (begin.sequence_number - e.sequence_number) x RECORD_LEN once the
// scan reaches begin's sequence_index, rather than discarding one
// record at a time. Since replayidx.Cursor only exposes a single-step
// Next, this implementation keeps the simpler one-record-at-a-time
// discard; it is semantically identical, just not the constant-time
// skip the spec allows for.
func Query(ring *replayidx.Ring, begin, end Bound) ([]RecordingRange, error) {
	cur := ring.NewCursor()

	var ranges []RecordingRange
	var active *RecordingRange
	lastSeqNum := uint64(0)
	haveLastSeqNum := false

	for {
		rec, lapped, ok := cur.Next()
		if lapped {
			return nil, ErrLapped
		}
		if !ok {
			break
		}

		if before(rec, begin) {
			continue
		}
		if end.SequenceNumber != Latest && after(rec, end) {
			break
		}

		if active == nil || active.RecordingID != rec.RecordingID {
			if active != nil {
				ranges = append(ranges, *active)
			}
			active = &RecordingRange{
				RecordingID:   rec.RecordingID,
				BeginPosition: rec.StreamPosition,
				Length:        rec.Length,
			}
		} else {
			active.Length += rec.Length
		}

		if !haveLastSeqNum || rec.SequenceNumber != lastSeqNum {
			active.ExpectedMsgCount++
			lastSeqNum = rec.SequenceNumber
			haveLastSeqNum = true
		}
	}
	if active != nil {
		ranges = append(ranges, *active)
	}
	return ranges, nil
}

// StartPositions scans the whole ring and returns, for the highest
// observed sequence_index only, the earliest live position per
// recording id — the variant spec.md §4.3 describes for pruning archive
// recordings that are no longer needed.
func StartPositions(ring *replayidx.Ring) (map[carrier.RecordingID]int64, error) {
	cur := ring.NewCursor()

	highestIndex := session.SequenceIndex(0)
	seen := false
	starts := make(map[carrier.RecordingID]int64)

	for {
		rec, lapped, ok := cur.Next()
		if lapped {
			return nil, ErrLapped
		}
		if !ok {
			break
		}

		switch {
		case !seen || rec.SequenceIndex > highestIndex:
			highestIndex = rec.SequenceIndex
			seen = true
			starts = map[carrier.RecordingID]int64{rec.RecordingID: rec.StreamPosition}
		case rec.SequenceIndex == highestIndex:
			if existing, ok := starts[rec.RecordingID]; !ok || rec.StreamPosition < existing {
				starts[rec.RecordingID] = rec.StreamPosition
			}
		}
	}
	return starts, nil
}

func before(rec replayidx.Record, b Bound) bool {
	if rec.SequenceIndex != b.SequenceIndex {
		return rec.SequenceIndex < b.SequenceIndex
	}
	return rec.SequenceNumber < b.SequenceNumber
}

func after(rec replayidx.Record, b Bound) bool {
	if rec.SequenceIndex != b.SequenceIndex {
		return rec.SequenceIndex > b.SequenceIndex
	}
	return rec.SequenceNumber > b.SequenceNumber
}
