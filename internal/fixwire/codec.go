// Package fixwire is the collaborator spec.md §1 calls out as explicitly
// out of core scope: translating FIX tag=value bytes (already framed by
// internal/dispatch's SOH splitter) to and from the decoded
// internal/fixsess.Inbound/Outbound structs the session state machine
// operates on.
//
// This is a minimal tag=value codec, not a validating FIX engine: it
// reads the handful of tags fixsess.Inbound needs and writes the handful
// fixsess.Outbound produces, trusting the session layer for everything
// session-semantic (gap detection, PossDup, resends). Grounded on the
// teacher's packet.go (BFD wire layout reader/writer pair kept
// deliberately separate from session.go's state machine).
package fixwire

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/nexusfix/fixgate/internal/fixsess"
)

const soh = 0x01

// timeLayout is the FIX SendingTime format at millisecond precision.
// Every SendingTime and OrigSendingTime is encoded and parsed with this
// single layout; a session's configured Precision does not change it.
const timeLayout = "20060102-15:04:05.000"

// Decode parses one complete SOH-delimited FIX message into an Inbound.
// frame is expected to end with the checksum field (tag 10), as
// guaranteed by internal/dispatch's fixSplitter.
func Decode(frame []byte) (fixsess.Inbound, error) {
	fields := splitFields(frame)

	in := fixsess.Inbound{RawBody: frame}
	for _, f := range fields {
		switch f.tag {
		case 35:
			in.MsgType = fixsess.MsgType(f.value)
		case 49:
			in.SenderCompID = f.value
		case 56:
			in.TargetCompID = f.value
		case 34:
			n, err := strconv.ParseUint(f.value, 10, 32)
			if err != nil {
				return fixsess.Inbound{}, fmt.Errorf("fixwire: parse MsgSeqNum(34): %w", err)
			}
			in.MsgSeqNum = uint32(n)
		case 52:
			t, err := time.Parse(timeLayout, f.value)
			if err == nil {
				in.SendingTime = t
			}
		case 43:
			in.PossDupFlag = f.value == "Y"
		case 123:
			in.GapFillFlag = f.value == "Y"
		case 36:
			n, err := strconv.ParseUint(f.value, 10, 32)
			if err == nil {
				in.NewSeqNo = uint32(n)
			}
		case 112:
			in.TestReqID = f.value
		case 7:
			n, err := strconv.ParseUint(f.value, 10, 32)
			if err == nil {
				in.ResendBegin = uint32(n)
			}
		case 16:
			n, err := strconv.ParseUint(f.value, 10, 32)
			if err == nil {
				in.ResendEnd = uint32(n)
			}
		case 58:
			in.LogoutText = f.value
		}
	}
	return in, nil
}

// Encoder holds the session-identifying fields (BeginString, comp ids)
// that every outbound FIX message in one session carries, so Session
// itself never has to know the wire format.
type Encoder struct {
	BeginString  string
	SenderCompID string
	TargetCompID string
}

// Encode renders an Outbound as SOH-delimited tag=value bytes. If
// out.Raw is set, it is returned unmodified: a verbatim retransmit of an
// archived original (spec.md §4.5 "resends business messages verbatim").
func (e Encoder) Encode(out fixsess.Outbound) []byte {
	if out.Raw != nil {
		return out.Raw
	}

	var body bytes.Buffer
	writeField(&body, 35, string(out.MsgType))
	writeField(&body, 49, e.SenderCompID)
	writeField(&body, 56, e.TargetCompID)
	writeField(&body, 34, strconv.FormatUint(uint64(out.MsgSeqNum), 10))
	if !out.SendingTime.IsZero() {
		writeField(&body, 52, out.SendingTime.UTC().Format(timeLayout))
	}
	if out.PossDupFlag {
		writeField(&body, 43, "Y")
		if !out.OrigSendingTime.IsZero() {
			writeField(&body, 122, out.OrigSendingTime.UTC().Format(timeLayout))
		}
	}
	if out.GapFillFlag {
		writeField(&body, 123, "Y")
		writeField(&body, 36, strconv.FormatUint(uint64(out.NewSeqNo), 10))
	}
	if out.TestReqID != "" {
		writeField(&body, 112, out.TestReqID)
	}
	if out.LogoutText != "" {
		writeField(&body, 58, out.LogoutText)
	}
	if out.ResendBegin != 0 {
		writeField(&body, 7, strconv.FormatUint(uint64(out.ResendBegin), 10))
	}
	if out.ResendEnd != 0 {
		writeField(&body, 16, strconv.FormatUint(uint64(out.ResendEnd), 10))
	}

	header := fmt.Sprintf("8=%s\x019=%d\x01", e.BeginString, body.Len())

	msg := header + body.String()
	return []byte(msg + fmt.Sprintf("10=%03d\x01", fixChecksum([]byte(msg))))
}

// fixChecksum is FIX tag 10: the sum of all preceding bytes, mod 256.
func fixChecksum(b []byte) int {
	var sum int
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

type field struct {
	tag   int
	value string
}

func splitFields(frame []byte) []field {
	var fields []field
	for _, part := range bytes.Split(frame, []byte{soh}) {
		if len(part) == 0 {
			continue
		}
		eq := bytes.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		tag, err := strconv.Atoi(string(part[:eq]))
		if err != nil {
			continue
		}
		fields = append(fields, field{tag: tag, value: string(part[eq+1:])})
	}
	return fields
}

func writeField(buf *bytes.Buffer, tag int, value string) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(soh)
}
