// Package fixpwire is the FIXP counterpart to internal/fixwire: the
// collaborator spec.md §1 calls out as out of core scope, translating
// between the SOFH-framed bytes internal/dispatch hands over and the
// decoded internal/fixpsess.Inbound/Outbound structs the acceptor state
// machine operates on.
//
// The retrieved example pack carries no SBE schema for FIX Binary Entry
// Point, so this is a fixed-layout binary encoding that preserves the
// same template/session-id/sequence-number fields a real SBE codec would
// carry, rather than the actual FIX Binary Entry Point wire bytes —
// consistent with this repo's internal/carrier standing in for an
// external archiver (spec.md §5 "Archiver: external, opaque").
package fixpwire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nexusfix/fixgate/internal/fixpsess"
)

const sofhEncodingSBE = 0xCB01

// headerLen is the Simple Open Framing Header: MESSAGE_LENGTH:u16 BE,
// ENCODING:u16 BE (spec.md §6).
const headerLen = 4

// bodyLen is the fixed portion of the body following the SOFH, before
// the variable-length EnteringFirm and RawBody tail.
const bodyLen = 1 + 8 + 4 + 8 + 4 + 8 + 8 + 4 + 8 + 2 // see encode/decode field order below

// Decode parses a complete SOFH-framed FIXP message into an Inbound.
func Decode(frame []byte) (fixpsess.Inbound, error) {
	if len(frame) < headerLen+bodyLen {
		return fixpsess.Inbound{}, fmt.Errorf("fixpwire: frame too short (%d bytes)", len(frame))
	}
	b := frame[headerLen:]

	in := fixpsess.Inbound{
		Template:     fixpsess.MsgTemplate(b[0]),
		SessionID:    binary.BigEndian.Uint64(b[1:9]),
		SessionVerID: binary.BigEndian.Uint32(b[9:13]),
		Timestamp:    time.Unix(0, int64(binary.BigEndian.Uint64(b[13:21]))).UTC(),
		KeepAliveMs:  binary.BigEndian.Uint32(b[21:25]),
		NextSeqNo:    binary.BigEndian.Uint64(b[25:33]),
		FromSeqNo:    binary.BigEndian.Uint64(b[33:41]),
		Count:        binary.BigEndian.Uint32(b[41:45]),
		LastSeqNo:    binary.BigEndian.Uint64(b[45:53]),
	}

	firmLen := binary.BigEndian.Uint16(b[53:55])
	off := headerLen + bodyLen
	if len(frame) < off+int(firmLen) {
		return fixpsess.Inbound{}, fmt.Errorf("fixpwire: entering-firm length %d exceeds frame", firmLen)
	}
	in.EnteringFirm = string(frame[off : off+int(firmLen)])
	in.RawBody = frame[off+int(firmLen):]
	return in, nil
}

// Encode renders an Outbound as a SOFH-framed FIXP message. If out.Raw is
// set, it is the full wire-ready frame of a previously archived message
// and is returned unmodified: a verbatim retransmit (spec.md §4.6
// "replay verbatim from the carrier"), mirroring internal/fixwire's
// verbatim-resend path.
func Encode(out fixpsess.Outbound) []byte {
	if out.Raw != nil {
		return out.Raw
	}

	firm := []byte("") // session-level control messages carry no EnteringFirm on send
	body := make([]byte, bodyLen+len(firm))

	body[0] = byte(out.Template)
	binary.BigEndian.PutUint64(body[1:9], out.SessionID)
	binary.BigEndian.PutUint32(body[9:13], out.SessionVerID)
	binary.BigEndian.PutUint64(body[13:21], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(body[21:25], 0)
	binary.BigEndian.PutUint64(body[25:33], out.NextSentSeq)
	binary.BigEndian.PutUint64(body[33:41], out.FromSeqNo)
	binary.BigEndian.PutUint32(body[41:45], out.Count)
	binary.BigEndian.PutUint64(body[45:53], out.LastSeqNo)
	binary.BigEndian.PutUint16(body[53:55], uint16(len(firm)))
	copy(body[bodyLen:], firm)

	frame := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(frame)))
	binary.BigEndian.PutUint16(frame[2:4], sofhEncodingSBE)
	copy(frame[headerLen:], body)
	return frame
}
