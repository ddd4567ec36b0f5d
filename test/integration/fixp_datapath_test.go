//go:build integration

package integration_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nexusfix/fixgate/internal/config"
	"github.com/nexusfix/fixgate/internal/dispatch"
	"github.com/nexusfix/fixgate/internal/engine"
	"github.com/nexusfix/fixgate/internal/fixpsess"
	"github.com/nexusfix/fixgate/internal/fixpwire"
)

func fixpTestConfig(t *testing.T, sessionID uint64) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.LogFileDir = t.TempDir()
	cfg.Sessions = []config.SessionConfig{{
		Protocol:                 "fixp",
		FIXPSessionID:            sessionID,
		KeepAliveMin:             time.Second,
		KeepAliveMax:             time.Minute,
		NoLogonDisconnectTimeout: 5 * time.Second,
	}}
	return cfg
}

// readFIXPFrame reads one SOFH-framed FIXP message: a 2-byte big-endian
// length prefix followed by (length-2) more bytes.
func readFIXPFrame(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()

	frame, err := tryReadFIXPFrame(r)
	if err != nil {
		t.Fatalf("read FIXP frame: %v", err)
	}
	return frame
}

// tryReadFIXPFrame is readFIXPFrame without the fatal test dependency,
// for callers (like a duplicate-negotiate retry loop) that expect the
// connection to sometimes close before a reply ever arrives.
func tryReadFIXPFrame(r *bufio.Reader) ([]byte, error) {
	header, err := r.Peek(2)
	if err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint16(header))

	frame := make([]byte, total)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// TestFIXPNegotiateEstablishBusinessTerminate replays scenario (c): a
// full negotiate -> establish -> business -> terminate round trip.
func TestFIXPNegotiateEstablishBusinessTerminate(t *testing.T) {
	const sessionID = 1
	cfg := fixpTestConfig(t, sessionID)

	e, err := engine.New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer e.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Dispatcher().Serve(ctx, ln, dispatch.ProtocolFIXP)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	// NEGOTIATE(session_id=1, session_ver_id=1).
	negotiate := fixpwire.Encode(fixpsess.Outbound{
		Template: fixpsess.TemplateNegotiate, SessionID: sessionID, SessionVerID: 1,
	})
	if _, err := conn.Write(negotiate); err != nil {
		t.Fatalf("write negotiate: %v", err)
	}
	resp, err := fixpwire.Decode(readFIXPFrame(t, r))
	if err != nil {
		t.Fatalf("decode negotiate response: %v", err)
	}
	if resp.Template != fixpsess.TemplateNegotiateResponse {
		t.Fatalf("template = %v, want NegotiateResponse", resp.Template)
	}

	// ESTABLISH(keep_alive=10000ms).
	establish := fixpwire.Encode(fixpsess.Outbound{
		Template: fixpsess.TemplateEstablish, SessionID: sessionID, SessionVerID: 1,
	})
	establish = patchKeepAlive(establish, 10000)
	if _, err := conn.Write(establish); err != nil {
		t.Fatalf("write establish: %v", err)
	}
	ack, err := fixpwire.Decode(readFIXPFrame(t, r))
	if err != nil {
		t.Fatalf("decode establish ack: %v", err)
	}
	if ack.Template != fixpsess.TemplateEstablishAck {
		t.Fatalf("template = %v, want EstablishAck", ack.Template)
	}

	// A business-layer message (opaque to this gateway): seq 1.
	order := fixpwire.Encode(fixpsess.Outbound{
		Template: fixpsess.TemplateBusiness, SessionID: sessionID, SessionVerID: 1,
		NextSentSeq: 1, Raw: nil,
	})
	order = patchBusinessPayload(order, 1, []byte("NEW_ORDER_SINGLE cl_ord_id=42"))
	if _, err := conn.Write(order); err != nil {
		t.Fatalf("write business message: %v", err)
	}

	// TERMINATE.
	terminate := fixpwire.Encode(fixpsess.Outbound{
		Template: fixpsess.TemplateTerminate, SessionID: sessionID, SessionVerID: 1,
	})
	if _, err := conn.Write(terminate); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	termReply, err := fixpwire.Decode(readFIXPFrame(t, r))
	if err != nil {
		t.Fatalf("decode terminate reply: %v", err)
	}
	if termReply.Template != fixpsess.TemplateTerminate {
		t.Fatalf("template = %v, want Terminate", termReply.Template)
	}
}

// TestFIXPDuplicateNegotiateRejected replays scenario (e): a second
// negotiate with the same session_ver_id is rejected, then a
// negotiate with a higher session_ver_id succeeds.
func TestFIXPDuplicateNegotiateRejected(t *testing.T) {
	const sessionID = 2
	cfg := fixpTestConfig(t, sessionID)

	e, err := engine.New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer e.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Dispatcher().Serve(ctx, ln, dispatch.ProtocolFIXP)

	negotiateOver := func(verID uint32) (fixpsess.Inbound, error) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		frame := fixpwire.Encode(fixpsess.Outbound{
			Template: fixpsess.TemplateNegotiate, SessionID: sessionID, SessionVerID: verID,
		})
		if _, err := conn.Write(frame); err != nil {
			t.Fatalf("write negotiate: %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		frame, err := tryReadFIXPFrame(bufio.NewReader(conn))
		if err != nil {
			return fixpsess.Inbound{}, err
		}
		return fixpwire.Decode(frame)
	}

	first, err := negotiateOver(1)
	if err != nil {
		t.Fatalf("first negotiate: %v", err)
	}
	if first.Template != fixpsess.TemplateNegotiateResponse {
		t.Fatalf("first negotiate template = %v, want NegotiateResponse", first.Template)
	}

	// Retry the duplicate negotiate briefly: the prior connection's
	// ownership release is asynchronous (observed on ConnectionClosed),
	// so a second Bind attempted before that lands would otherwise be
	// refused as a cross-library duplicate rather than reaching the
	// version check this scenario targets.
	deadline := time.Now().Add(2 * time.Second)
	var dup fixpsess.Inbound
	for time.Now().Before(deadline) {
		dup, err = negotiateOver(1)
		if err == nil && dup.Template == fixpsess.TemplateNegotiateReject {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if dup.Template != fixpsess.TemplateNegotiateReject {
		t.Fatalf("duplicate negotiate template = %v, want NegotiateReject", dup.Template)
	}

	third, err := negotiateOver(2)
	if err != nil {
		t.Fatalf("third negotiate: %v", err)
	}
	if third.Template != fixpsess.TemplateNegotiateResponse {
		t.Fatalf("renegotiate with higher version template = %v, want NegotiateResponse", third.Template)
	}
}

// patchKeepAlive overwrites the KeepAliveMs field in an already-encoded
// frame (fixpwire.Encode has no direct Outbound field for it since
// Session only reads it off Inbound, never sends its own).
func patchKeepAlive(frame []byte, ms uint32) []byte {
	binary.BigEndian.PutUint32(frame[4+21:4+25], ms)
	return frame
}

// patchBusinessPayload appends an opaque application-layer body after
// the fixed FIXP header so handleBusiness archives something.
func patchBusinessPayload(frame []byte, seq uint64, payload []byte) []byte {
	binary.BigEndian.PutUint64(frame[4+25:4+33], seq)
	out := append(frame, payload...)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(out)))
	return out
}
