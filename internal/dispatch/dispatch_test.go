package dispatch_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nexusfix/fixgate/internal/dispatch"
	"github.com/nexusfix/fixgate/internal/gatewayerr"
)

type recordingHandler struct {
	mu     sync.Mutex
	frames [][]byte
	closed []dispatch.ConnID

	failFirstN int
	calls      int
}

func (h *recordingHandler) HandleFrame(id dispatch.ConnID, protocol dispatch.Protocol, raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failFirstN {
		return gatewayerr.New(gatewayerr.CodeBackpressure, nil)
	}
	frame := make([]byte, len(raw))
	copy(frame, raw)
	h.frames = append(h.frames, frame)
	return nil
}

func (h *recordingHandler) ConnectionClosed(id dispatch.ConnID, reason dispatch.DisconnectReason, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, id)
}

func (h *recordingHandler) snapshot() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames))
	copy(out, h.frames)
	return out
}

func TestDispatcherDeliversFIXFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := &recordingHandler{}
	d := dispatch.New(handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx, ln, dispatch.ProtocolFIX)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("8=FIX.4.2\x019=5\x0135=A\x0110=128\x01")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(handler.snapshot()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	frames := handler.snapshot()
	if len(frames) != 1 || string(frames[0]) != string(msg) {
		t.Fatalf("frames = %q, want [%q]", frames, msg)
	}
}

func TestDispatcherRetriesOnBackpressureWithoutDroppingFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := &recordingHandler{failFirstN: 2}
	d := dispatch.New(handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx, ln, dispatch.ProtocolFIX)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("8=FIX.4.2\x019=5\x0135=A\x0110=128\x01")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(handler.snapshot()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	frames := handler.snapshot()
	if len(frames) != 1 || string(frames[0]) != string(msg) {
		t.Fatalf("frames = %q, want exactly one copy of %q after backpressure retry", frames, msg)
	}
}
