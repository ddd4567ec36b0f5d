// Package dispatch implements the Receiver Dispatcher (spec.md §4.7):
// accepts connections, splits the byte stream into discrete frames per
// protocol's framing rule, and hands each frame to a FrameHandler.
//
// Grounded on the teacher's internal/netio/listener.go + receiver.go (a
// context-aware Recv loop per listener, pooled/validated reads, errors
// logged rather than fatal) and sender.go (backpressure-aware write
// path). The spec models the dispatcher as a single-threaded I/O poller
// that marks a backpressured endpoint and retries it exclusively until
// drained; the Go-idiomatic equivalent the teacher itself uses is one
// goroutine per connection; retrying "exclusively" falls out naturally
// from that goroutine blocking on its own endpoint until HandleFrame
// stops reporting CodeBackpressure, without touching any other
// connection's goroutine.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusfix/fixgate/internal/gatewayerr"
)

// Protocol selects which frame splitter a connection uses.
type Protocol uint8

const (
	ProtocolFIX Protocol = iota + 1
	ProtocolFIXP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolFIX:
		return "FIX"
	case ProtocolFIXP:
		return "FIXP"
	default:
		return "UNKNOWN"
	}
}

// ConnID identifies one accepted connection for the lifetime of the
// process.
type ConnID uint64

// FrameHandler receives one already-framed, not-yet-decoded message per
// call. Returning a *gatewayerr.GatewayError with CodeBackpressure tells
// the dispatcher to retry the same frame after a short delay rather than
// drop it or tear the connection down (spec.md §4.7 "the poller retries
// that endpoint exclusively until its pending frames are drained").
type FrameHandler interface {
	HandleFrame(id ConnID, protocol Protocol, raw []byte) error
	// ConnectionClosed notifies the handler a connection is gone, so it
	// can release any session binding keyed by id.
	ConnectionClosed(id ConnID, reason DisconnectReason, err error)
}

// DisconnectReason classifies why a connection was torn down, reusing
// the engine-wide error taxonomy (spec.md §7) rather than inventing a
// parallel enum. A plain peer-initiated close (EOF with no framing
// error) is reported as gatewayerr.CodeProtocol with a nil Err.
type DisconnectReason = gatewayerr.Code

var backpressureRetryInterval = 5 * time.Millisecond

type endpoint struct {
	conn     net.Conn
	protocol Protocol
}

// Dispatcher owns the accept loops and per-connection read loops for
// every listening protocol.
type Dispatcher struct {
	log     *slog.Logger
	handler FrameHandler

	nextConnID atomic.Uint64

	mu        sync.Mutex
	endpoints map[ConnID]*endpoint
}

// New builds a Dispatcher that delivers frames to handler.
func New(handler FrameHandler, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:       log.With("component", "dispatch"),
		handler:   handler,
		endpoints: make(map[ConnID]*endpoint),
	}
}

// Serve accepts connections on ln, framing each with protocol's splitter,
// until ctx is cancelled or Accept fails permanently.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener, protocol Protocol) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatch: accept: %w", err)
		}

		id := ConnID(d.nextConnID.Add(1))
		ep := &endpoint{conn: conn, protocol: protocol}
		d.mu.Lock()
		d.endpoints[id] = ep
		d.mu.Unlock()

		go d.serveConn(ctx, id, ep)
	}
}

// Send writes raw bytes to the connection identified by id. Used by the
// owning session to transmit without the protocol layer knowing about
// net.Conn directly.
func (d *Dispatcher) Send(id ConnID, raw []byte) error {
	d.mu.Lock()
	ep, ok := d.endpoints[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatch: unknown connection %d", id)
	}
	_, err := ep.conn.Write(raw)
	if err != nil {
		return gatewayerr.Wrapf(gatewayerr.CodeProtocol, "dispatch: write to conn %d: %w", id, err)
	}
	return nil
}

// Disconnect closes the connection identified by id, as the owning
// session or an admin operation might request.
func (d *Dispatcher) Disconnect(id ConnID, reason DisconnectReason) {
	d.mu.Lock()
	ep, ok := d.endpoints[id]
	d.mu.Unlock()
	if !ok {
		return
	}
	d.log.Debug("disconnect requested", "conn_id", id, "reason", reason)
	_ = ep.conn.Close()
}

func (d *Dispatcher) serveConn(ctx context.Context, id ConnID, ep *endpoint) {
	var teardownErr error
	reason := gatewayerr.CodeProtocol
	defer func() {
		d.mu.Lock()
		delete(d.endpoints, id)
		d.mu.Unlock()
		_ = ep.conn.Close()
		d.handler.ConnectionClosed(id, reason, teardownErr)
	}()

	reader := bufio.NewReaderSize(ep.conn, 4096)
	splitter := splitterFor(ep.protocol)

	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := splitter.Next(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				teardownErr = err
				d.log.Debug("frame split failed", "conn_id", id, "error", err)
			}
			return
		}

		d.deliver(id, ep.protocol, frame)
	}
}

// deliver hands one frame to the handler, retrying only on backpressure
// and only against this connection's own goroutine — no other
// connection is slowed down by one endpoint's carrier being full.
func (d *Dispatcher) deliver(id ConnID, protocol Protocol, frame []byte) {
	for {
		err := d.handler.HandleFrame(id, protocol, frame)
		if err == nil {
			return
		}
		if gatewayerr.Is(err, gatewayerr.CodeBackpressure) {
			time.Sleep(backpressureRetryInterval)
			continue
		}
		d.log.Warn("frame handler error", "conn_id", id, "error", err)
		return
	}
}
