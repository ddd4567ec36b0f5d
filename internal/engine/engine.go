// Package engine wires the eight core components spec.md §2 lists
// (Sequence-Number Index, Replay Index, Replay Query, Recording
// Coordinator, the two protocol state machines, the Receiver Dispatcher,
// the Gateway Sessions Registry) into one running gateway, and is the
// concrete internal/adminserver.Engine implementation cmd/fixgated
// starts. It plays the role the teacher's internal/bfd.Manager plays for
// bfd.Session: the one object that knows how to create, look up, and
// tear down a session end to end.
package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nexusfix/fixgate/internal/carrier"
	"github.com/nexusfix/fixgate/internal/config"
	"github.com/nexusfix/fixgate/internal/dispatch"
	"github.com/nexusfix/fixgate/internal/fixpsess"
	"github.com/nexusfix/fixgate/internal/fixpwire"
	"github.com/nexusfix/fixgate/internal/fixsess"
	"github.com/nexusfix/fixgate/internal/fixwire"
	"github.com/nexusfix/fixgate/internal/gatewayerr"
	"github.com/nexusfix/fixgate/internal/metrics"
	"github.com/nexusfix/fixgate/internal/recording"
	"github.com/nexusfix/fixgate/internal/registry"
	"github.com/nexusfix/fixgate/internal/replayidx"
	"github.com/nexusfix/fixgate/internal/replayquery"
	"github.com/nexusfix/fixgate/internal/seqindex"
	"github.com/nexusfix/fixgate/internal/session"
)

// ringCapacity is the replay-index ring's slot count. Exposed as a var,
// not a config knob, following the teacher's convention of fixing
// structural sizes and only exposing tuning knobs for policy (replay
// limit, flush interval).
var ringCapacity uint64 = 1 << 16

// allowAllAuthenticator is the Authenticator collaborator spec.md §1
// calls out as out of core scope (auth callbacks); this engine accepts
// every NEGOTIATE/ESTABLISH unconditionally, leaving real credential
// checks to an embedding application that supplies its own
// fixpsess.Authenticator.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(fixpsess.Inbound) error { return nil }

// sessionRuntime pairs a running protocol Session with the rings it was
// built from, so PruneArchive can scan them without re-deriving paths.
type sessionRuntime struct {
	key     session.Key
	fix     *fixsess.Session
	fixp    *fixpsess.Session
	ringIn  *replayidx.Ring
	ringOut *replayidx.Ring
}

// Engine owns the registry, sequence-number index, carrier store,
// recording coordinator and dispatcher for one running gateway.
type Engine struct {
	log     *slog.Logger
	metrics *metrics.Collector
	cfg     *config.Config

	registry     *registry.Registry
	seqIdx       *seqindex.Index
	carrierStore *carrier.Store
	coordinator  *recording.Coordinator
	dispatcher   *dispatch.Dispatcher

	mu      sync.RWMutex
	byConn  map[dispatch.ConnID]*sessionRuntime
	configs map[string]config.SessionConfig // keyed by SessionConfig.SessionKey()
}

// New opens the on-disk index/archive/coordinator state rooted at
// cfg.Engine.LogFileDir and returns a ready-to-run Engine. The Dispatcher
// is created but not yet serving; call Serve per listener.
func New(cfg *config.Config, log *slog.Logger, mc *metrics.Collector) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "engine")

	seqDir := filepath.Join(cfg.Engine.LogFileDir, "seqindex")
	seqIdx, err := seqindex.Open(seqDir, 4096,
		seqindex.WithFlushInterval(time.Duration(cfg.Engine.IndexFlushIntervalMs)*time.Millisecond),
		seqindex.WithFlushEvery(cfg.Engine.IndexFlushRecords),
		seqindex.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: open sequence-number index: %w", err)
	}

	archiveDir := filepath.Join(cfg.Engine.LogFileDir, "archive")
	store, err := carrier.NewStore(archiveDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open carrier store: %w", err)
	}

	coordPath := filepath.Join(cfg.Engine.LogFileDir, "recording_coordinator")
	coordinator, err := recording.Open(coordPath, store, log)
	if err != nil {
		return nil, fmt.Errorf("engine: open recording coordinator: %w", err)
	}

	e := &Engine{
		log:          log,
		metrics:      mc,
		cfg:          cfg,
		registry:     registry.New(),
		seqIdx:       seqIdx,
		carrierStore: store,
		coordinator:  coordinator,
		byConn:       make(map[dispatch.ConnID]*sessionRuntime),
		configs:      make(map[string]config.SessionConfig),
	}
	e.dispatcher = dispatch.New(e, log)

	for _, sc := range cfg.Sessions {
		e.configs[sc.SessionKey()] = sc
	}

	return e, nil
}

// Dispatcher returns the Receiver Dispatcher, for cmd/fixgated to Serve
// listeners on.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Close flushes the sequence-number index and persists the recording
// coordinator's free/used bookkeeping. Called during graceful shutdown.
func (e *Engine) Close() error {
	if err := e.coordinator.Persist(); err != nil {
		e.log.Warn("recording coordinator persist failed", "error", err)
	}
	return e.seqIdx.Close()
}

// HandleFrame implements dispatch.FrameHandler: decode the frame's
// session-identifying fields, bind or look up the owning Session, and
// forward. The first frame on a connection must be a logon/negotiate;
// anything else arriving on an unbound connection is a protocol error.
func (e *Engine) HandleFrame(id dispatch.ConnID, protocol dispatch.Protocol, raw []byte) error {
	e.mu.RLock()
	rt, bound := e.byConn[id]
	e.mu.RUnlock()

	if bound {
		if rt.fix != nil {
			in, err := fixwire.Decode(raw)
			if err != nil {
				return gatewayerr.New(gatewayerr.CodeProtocol, err)
			}
			return rt.fix.HandleInbound(in)
		}
		in, err := fixpwire.Decode(raw)
		if err != nil {
			return gatewayerr.New(gatewayerr.CodeProtocol, err)
		}
		handleErr := rt.fixp.HandleInbound(in)
		e.markEndedIfFinished(rt)
		return handleErr
	}

	if protocol == dispatch.ProtocolFIX {
		return e.bindFIX(id, raw)
	}
	return e.bindFIXP(id, raw)
}

// ConnectionClosed implements dispatch.FrameHandler: release the
// session's live owner so it becomes an offline context (spec.md §3)
// and records the disconnect reason in metrics.
func (e *Engine) ConnectionClosed(id dispatch.ConnID, reason dispatch.DisconnectReason, err error) {
	e.mu.Lock()
	rt, ok := e.byConn[id]
	delete(e.byConn, id)
	e.mu.Unlock()
	if !ok {
		return
	}

	if rt.fix != nil {
		rt.fix.NotifyTransportClosed()
	} else {
		rt.fixp.NotifyTransportClosed()
	}

	if ctx, ok := e.registry.LookupByKey(rt.key); ok {
		e.registry.Release(ctx.ID)
		if e.metrics != nil {
			e.metrics.UnregisterSession(rt.key.Protocol.String(), sessionLabel(rt.key))
			e.metrics.RecordDisconnect(rt.key.Protocol.String(), sessionLabel(rt.key), reason.String())
		}
	}
}

// markEndedIfFinished flags rt's registry context once its FIXP session
// has completed a FINISHED_SENDING/FINISHED_RECEIVING finalisation
// handshake, so a later re-negotiate/re-establish of the same
// session_ver_id is rejected (spec.md §8 invariant 5).
func (e *Engine) markEndedIfFinished(rt *sessionRuntime) {
	if rt.fixp == nil || !rt.fixp.Ended() {
		return
	}
	if ctx, ok := e.registry.LookupByKey(rt.key); ok {
		e.registry.MarkEnded(ctx.ID)
	}
}

func sessionLabel(key session.Key) string {
	if key.Protocol == session.ProtocolFIXP {
		return fmt.Sprintf("fixp:%d", key.FIXPSessionID)
	}
	return fmt.Sprintf("fix:%s:%s:%s", key.SenderCompID, key.TargetCompID, key.Qualifier)
}

// bindFIX handles the first frame on a new FIX connection: it must be a
// Logon (spec.md §4.5).
func (e *Engine) bindFIX(id dispatch.ConnID, raw []byte) error {
	in, err := fixwire.Decode(raw)
	if err != nil {
		return gatewayerr.New(gatewayerr.CodeProtocol, err)
	}
	if in.MsgType != fixsess.MsgTypeLogon {
		e.dispatcher.Disconnect(id, gatewayerr.CodeProtocol)
		return gatewayerr.Wrapf(gatewayerr.CodeProtocol, "engine: first frame on conn %d was not a Logon", id)
	}

	sc, ok := e.lookupFIXConfig(in.SenderCompID, in.TargetCompID)
	if !ok {
		e.dispatcher.Disconnect(id, gatewayerr.CodeAuthentication)
		return gatewayerr.Wrapf(gatewayerr.CodeAuthentication, "engine: unknown FIX session %s/%s", in.SenderCompID, in.TargetCompID)
	}

	key := session.Key{Protocol: session.ProtocolFIX, SenderCompID: in.TargetCompID, TargetCompID: in.SenderCompID, Qualifier: sc.Qualifier}
	ctx, err := e.registry.Bind(key, libraryIDFor(id), false)
	if err != nil {
		e.dispatcher.Disconnect(id, gatewayerr.CodeAuthentication)
		return err
	}

	ringIn, ringOut, recIn, recOut, err := e.assignStorage(ctx.ID)
	if err != nil {
		e.registry.Release(ctx.ID)
		return fmt.Errorf("engine: assign storage for session %d: %w", ctx.ID, err)
	}

	transport := fixTransport{dispatcher: e.dispatcher, id: id, encoder: fixwire.Encoder{
		BeginString:  "FIX.4.4",
		SenderCompID: in.TargetCompID,
		TargetCompID: in.SenderCompID,
	}}

	cfg := fixsess.Config{
		SenderCompID:      in.TargetCompID,
		TargetCompID:      in.SenderCompID,
		Role:              fixsess.RoleAcceptor,
		HeartbeatInterval: sc.HeartbeatInterval,
		Precision:         parsePrecision(sc.Precision),
		ReplayLimit:       e.cfg.Engine.FIXReplayLimit,
	}
	fixSession := fixsess.New(ctx.ID, cfg, transport, e.seqIdx, recIn, recOut, ringIn, ringOut, fixsess.WithLogger(e.log))

	e.mu.Lock()
	e.byConn[id] = &sessionRuntime{key: key, fix: fixSession, ringIn: ringIn, ringOut: ringOut}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RegisterSession("FIX", sessionLabel(key))
	}

	return fixSession.HandleInbound(in)
}

// bindFIXP handles the first frame on a new FIXP connection: it must be
// a Negotiate (spec.md §4.6).
func (e *Engine) bindFIXP(id dispatch.ConnID, raw []byte) error {
	in, err := fixpwire.Decode(raw)
	if err != nil {
		return gatewayerr.New(gatewayerr.CodeProtocol, err)
	}
	if in.Template != fixpsess.TemplateNegotiate {
		e.dispatcher.Disconnect(id, gatewayerr.CodeProtocol)
		return gatewayerr.Wrapf(gatewayerr.CodeProtocol, "engine: first frame on conn %d was not a Negotiate", id)
	}

	sc, ok := e.configs[fmt.Sprintf("fixp|%d", in.SessionID)]
	if !ok {
		e.dispatcher.Disconnect(id, gatewayerr.CodeAuthentication)
		return gatewayerr.Wrapf(gatewayerr.CodeAuthentication, "engine: unknown FIXP session %d", in.SessionID)
	}

	key := session.Key{Protocol: session.ProtocolFIXP, FIXPSessionID: in.SessionID}
	ctx, err := e.registry.Bind(key, libraryIDFor(id), false)
	if err != nil {
		e.dispatcher.Disconnect(id, gatewayerr.CodeAuthentication)
		return err
	}

	ringIn, ringOut, recIn, recOut, err := e.assignStorage(ctx.ID)
	if err != nil {
		e.registry.Release(ctx.ID)
		return fmt.Errorf("engine: assign storage for session %d: %w", ctx.ID, err)
	}

	transport := fixpTransport{dispatcher: e.dispatcher, id: id}
	cfg := fixpsess.Config{
		KeepAliveMin:             sc.KeepAliveMin,
		KeepAliveMax:             sc.KeepAliveMax,
		NoLogonDisconnectTimeout: sc.NoLogonDisconnectTimeout,
		ReplayLimit:              e.cfg.Engine.FIXPReplayLimit,
	}
	fixpSession := fixpsess.New(ctx.ID, in.SessionID, cfg, transport, e.registry, allowAllAuthenticator{},
		e.seqIdx, recIn, recOut, ringIn, ringOut, fixpsess.WithLogger(e.log))

	e.mu.Lock()
	e.byConn[id] = &sessionRuntime{key: key, fixp: fixpSession, ringIn: ringIn, ringOut: ringOut}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RegisterSession("FIXP", sessionLabel(key))
	}

	return fixpSession.HandleInbound(in)
}

// assignStorage allocates the recording+ring pair for both streams of
// session id, reusing a prior engine run's recordings via the
// Recording Coordinator (spec.md §4.4).
func (e *Engine) assignStorage(id session.ID) (ringIn, ringOut *replayidx.Ring, recIn, recOut *carrier.Recording, err error) {
	recIn, recIDIn, err := e.coordinator.Assign()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	recOut, recIDOut, err := e.coordinator.Assign()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	ringDir := filepath.Join(e.cfg.Engine.LogFileDir, "replay")
	ringInPath := filepath.Join(ringDir, fmt.Sprintf("session-%d-in.ring", id))
	ringOutPath := filepath.Join(ringDir, fmt.Sprintf("session-%d-out.ring", id))

	ringIn, err = replayidx.OpenOrCreate(ringInPath, ringCapacity)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open inbound ring for session %d: %w", id, err)
	}
	ringOut, err = replayidx.OpenOrCreate(ringOutPath, ringCapacity)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open outbound ring for session %d: %w", id, err)
	}

	e.log.Debug("assigned session storage", "session_id", id, "recording_in", recIDIn, "recording_out", recIDOut)
	return ringIn, ringOut, recIn, recOut, nil
}

// lookupFIXConfig finds the declarative session whose comp ids match the
// counterparty that just logged on. The counterparty's SenderCompID is
// our configured TargetCompID and vice versa (SessionConfig is declared
// from the gateway's own point of view, spec.md §3), so this can't use
// SessionConfig.SessionKey() directly and scans instead.
func (e *Engine) lookupFIXConfig(senderCompID, targetCompID string) (config.SessionConfig, bool) {
	for _, sc := range e.configs {
		if sc.Protocol == "fix" && sc.SenderCompID == targetCompID && sc.TargetCompID == senderCompID {
			return sc, true
		}
	}
	return config.SessionConfig{}, false
}

func libraryIDFor(id dispatch.ConnID) string {
	return "conn-" + strconv.FormatUint(uint64(id), 10)
}

func parsePrecision(p string) fixsess.Precision {
	switch p {
	case "millis":
		return fixsess.PrecisionMillis
	case "micros":
		return fixsess.PrecisionMicros
	case "nanos":
		return fixsess.PrecisionNanos
	default:
		return fixsess.PrecisionSeconds
	}
}

// --- internal/adminserver.Engine implementation -----------------------

// ResetSequenceNumber implements the admin RPC resetSequenceNumber.
func (e *Engine) ResetSequenceNumber(id session.ID) error {
	return e.registry.ResetSequenceNumber(id)
}

// ResetSessionIDs implements the admin RPC resetSessionIds: back up the
// current sequence-number index directory to backupDir, then wipe it.
func (e *Engine) ResetSessionIDs(backupDir string) error {
	if err := e.seqIdx.Flush(); err != nil {
		return fmt.Errorf("engine: flush before backup: %w", err)
	}
	if err := copyFile(
		filepath.Join(e.cfg.Engine.LogFileDir, "seqindex", "sequence_number_index"),
		filepath.Join(backupDir, "sequence_number_index"),
	); err != nil {
		return fmt.Errorf("engine: back up sequence-number index: %w", err)
	}
	e.seqIdx.ResetSequenceNumbers()
	return nil
}

// PruneArchive implements the admin RPC pruneArchive: scan every known
// session's replay rings via internal/replayquery.StartPositions and
// report the earliest stream position each recording still needs,
// floored at the caller-supplied minPositions where present so a
// consumer that hasn't caught up yet is never starved.
func (e *Engine) PruneArchive(minPositions map[string]int64) (map[string]int64, error) {
	e.mu.RLock()
	rings := make([]*replayidx.Ring, 0, 2*len(e.byConn))
	for _, rt := range e.byConn {
		rings = append(rings, rt.ringIn, rt.ringOut)
	}
	e.mu.RUnlock()

	out := make(map[string]int64)
	for _, ring := range rings {
		starts, err := replayquery.StartPositions(ring)
		if err != nil {
			return nil, fmt.Errorf("engine: compute start positions: %w", err)
		}
		for id, pos := range starts {
			key := strconv.FormatUint(uint64(id), 10)
			if floor, ok := minPositions[key]; ok && floor < pos {
				pos = floor
			}
			if existing, ok := out[key]; !ok || pos < existing {
				out[key] = pos
			}
		}
	}
	return out, nil
}

// LookupSessionID implements the admin RPC lookupSessionId.
func (e *Engine) LookupSessionID(local, remote string) (session.ID, bool) {
	return e.registry.LookupSessionID(local, remote)
}

// AllSessions implements the admin RPC allSessions.
func (e *Engine) AllSessions() []session.Context {
	return e.registry.AllSessions()
}
