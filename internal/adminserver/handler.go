// Package adminserver exposes the admin RPCs spec.md §6 names "verbatim
// to the application": resetSequenceNumber, resetSessionIds, pruneArchive,
// lookupSessionId, allSessions.
//
// Grounded on the teacher's internal/server/server.go: a thin adapter
// struct that delegates every call to one domain object (there, *bfd.
// Manager; here, the Engine interface) and does no business logic of its
// own. The teacher generates its RPC surface from a .proto file via buf;
// this repo cannot run that generator (see DESIGN.md's Open Question
// resolution), so the surface is a plain net/http + encoding/json handler
// instead of a ConnectRPC service, carrying the same
// logging/panic-recovery middleware shape as the teacher's interceptors.
package adminserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"connectrpc.com/grpchealth"

	"github.com/nexusfix/fixgate/internal/session"
)

// Engine is the minimal surface adminserver needs from the running
// gateway, one method per spec.md §6 admin RPC.
type Engine interface {
	// ResetSequenceNumber implements resetSequenceNumber(session_id).
	ResetSequenceNumber(id session.ID) error

	// ResetSessionIDs implements resetSessionIds(backup_dir): archives the
	// current sequence-number index under backupDir, then wipes it.
	ResetSessionIDs(backupDir string) error

	// PruneArchive implements pruneArchive(minPositions?): returns, per
	// recording id (stringified, since JSON object keys must be strings),
	// the earliest stream position still needed by any live session.
	// minPositions is an optional floor supplied by the caller; nil means
	// "use whatever the engine computes unconstrained".
	PruneArchive(minPositions map[string]int64) (map[string]int64, error)

	// LookupSessionID implements lookupSessionId(local, remote).
	LookupSessionID(local, remote string) (session.ID, bool)

	// AllSessions implements allSessions().
	AllSessions() []session.Context
}

// ErrPanicRecovered indicates an RPC handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in admin handler")

// Handler adapts Engine to an HTTP/JSON admin surface.
type Handler struct {
	engine Engine
	log    *slog.Logger
}

// New builds a Handler and returns an http.Handler carrying every admin
// route plus the grpchealth liveness/readiness surface (spec.md §6 exit
// codes 0/1/2 are reported by the process, not this handler; this handler
// only needs to exist and answer SERVING once the engine is up).
func New(engine Engine, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{engine: engine, log: log.With("component", "adminserver")}

	mux := http.NewServeMux()
	mux.Handle("POST /resetSequenceNumber", withMiddleware(h.log, h.resetSequenceNumber))
	mux.Handle("POST /resetSessionIds", withMiddleware(h.log, h.resetSessionIDs))
	mux.Handle("POST /pruneArchive", withMiddleware(h.log, h.pruneArchive))
	mux.Handle("GET /lookupSessionId", withMiddleware(h.log, h.lookupSessionID))
	mux.Handle("GET /allSessions", withMiddleware(h.log, h.allSessions))

	checker := grpchealth.NewStaticChecker("fixgate.v1.AdminService")
	mux.Handle(grpchealth.NewHandler(checker))

	return mux
}

type resetSequenceNumberRequest struct {
	SessionID uint64 `json:"session_id"`
}

func (h *Handler) resetSequenceNumber(w http.ResponseWriter, r *http.Request) error {
	var req resetSequenceNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return httpError(http.StatusBadRequest, err)
	}
	if err := h.engine.ResetSequenceNumber(session.ID(req.SessionID)); err != nil {
		return httpError(http.StatusConflict, err)
	}
	return writeJSON(w, http.StatusOK, struct{}{})
}

type resetSessionIDsRequest struct {
	BackupDir string `json:"backup_dir"`
}

func (h *Handler) resetSessionIDs(w http.ResponseWriter, r *http.Request) error {
	var req resetSessionIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return httpError(http.StatusBadRequest, err)
	}
	if err := h.engine.ResetSessionIDs(req.BackupDir); err != nil {
		return httpError(http.StatusInternalServerError, err)
	}
	return writeJSON(w, http.StatusOK, struct{}{})
}

type pruneArchiveRequest struct {
	MinPositions map[string]int64 `json:"min_positions,omitempty"`
}

type pruneArchiveResponse struct {
	NewStart map[string]int64 `json:"new_start"`
}

func (h *Handler) pruneArchive(w http.ResponseWriter, r *http.Request) error {
	var req pruneArchiveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return httpError(http.StatusBadRequest, err)
		}
	}
	newStart, err := h.engine.PruneArchive(req.MinPositions)
	if err != nil {
		return httpError(http.StatusInternalServerError, err)
	}
	return writeJSON(w, http.StatusOK, pruneArchiveResponse{NewStart: newStart})
}

func (h *Handler) lookupSessionID(w http.ResponseWriter, r *http.Request) error {
	local := r.URL.Query().Get("local")
	remote := r.URL.Query().Get("remote")
	id, ok := h.engine.LookupSessionID(local, remote)
	if !ok {
		return httpError(http.StatusNotFound, errSessionNotFound)
	}
	return writeJSON(w, http.StatusOK, struct {
		SessionID uint64 `json:"session_id"`
	}{SessionID: uint64(id)})
}

var errSessionNotFound = errors.New("adminserver: no session bound to that (local, remote) pair")

func (h *Handler) allSessions(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, struct {
		Sessions []session.Context `json:"sessions"`
	}{Sessions: h.engine.AllSessions()})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func httpError(status int, err error) error {
	return &statusError{status: status, err: err}
}
