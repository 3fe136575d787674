package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/restack/internal/engine"
	"github.com/kurobon/restack/internal/eventlog"
	"github.com/kurobon/restack/internal/facade"
	"github.com/kurobon/restack/internal/rebase"
)

type Server struct {
	Engine *engine.Engine
	Mux    *http.ServeMux
}

func NewServer(e *engine.Engine) *Server {
	s := &Server{
		Engine: e,
		Mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Mux.HandleFunc("/ping", s.handlePing)
	s.Mux.HandleFunc("/api/view", s.handleView)
	s.Mux.HandleFunc("/api/log", s.handleLog)
	s.Mux.HandleFunc("/api/move", s.handleMove)
	s.Mux.HandleFunc("/api/resume", s.handleResume)
	s.Mux.HandleFunc("/api/abort", s.handleAbort)
	s.Mux.HandleFunc("/api/hide", s.handleHide)
	s.Mux.HandleFunc("/api/unhide", s.handleUnhide)
	s.Mux.HandleFunc("/api/undo", s.handleUndo)
	s.Mux.HandleFunc("/api/redo", s.handleRedo)
	s.Mux.HandleFunc("/api/observe", s.handleObserve)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux.ServeHTTP(w, r)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"message": "pong",
		"system":  "restack daemon",
	})
}

// handleView renders the commit graph. ?asOf=N renders the state after
// transaction N; omitted means the latest state.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	asOf := uint64(eventlog.Latest)
	if raw := r.URL.Query().Get("asOf"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid asOf: "+err.Error(), http.StatusBadRequest)
			return
		}
		asOf = parsed
	}

	view, err := s.Engine.View(r.Context(), asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	txns, err := s.Engine.Transactions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"transactions": txns})
}

type MoveRequest struct {
	Source      string `json:"source"`
	Dest        string `json:"dest"`
	ResolveBase bool   `json:"resolveBase,omitempty"`
	KeepEmpty   bool   `json:"keepEmpty,omitempty"`
}

type MoveResponse struct {
	PlanID    string            `json:"planId"`
	Status    string            `json:"status"`
	Rewritten map[string]string `json:"rewritten,omitempty"`
	Conflict  string            `json:"conflict,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	source, err := parseHash(req.Source)
	if err != nil {
		http.Error(w, "invalid source: "+err.Error(), http.StatusBadRequest)
		return
	}
	dest, err := parseHash(req.Dest)
	if err != nil {
		http.Error(w, "invalid dest: "+err.Error(), http.StatusBadRequest)
		return
	}

	log.Printf("move requested: source=%s dest=%s", req.Source, req.Dest)

	result, planID, err := s.Engine.Move(r.Context(), source, dest, engine.MoveOptions{
		ResolveBase: req.ResolveBase,
		KeepEmpty:   req.KeepEmpty,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, moveResponse(planID, result))
}

type ResumeRequest struct {
	PlanID      string            `json:"planId"`
	Resolutions map[string]string `json:"resolutions,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.Engine.Resume(r.Context(), req.PlanID, req.Resolutions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, moveResponse(req.PlanID, result))
}

type AbortRequest struct {
	PlanID string `json:"planId"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Engine.Abort(req.PlanID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "aborted", "planId": req.PlanID})
}

type VisibilityRequest struct {
	Commits   []string `json:"commits"`
	Recursive bool     `json:"recursive,omitempty"`
}

func (s *Server) handleHide(w http.ResponseWriter, r *http.Request) {
	s.handleVisibility(w, r, false)
}

func (s *Server) handleUnhide(w http.ResponseWriter, r *http.Request) {
	s.handleVisibility(w, r, true)
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request, visible bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req VisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids := make([]plumbing.Hash, 0, len(req.Commits))
	for _, raw := range req.Commits {
		id, err := parseHash(raw)
		if err != nil {
			http.Error(w, "invalid commit: "+err.Error(), http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	var (
		txID uint64
		err  error
	)
	if visible {
		txID, err = s.Engine.Unhide(r.Context(), ids, req.Recursive)
	} else {
		txID, err = s.Engine.Hide(r.Context(), ids, req.Recursive)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"transaction": txID})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	txID, err := s.Engine.Undo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"transaction": txID})
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	txID, err := s.Engine.Redo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"transaction": txID})
}

type ObserveRequest struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref,omitempty"`
	Old  string `json:"old,omitempty"`
	New  string `json:"new,omitempty"`
}

// handleObserve is the entry point for git hooks (post-commit,
// reference-transaction) reporting mutations performed outside the daemon.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ObserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	old := plumbing.NewHash(req.Old)
	moved := plumbing.NewHash(req.New)
	txID, err := s.Engine.Observe(eventlog.Kind(req.Kind), req.Ref, old, moved)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"transaction": txID})
}

func moveResponse(planID string, result *rebase.Result) MoveResponse {
	resp := MoveResponse{PlanID: planID, Status: string(result.Status)}
	if len(result.Rewritten) > 0 {
		resp.Rewritten = make(map[string]string, len(result.Rewritten))
		for old, moved := range result.Rewritten {
			resp.Rewritten[old.String()] = moved.String()
		}
	}
	if !result.Conflict.IsZero() {
		resp.Conflict = result.Conflict.String()
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp
}

func parseHash(raw string) (plumbing.Hash, error) {
	if len(raw) != 40 {
		return plumbing.ZeroHash, errors.New("expected a 40-char hex object id")
	}
	h := plumbing.NewHash(raw)
	if h.IsZero() {
		return plumbing.ZeroHash, errors.New("not a valid object id")
	}
	return h, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, facade.ErrNotFound), errors.Is(err, facade.ErrUnsetRef):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, facade.ErrConflictingUpdate), errors.Is(err, facade.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, eventlog.ErrNothingToUndo), errors.Is(err, eventlog.ErrNothingToRedo):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
