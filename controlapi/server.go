// CLAUDE:SUMMARY HTTP control API over chi: browser endpoint discovery, named page get-or-create/list/close, snapshot store, audit trail.
// Package controlapi is the HTTP surface of the devbrowser server. Short
// lived clients use it to find the browser, to get or create named pages,
// and to store the snapshot their refs resolve against.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/devbrowser/audit"
	"github.com/hazyhaar/devbrowser/kit"
	"github.com/hazyhaar/devbrowser/refs"
	"github.com/hazyhaar/devbrowser/registry"
	"github.com/hazyhaar/devbrowser/shield"
	"github.com/hazyhaar/devbrowser/snapshot"
)

// EndpointSource yields the browser's DevTools WebSocket URL.
type EndpointSource interface {
	WSEndpoint(ctx context.Context) (string, error)
}

// AuditLog is the audit trail the server writes to and serves.
type AuditLog interface {
	LogAsync(e *audit.Entry)
	Query(ctx context.Context, f audit.Filter) ([]*audit.Entry, error)
}

// Config wires the server's collaborators. Audit may be nil.
type Config struct {
	Registry *registry.Registry
	Browser  EndpointSource
	Store    refs.Store
	Audit    AuditLog
	MaxBody  int64
	Logger   *slog.Logger
}

// Server serves the control API.
type Server struct {
	cfg Config
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 8 << 20
	}
	return &Server{cfg: cfg}
}

type pageRequest struct {
	Name string `json:"name"`
}

type pageResponse struct {
	TargetID string `json:"targetId"`
}

type pagesResponse struct {
	Pages []string `json:"pages"`
}

type endpointResponse struct {
	WSEndpoint string `json:"wsEndpoint"`
}

type commitResponse struct {
	Seq uint64 `json:"seq"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(s.cfg.MaxBody) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	r.Get("/", s.handleEndpoint)

	r.Route("/pages", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{name}", s.handleGet)
		r.Delete("/{name}", s.handleClose)
		r.Put("/{name}/snapshot", s.handleCommit)
		r.Get("/{name}/snapshot", s.handleCurrent)
		r.Delete("/{name}/snapshot", s.handleDrop)
	})

	r.Get("/audit", s.handleAudit)
	return r
}

func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	ws, err := s.cfg.Browser.WSEndpoint(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("controlapi: browser endpoint", "error", err)
		writeError(w, http.StatusServiceUnavailable, "engine", err)
		return
	}
	writeJSON(w, http.StatusOK, endpointResponse{WSEndpoint: ws})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	pages := s.cfg.Registry.List()
	if pages == nil {
		pages = []string{}
	}
	writeJSON(w, http.StatusOK, pagesResponse{Pages: pages})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	start := time.Now()
	id, err := s.cfg.Registry.GetOrCreate(r.Context(), req.Name)
	s.audit(r, "page_create", req.Name, req, pageResponse{TargetID: id}, err, start)
	if errors.Is(err, registry.ErrInvalidName) {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	if err != nil {
		shield.GetLogger(r.Context()).Error("controlapi: create page", "page", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "engine", err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{TargetID: id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name, ok := pageName(w, r)
	if !ok {
		return
	}
	e, err := s.cfg.Registry.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "page_not_found", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	name, ok := pageName(w, r)
	if !ok {
		return
	}
	start := time.Now()
	err := s.cfg.Registry.Close(r.Context(), name)
	s.audit(r, "page_close", name, pageRequest{Name: name}, nil, err, start)

	var nf *registry.ErrPageNotFound
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, "page_not_found", err)
	default:
		shield.GetLogger(r.Context()).Error("controlapi: close page", "page", name, "error", err)
		writeError(w, http.StatusInternalServerError, "engine", err)
	}
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	name, ok := pageName(w, r)
	if !ok {
		return
	}
	if _, err := s.cfg.Registry.Get(name); err != nil {
		writeError(w, http.StatusNotFound, "page_not_found", err)
		return
	}
	var snap snapshot.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	start := time.Now()
	seq, err := s.cfg.Store.Commit(r.Context(), name, &snap)
	s.audit(r, "snapshot_commit", name, map[string]int{"refs": snap.Len()}, commitResponse{Seq: seq}, err, start)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "engine", err)
		return
	}
	writeJSON(w, http.StatusOK, commitResponse{Seq: seq})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	name, ok := pageName(w, r)
	if !ok {
		return
	}
	snap, err := s.cfg.Store.Current(r.Context(), name)
	if errors.Is(err, refs.ErrNoSnapshot) {
		writeError(w, http.StatusNotFound, "no_snapshot", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "engine", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	name, ok := pageName(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Store.Drop(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "engine", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		writeJSON(w, http.StatusOK, []*audit.Entry{})
		return
	}
	q := r.URL.Query()
	entries, err := s.cfg.Audit.Query(r.Context(), audit.Filter{
		Action: q.Get("action"),
		Page:   q.Get("page"),
		Status: q.Get("status"),
		Limit:  queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "engine", err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) audit(r *http.Request, action, page string, params, result any, err error, start time.Time) {
	if s.cfg.Audit == nil {
		return
	}
	e := &audit.Entry{
		Timestamp:  start.UnixMilli(),
		Transport:  "http",
		Action:     action,
		Page:       page,
		TraceID:    kit.GetTraceID(r.Context()),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if b, mErr := json.Marshal(params); mErr == nil {
		e.Parameters = string(b)
	}
	if err != nil {
		e.Error = err.Error()
		e.Kind = audit.KindOf(err)
	} else if result != nil {
		if b, mErr := json.Marshal(result); mErr == nil {
			e.Result = string(b)
		}
	}
	s.cfg.Audit.LogAsync(e)
}

// pageName returns the {name} parameter. chi routes on the escaped path when
// the request has one, so the parameter is unescaped in that case only.
func pageName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	var err error
	if r.URL.RawPath != "" {
		name, err = url.PathUnescape(name)
	}
	if err != nil || name == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", registry.ErrInvalidName)
		return "", false
	}
	return name, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind string, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: kind})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
