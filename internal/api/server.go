// Package api exposes the conversation session over HTTP and a WebSocket
// update stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/capture"
	"github.com/loqalabs/loqa-voicechat/internal/conversation"
	"github.com/loqalabs/loqa-voicechat/internal/eventstore"
	"github.com/loqalabs/loqa-voicechat/internal/persona"
	"github.com/loqalabs/loqa-voicechat/internal/playback"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

// Session is the conversation controller as seen by the API.
type Session interface {
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	SendMessage(ctx context.Context, text string) error
	SyncHistory(ctx context.Context, history []transcript.HistoryEntry) error
	SetPersona(ctx context.Context, id string) (persona.Profile, error)
	Snapshot(ctx context.Context) (conversation.Snapshot, error)
	Observe(fn func(conversation.Update)) (cancel func())
	Transcript() *transcript.Store
	Personas() *persona.Table
}

// JournalReader lists journaled session events.
type JournalReader interface {
	ListSessionEntries(ctx context.Context, sessionID string, limit int) ([]eventstore.Entry, error)
}

type Server struct {
	// Notice is shown to users when speech capture is unavailable.
	Notice string

	session   Session
	journal   JournalReader
	sessionID string
	timeout   time.Duration
	log       *slog.Logger
	hub       *hub
	unobserve func()
}

// NewServer wires the API to session. journal may be nil, in which case the
// journal endpoint answers 404.
func NewServer(session Session, journal JournalReader, sessionID string, log *slog.Logger) *Server {
	s := &Server{
		Notice:    conversation.DefaultUnsupportedMsg,
		session:   session,
		journal:   journal,
		sessionID: sessionID,
		timeout:   10 * time.Second,
		log:       log.With(slog.String("component", "api")),
	}
	s.hub = newHub(s.log)
	s.unobserve = session.Observe(s.hub.publishUpdate)
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", s.handleSnapshot)
	mux.HandleFunc("GET /api/session/messages", s.handleMessages)
	mux.HandleFunc("POST /api/session/messages", s.handleSend)
	mux.HandleFunc("POST /api/session/listen", s.handleListen)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("PUT /api/session/history", s.handleHistory)
	mux.HandleFunc("PUT /api/session/persona", s.handlePersona)
	mux.HandleFunc("GET /api/session/journal", s.handleJournal)
	mux.HandleFunc("GET /api/session/stream", s.handleStream)
	mux.HandleFunc("GET /api/personas", s.handlePersonas)
}

// Close stops observing the session and disconnects stream clients.
func (s *Server) Close() {
	if s.unobserve != nil {
		s.unobserve()
	}
	s.hub.close()
}

type sessionView struct {
	conversation.Snapshot
	Profile persona.Profile `json:"profile"`
}

func (s *Server) view(ctx context.Context) (sessionView, error) {
	snap, err := s.session.Snapshot(ctx)
	if err != nil {
		return sessionView{}, err
	}
	return sessionView{Snapshot: snap, Profile: s.session.Personas().Lookup(snap.Persona)}, nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	view, err := s.view(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	messages := s.session.Transcript().All()
	if messages == nil {
		messages = []transcript.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "text is required"})
		return
	}
	s.act(w, r, func(ctx context.Context) error { return s.session.SendMessage(ctx, req.Text) })
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, s.session.StartListening)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, s.session.StopListening)
}

type historyRequest struct {
	History []transcript.HistoryEntry `json:"history"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	s.act(w, r, func(ctx context.Context) error { return s.session.SyncHistory(ctx, req.History) })
}

type personaRequest struct {
	Persona string `json:"persona"`
}

func (s *Server) handlePersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	profile, err := s.session.SetPersona(ctx, req.Persona)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	table := s.session.Personas()
	writeJSON(w, http.StatusOK, map[string]any{
		"default":  table.Fallback(),
		"personas": table.All(),
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "journal disabled"})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	entries, err := s.journal.ListSessionEntries(ctx, s.sessionID, limit)
	if err != nil {
		s.log.Warn("failed to list journal", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "journal unavailable"})
		return
	}
	if entries == nil {
		entries = []eventstore.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// act runs a controller operation and answers with the resulting session view.
func (s *Server) act(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := op(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.view(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Notice string `json:"notice,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", slogError(err))
	}
	body := errorBody{Error: err.Error(), Code: code}
	if code == "unsupported" {
		body.Notice = s.Notice
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, capture.ErrUnsupportedCapability), errors.Is(err, playback.ErrUnsupportedCapability):
		return http.StatusServiceUnavailable, "unsupported"
	case errors.Is(err, conversation.ErrReplyPending):
		return http.StatusConflict, "reply_pending"
	case errors.Is(err, conversation.ErrClosed):
		return http.StatusGone, "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failure"}`, http.StatusInternalServerError)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
