package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/session"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

type server struct {
	logger   *log.Logger
	sessions *session.Manager
}

const (
	maxSessionFrameBytes int64 = 4 << 20
	sessionsPrefix             = "/v1/sessions/"
	defaultTurnsLimit          = session.DefaultHistoryLimit
)

func NewServer(logger *log.Logger, addr string, sessions *session.Manager) *http.Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	h := &server{
		logger:   logger,
		sessions: sessions,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/sessions/ws", h.handleSessionWS)
	mux.HandleFunc("/v1/sessions", h.handleLiveSessions)
	mux.HandleFunc(sessionsPrefix, h.handleSession)
	mux.HandleFunc("/v1/stats", h.handleStats)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("session ws upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxSessionFrameBytes)

	if err := s.sessions.Serve(r.Context(), conn); err != nil {
		s.logger.Printf("session ws closed remote=%s err=%v", r.RemoteAddr, err)
	}
}

func (s *server) handleLiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Live()})
}

type sessionView struct {
	Session session.SessionRecord `json:"session"`
	Turns   []session.TurnRecord  `json:"turns"`
	Ledger  []ledger.Node         `json:"ledger"`
	Live    *turn.Snapshot        `json:"live,omitempty"`
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, sessionsPrefix))
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	limit := defaultTurnsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	store := s.sessions.Store()
	record, err := store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.Printf("get session failed session_id=%s err=%v", sessionID, err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	turns, err := store.GetTurns(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.Printf("get turns failed session_id=%s err=%v", sessionID, err)
		http.Error(w, "failed to load turns", http.StatusInternalServerError)
		return
	}
	nodes, err := store.GetLedgerNodes(r.Context(), sessionID)
	if err != nil {
		s.logger.Printf("get ledger failed session_id=%s err=%v", sessionID, err)
		http.Error(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}

	view := sessionView{Session: record, Turns: turns, Ledger: nodes}
	if view.Turns == nil {
		view.Turns = []session.TurnRecord{}
	}
	if view.Ledger == nil {
		view.Ledger = []ledger.Node{}
	}
	if snapshot, ok := s.sessions.Snapshot(sessionID); ok {
		view.Live = &snapshot
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"live_sessions": len(s.sessions.Live()),
		"pending_calls": s.sessions.Registry().Len(),
		"jobs":          s.sessions.Jobs().Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
