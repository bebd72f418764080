package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/session"
	"github.com/MrWong99/voxstream/internal/turn"
	"github.com/MrWong99/voxstream/pkg/types"
)

// defaultHistoryLimit applies when GET /v1/history has no limit parameter.
const defaultHistoryLimit = 50

var errNoHistory = errors.New("history store is not configured")

// historyEntry is the wire form of one stored turn.
type historyEntry struct {
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type historyResponse struct {
	Success bool           `json:"success"`
	UserID  string         `json:"user_id"`
	History []historyEntry `json:"history"`
}

type summaryResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id"`
	Turns   int    `json:"turns"`
	Summary string `json:"summary"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, errNoHistory)
		return
	}
	userID := userIDParam(r)
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	turns, err := s.deps.History.Recent(r.Context(), userID, limit)
	if err != nil {
		observe.Logger(r.Context()).Warn("history read failed", "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	out := make([]historyEntry, 0, len(turns))
	for _, t := range turns {
		out = append(out, entryOf(t))
	}
	writeJSON(w, http.StatusOK, historyResponse{Success: true, UserID: userID, History: out})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, errNoHistory)
		return
	}
	userID := userIDParam(r)
	if err := s.deps.History.Clear(r.Context(), userID); err != nil {
		observe.Logger(r.Context()).Warn("history clear failed", "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	observe.Logger(r.Context()).Info("history cleared", "user_id", userID)
	writeJSON(w, http.StatusOK, historyResponse{Success: true, UserID: userID, History: []historyEntry{}})
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil || s.deps.Summariser == nil {
		writeError(w, http.StatusServiceUnavailable, errNoHistory)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid request body", turn.ErrProtocol))
			return
		}
	}
	if req.UserID == "" {
		req.UserID = userIDParam(r)
	}
	if req.Limit <= 0 {
		req.Limit = defaultHistoryLimit
	}

	turns, err := s.deps.History.Recent(r.Context(), req.UserID, req.Limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	summary, err := s.deps.Summariser.Summarise(r.Context(), turns)
	if err != nil {
		observe.Logger(r.Context()).Warn("history summary failed", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{Success: true, UserID: req.UserID, Turns: len(turns), Summary: summary})
}

func userIDParam(r *http.Request) string {
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}
	return session.DefaultUserID
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", turn.ErrProtocol)
	}
	return n, nil
}

func entryOf(t types.Turn) historyEntry {
	return historyEntry{
		TurnID:    t.TurnID,
		SessionID: t.SessionID,
		Role:      string(t.Role),
		Content:   t.Content,
		Model:     t.Model,
		Timestamp: t.Timestamp,
	}
}
