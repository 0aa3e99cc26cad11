package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/session"
	"chatrelay/internal/workspace"

	"go.uber.org/zap"
)

// Context window estimate constants. Token counts are approximated as one
// token per four characters of message content.
const (
	contextMaxTokens     = 128000
	contextCompactAbove  = 80000
	contextSystemPrompt  = 2500
	contextToolsOverhead = 500
	contextOtherOverhead = 500
	charsPerToken        = 4
)

type createSessionRequest struct {
	Name      string `json:"name"`
	Workspace string `json:"workspace"`
	Model     string `json:"model"`
}

type renameSessionRequest struct {
	Name *string `json:"name"`
}

type setModelRequest struct {
	Model string `json:"model"`
}

type setWorkspaceRequest struct {
	Path string `json:"path"`
}

type sessionInfo struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ContinuationID string    `json:"continuationId"`
	CreatedAt      time.Time `json:"createdAt"`
	Workspace      string    `json:"workspace"`
	Model          string    `json:"model"`
	State          string    `json:"state"`
	MessageCount   int       `json:"messageCount"`
}

type modelsResponse struct {
	Models  []models.Model `json:"models"`
	Current string         `json:"current"`
}

type workspaceResponse struct {
	workspace.Info
	Tree []workspace.FileNode `json:"tree"`
}

type contextBreakdown struct {
	SystemPrompt int `json:"systemPrompt"`
	Messages     int `json:"messages"`
	Files        int `json:"files"`
	Tools        int `json:"tools"`
	Other        int `json:"other"`
}

type contextResponse struct {
	TotalTokens      int              `json:"totalTokens"`
	MaxTokens        int              `json:"maxTokens"`
	Breakdown        contextBreakdown `json:"breakdown"`
	CompactSuggested bool             `json:"compactSuggested"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrMaxSessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUnknownModel), errors.Is(err, workspace.ErrNotDirectory):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	orch, err := s.sessions.Create(session.CreateOptions{
		Name:      strings.TrimSpace(req.Name),
		Workspace: req.Workspace,
		Model:     req.Model,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, orch.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	orch, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, orch.Snapshot())
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	orch, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req renameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		orch.Rename(name)
	}

	writeJSON(w, http.StatusOK, orch.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	orch, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	snap := orch.Snapshot()
	writeJSON(w, http.StatusOK, sessionInfo{
		ID:             snap.ID,
		Name:           snap.Name,
		ContinuationID: snap.ContinuationID,
		CreatedAt:      snap.CreatedAt,
		Workspace:      snap.Workspace,
		Model:          snap.Model,
		State:          string(snap.State),
		MessageCount:   len(snap.Messages),
	})
}

// handleSessionTurns returns the recorded agent invocations for a session.
// Turns outlive their session, so an unknown id yields an empty list.
func (s *Server) handleSessionTurns(w http.ResponseWriter, r *http.Request) {
	if s.transcript == nil {
		writeError(w, http.StatusNotFound, "transcript disabled")
		return
	}

	turns, err := s.transcript.ListBySession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("failed to list turns", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list turns")
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelsResponse{
		Models:  s.models.List(),
		Current: s.models.Default(),
	})
}

// handleSetDefaultModel changes the model given to sessions created from
// now on. Existing sessions keep theirs.
func (s *Server) handleSetDefaultModel(w http.ResponseWriter, r *http.Request) {
	var req setModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "invalid model")
		return
	}

	current, err := s.models.SetDefault(req.Model)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": current})
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, workspaceResponse{
		Info: s.workspace.Info(),
		Tree: s.workspace.Tree(workspace.DefaultTreeDepth),
	})
}

func (s *Server) handleSetWorkspace(w http.ResponseWriter, r *http.Request) {
	var req setWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	info, err := s.workspace.Set(req.Path)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workspaceResponse{
		Info: info,
		Tree: s.workspace.Tree(workspace.DefaultTreeDepth),
	})
}

// handleContext reports a rough context-window estimate for a session. A
// missing or unknown session counts as an empty history.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var messages []session.Message
	if id := r.URL.Query().Get("sessionId"); id != "" {
		if orch, err := s.sessions.Get(id); err == nil {
			messages = orch.Snapshot().Messages
		}
	}
	writeJSON(w, http.StatusOK, estimateContext(messages))
}

func estimateContext(messages []session.Message) contextResponse {
	messageTokens := 0
	for _, m := range messages {
		messageTokens += len(m.Content) / charsPerToken
	}

	b := contextBreakdown{
		SystemPrompt: contextSystemPrompt,
		Messages:     messageTokens,
		Tools:        contextToolsOverhead,
		Other:        contextOtherOverhead,
	}
	return contextResponse{
		TotalTokens:      b.SystemPrompt + b.Messages + b.Files + b.Tools + b.Other,
		MaxTokens:        contextMaxTokens,
		Breakdown:        b,
		CompactSuggested: messageTokens > contextCompactAbove,
	}
}
