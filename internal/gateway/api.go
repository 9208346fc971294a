// ABOUTME: HTTP API handlers for conversation records and the active video session
// ABOUTME: Maps launcher, controller and repository errors onto HTTP statuses

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/coven-video/internal/apperr"
	"github.com/2389/coven-video/internal/auth"
	"github.com/2389/coven-video/internal/conversation"
	"github.com/2389/coven-video/internal/dedupe"
	"github.com/2389/coven-video/internal/embed"
	"github.com/2389/coven-video/internal/launcher"
	"github.com/2389/coven-video/internal/store"
)

// Frame events reported by the browser.
const (
	FrameLoad  = "load"
	FrameError = "error"
)

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []*store.Conversation `json:"conversations"`
}

// FrameEventRequest is the JSON request body for POST /api/session/frame.
type FrameEventRequest struct {
	Event string `json:"event"`
}

// OpenWindowResponse is the JSON response for POST /api/session/window.
type OpenWindowResponse struct {
	Presentation embed.Presentation `json:"presentation"`
}

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// ownerSession resolves the authenticated user's session state. It writes
// the error response itself and returns nil on failure.
func (g *Gateway) ownerSession(w http.ResponseWriter, r *http.Request) *ownerSession {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil || authCtx.UserID == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return nil
	}
	s, err := g.sessions.get(authCtx.UserID)
	if err != nil {
		g.logger.Error("failed to create owner session", "error", err, "owner_id", authCtx.UserID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	return s
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	convs, err := s.repo.List(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	g.writeJSON(w, http.StatusOK, ListConversationsResponse{Conversations: convs})
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	id := r.PathValue("id")
	if active := s.launcher.State().Record; active != nil && active.ID == id {
		g.sendJSONError(w, http.StatusConflict, "conversation has an active session")
		return
	}
	if err := s.repo.Delete(r.Context(), id); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionState handles GET /api/session.
func (g *Gateway) handleSessionState(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	g.writeJSON(w, http.StatusOK, s.launcher.State())
}

// handleStartSession handles POST /api/session. A repeated Idempotency-Key
// within the idempotency window is rejected without starting anything.
func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}

	var key string
	if k := r.Header.Get("Idempotency-Key"); k != "" {
		key = dedupe.Key(s.repo.OwnerID(), k)
		if g.dedupe.Claim(key) {
			g.sendJSONError(w, http.StatusConflict, "duplicate request")
			return
		}
	}

	if !s.starts.Allow() {
		if key != "" {
			g.dedupe.Release(key)
		}
		g.sendJSONError(w, http.StatusTooManyRequests, "too many session starts, try again shortly")
		return
	}

	rec, err := s.launcher.Start(r.Context())
	if err != nil {
		if key != "" {
			g.dedupe.Release(key)
		}
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, rec)
}

// handleEndSession handles DELETE /api/session.
func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	rec, err := s.launcher.End(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

// handleRetry handles POST /api/session/retry.
func (g *Gateway) handleRetry(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	g.respondState(w, s, s.launcher.Retry())
}

// handleFrameEvent handles POST /api/session/frame.
func (g *Gateway) handleFrameEvent(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	var req FrameEventRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := g.applyFrameEvent(s, req.Event)
	if errors.Is(err, errUnknownFrameEvent) {
		g.sendJSONError(w, http.StatusBadRequest, "event must be load or error")
		return
	}
	g.respondState(w, s, err)
}

var errUnknownFrameEvent = errors.New("unknown frame event")

func (g *Gateway) applyFrameEvent(s *ownerSession, event string) error {
	switch event {
	case FrameLoad:
		return s.launcher.FrameLoaded()
	case FrameError:
		return s.launcher.FrameError()
	default:
		return errUnknownFrameEvent
	}
}

// handleOpenWindow handles POST /api/session/window.
func (g *Gateway) handleOpenWindow(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	var screen embed.Screen
	if err := decodeJSON(r, &screen); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	presented, err := s.launcher.OpenWindow(r.Context(), screen)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, OpenWindowResponse{Presentation: presented})
}

// handleEmbedMessage handles POST /api/session/message.
func (g *Gateway) handleEmbedMessage(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	var msg embed.Message
	if err := decodeJSON(r, &msg); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	g.respondState(w, s, s.launcher.HandleMessage(msg))
}

// handleDismissError handles DELETE /api/session/error.
func (g *Gateway) handleDismissError(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	s.launcher.DismissError()
	w.WriteHeader(http.StatusNoContent)
}

// respondState writes the launcher state, or the error if err is set.
func (g *Gateway) respondState(w http.ResponseWriter, s *ownerSession, err error) {
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, s.launcher.State())
}

// writeError maps err to a status and a user-facing message. Client
// mistakes outside the error taxonomy are reported as they are.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err, "status", status)
	}
	ue := launcher.Translate(err)
	if ue.Kind == apperr.KindUnknown && status < http.StatusInternalServerError && !errors.Is(err, launcher.ErrSessionActive) {
		g.writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}
	g.writeJSON(w, status, ErrorResponse{Error: ue.Message, Kind: ue.Kind})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, launcher.ErrSessionActive),
		errors.Is(err, launcher.ErrBusy),
		errors.Is(err, embed.ErrEnded),
		errors.Is(err, embed.ErrDisposed),
		errors.Is(err, embed.ErrInvalidTransition),
		errors.Is(err, embed.ErrNoURL),
		errors.Is(err, errNoBrowser):
		return http.StatusConflict
	case errors.Is(err, launcher.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, embed.ErrUntrustedOrigin):
		return http.StatusForbidden
	case errors.Is(err, embed.ErrInvalidURL):
		return http.StatusBadGateway
	case errors.Is(err, embed.ErrUnknownMessage),
		errors.Is(err, conversation.ErrInvalidFields),
		errors.Is(err, conversation.ErrInvalidPatch),
		errors.Is(err, conversation.ErrAlreadyEnded):
		return http.StatusBadRequest
	}

	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConfig:
		return http.StatusServiceUnavailable
	case apperr.KindNetwork, apperr.KindRemoteAPI, apperr.KindRemote:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, ErrorResponse{Error: message})
}
