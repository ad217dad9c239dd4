// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/househunter/messaging/internal/middleware"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/session"
	"github.com/househunter/messaging/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	sessions *session.Registry
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(sessions *session.Registry, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Start handles POST /api/v1/conversations
func (h *ConversationHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	var req model.StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if err := middleware.ValidateUserID(req.ParticipantID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidatePropertyID(req.PropertyID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OwnerID == "" {
		switch middleware.GetRole(ctx) {
		case middleware.RoleTenant:
			req.OwnerID = req.ParticipantID
		case middleware.RoleOwner:
			req.OwnerID = middleware.GetUserID(ctx)
		}
	}

	conv, err := sess.Delivery.StartConversation(ctx, &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	merged, err := sess.Delivery.Conversations(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: merged,
		Total:         len(merged),
	})
}

// Delete handles DELETE /api/v1/conversations/:id
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	if err := sess.Delivery.DeleteConversation(r.Context(), conversationID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
