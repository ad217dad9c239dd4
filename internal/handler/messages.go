package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/househunter/messaging/internal/middleware"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/session"
	"github.com/househunter/messaging/pkg/logger"
)

// Delete scopes.
const (
	ScopeMe       = "me"
	ScopeEveryone = "everyone"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	sessions *session.Registry
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(sessions *session.Registry, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		sessions: sessions,
		logger:   log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	th, err := sess.Delivery.Thread(r.Context(), conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, th)
}

// Send handles POST /api/v1/conversations/:id/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	sess, conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		msg *model.Message
		err error
	)
	if req.PropertyID != "" {
		if err := middleware.ValidatePropertyID(req.PropertyID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msg, err = sess.Delivery.SendPropertyOffer(r.Context(), conversationID, req.PropertyID, req.Body)
	} else {
		if err := middleware.ValidateMessageBody(req.Body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msg, err = sess.Delivery.SendText(r.Context(), conversationID, req.Body)
	}
	if err != nil {
		writeFailure(w, r, h.logger, err, msg)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// SendVoice handles POST /api/v1/conversations/:id/voice
func (h *MessageHandler) SendVoice(w http.ResponseWriter, r *http.Request) {
	sess, conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req model.SendVoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateRecordingID(req.RecordingID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := sess.SendRecording(r.Context(), conversationID, req.RecordingID)
	if err != nil {
		writeFailure(w, r, h.logger, err, msg)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Retry handles POST /api/v1/conversations/:id/messages/:msgID/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	sess, conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}
	messageID := chi.URLParam(r, "msgID")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := sess.Delivery.RetryVoice(r.Context(), conversationID, messageID)
	if err != nil {
		writeFailure(w, r, h.logger, err, msg)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// MarkRead handles POST /api/v1/conversations/:id/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	sess, conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	marked, err := sess.Delivery.MarkRead(r.Context(), conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"marked": marked})
}

// Delete handles DELETE /api/v1/conversations/:id/messages/:msgID?scope=me|everyone
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}
	messageID := chi.URLParam(r, "msgID")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", ScopeMe:
		err = sess.Delivery.DeleteForMe(r.Context(), conversationID, messageID)
	case ScopeEveryone:
		err = sess.Delivery.DeleteForEveryone(r.Context(), conversationID, messageID)
	default:
		writeError(w, http.StatusBadRequest, "scope must be me or everyone")
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) conversation(w http.ResponseWriter, r *http.Request) (*session.Session, string, bool) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, "", false
	}
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return nil, "", false
	}
	return sess, conversationID, true
}
