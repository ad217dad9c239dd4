package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/audio"
	"github.com/househunter/messaging/internal/delivery"
	"github.com/househunter/messaging/internal/middleware"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/playback"
	"github.com/househunter/messaging/internal/session"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/internal/upload"
	"github.com/househunter/messaging/pkg/logger"
)

// errorResponse is the body of every error. Failed sends carry the
// failed message so clients can render it with its retry state.
type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Message *model.Message `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{delivery.ErrMessageNotFound, http.StatusNotFound, "message_not_found"},
	{session.ErrRecordingNotFound, http.StatusNotFound, "recording_not_found"},
	{audio.ErrNoActiveRecording, http.StatusNotFound, "no_active_recording"},
	{delivery.ErrNotParticipant, http.StatusForbidden, "not_participant"},
	{delivery.ErrNotSender, http.StatusForbidden, "not_sender"},
	{delivery.ErrEmptyMessage, http.StatusBadRequest, "empty_message"},
	{store.ErrInvalidParticipants, http.StatusBadRequest, "invalid_participants"},
	{audio.ErrRecordingTooShort, http.StatusUnprocessableEntity, "recording_too_short"},
	{audio.ErrRecordingUnplayable, http.StatusUnprocessableEntity, "recording_unplayable"},
	{audio.ErrNotStreaming, http.StatusConflict, "not_streaming"},
	{audio.ErrRecordingTooLarge, http.StatusRequestEntityTooLarge, "recording_too_large"},
	{delivery.ErrAlreadySending, http.StatusConflict, "already_sending"},
	{delivery.ErrNotRetryable, http.StatusConflict, "not_retryable"},
	{delivery.ErrRetryLimit, http.StatusConflict, "record_again"},
	{upload.ErrStorageMisconfigured, http.StatusServiceUnavailable, "storage_misconfigured"},
	{upload.ErrArtifactTooLarge, http.StatusRequestEntityTooLarge, "artifact_too_large"},
	{upload.ErrUploadFailed, http.StatusBadGateway, "upload_failed"},
	{delivery.ErrSendFailed, http.StatusBadGateway, "send_failed"},
	{playback.ErrNotPlayable, http.StatusUnprocessableEntity, "not_playable"},
	{playback.ErrDecodeFailed, http.StatusUnprocessableEntity, "decode_failed"},
	{playback.ErrFetchFailed, http.StatusBadGateway, "fetch_failed"},
	{playback.ErrSuperseded, http.StatusConflict, "playback_superseded"},
	{session.ErrClosed, http.StatusServiceUnavailable, "shutting_down"},
}

// statusFor maps a domain error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, "chunk_too_large"
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeServiceError writes err with its mapped status. Unmapped errors are
// logged and hidden from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	writeFailure(w, r, log, err, nil)
}

// writeFailure is writeServiceError carrying the failed message.
func writeFailure(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error, msg *model.Message) {
	status, code := statusFor(err)
	text := err.Error()
	if status == http.StatusInternalServerError {
		middleware.RequestLogger(r.Context(), log).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		text = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: text, Code: code, Message: msg})
}

// sessionFor returns the session of the authenticated user.
func sessionFor(w http.ResponseWriter, r *http.Request, sessions *session.Registry, log *logger.Logger) (*session.Session, bool) {
	sess, err := sessions.Get(middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, log, err)
		return nil, false
	}
	return sess, true
}
