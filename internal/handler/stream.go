package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/delivery"
	"github.com/househunter/messaging/internal/middleware"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/session"
	"github.com/househunter/messaging/pkg/logger"
	"github.com/househunter/messaging/pkg/metrics"
)

const heartbeatInterval = 30 * time.Second

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	sessions *session.Registry
	logger   *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions *session.Registry, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Conversations handles GET /api/v1/conversations/stream
// It sends the merged list and then every change to it.
func (h *StreamHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	feed := sess.Delivery.Subscribe()
	defer sess.Delivery.Unsubscribe(feed)
	if err := sess.Delivery.WatchConversations(); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	merged, err := sess.Delivery.Conversations(ctx)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, string(delivery.UpdateConversations), merged)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-feed.Done():
			sendSSEEvent(w, flusher, "error", &model.ErrorEvent{Code: "shutting_down", Message: "session closed"})
			return
		case <-feed.Ready():
			for _, u := range feed.Drain() {
				if u.Type != delivery.UpdateConversations {
					continue
				}
				if err := sendSSEEvent(w, flusher, string(u.Type), u.Conversations); err != nil {
					return
				}
			}
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

// Thread handles GET /api/v1/conversations/:id/stream
// The conversation counts as open for receipts while the stream is
// connected. Thread snapshots and playback status are pushed as they change.
func (h *StreamHandler) Thread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	log := middleware.RequestLogger(ctx, h.logger).WithConversation(conversationID)

	feed := sess.Delivery.Subscribe()
	defer sess.Delivery.Unsubscribe(feed)
	if err := sess.Delivery.Open(ctx, conversationID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer sess.Delivery.CloseConversation(conversationID)

	statuses, cancel := sess.SubscribePlayback()
	defer cancel()

	th, err := sess.Delivery.Thread(ctx, conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, string(delivery.UpdateThread), th)
	log.Info("thread stream connected")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("thread stream disconnected")
			return
		case <-feed.Done():
			sendSSEEvent(w, flusher, "error", &model.ErrorEvent{Code: "shutting_down", Message: "session closed"})
			return
		case <-feed.Ready():
			for _, u := range feed.Drain() {
				if u.Type != delivery.UpdateThread || u.Thread == nil || u.Thread.ConversationID != conversationID {
					continue
				}
				if err := sendSSEEvent(w, flusher, string(u.Type), u.Thread); err != nil {
					log.Warn("failed to write thread update", zap.Error(err))
					return
				}
			}
		case st, open := <-statuses:
			if !open {
				return
			}
			sendSSEEvent(w, flusher, "playback", st)
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
