package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/househunter/messaging/internal/middleware"
	"github.com/househunter/messaging/internal/playback"
	"github.com/househunter/messaging/internal/session"
	"github.com/househunter/messaging/pkg/logger"
)

// PlaybackHandler handles voice playback endpoints.
type PlaybackHandler struct {
	sessions     *session.Registry
	cache        *playback.Cache
	allowedHosts map[string]bool
	logger       *logger.Logger
}

// NewPlaybackHandler creates a playback handler. With allowedHosts empty
// any http(s) host may be fetched through /media.
func NewPlaybackHandler(sessions *session.Registry, cache *playback.Cache, allowedHosts []string, log *logger.Logger) *PlaybackHandler {
	hosts := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = true
		}
	}
	return &PlaybackHandler{
		sessions:     sessions,
		cache:        cache,
		allowedHosts: hosts,
		logger:       log,
	}
}

// Toggle handles POST /api/v1/playback/:conversationID/:msgID
func (h *PlaybackHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	messageID := chi.URLParam(r, "msgID")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	status, err := sess.TogglePlayback(r.Context(), conversationID, messageID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Stop handles DELETE /api/v1/playback
func (h *PlaybackHandler) Stop(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	sess.Player.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// Media handles GET /api/v1/media?url=
// It serves the cached copy of a remote voice message, or redirects to
// the source when caching is disabled.
func (h *PlaybackHandler) Media(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("url")
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	if len(h.allowedHosts) > 0 && !h.allowedHosts[strings.ToLower(u.Hostname())] {
		writeError(w, http.StatusForbidden, "media host not allowed")
		return
	}

	resolved, err := h.cache.Resolve(r.Context(), source)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if !h.cache.Enabled() {
		http.Redirect(w, r, resolved, http.StatusFound)
		return
	}
	http.ServeFile(w, r, resolved)
}
