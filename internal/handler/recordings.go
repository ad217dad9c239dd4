package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/househunter/messaging/internal/middleware"
	"github.com/househunter/messaging/internal/session"
	"github.com/househunter/messaging/pkg/logger"
)

// AudioLevelHeader carries the recorder's amplitude sample for a chunk.
const AudioLevelHeader = "X-Audio-Level"

// RecordingHandler handles voice capture endpoints.
type RecordingHandler struct {
	sessions *session.Registry
	maxChunk int64
	logger   *logger.Logger
}

// NewRecordingHandler creates a recording handler. maxChunk bounds a
// single appended chunk.
func NewRecordingHandler(sessions *session.Registry, maxChunk int64, log *logger.Logger) *RecordingHandler {
	return &RecordingHandler{
		sessions: sessions,
		maxChunk: maxChunk,
		logger:   log,
	}
}

type stoppedRecording struct {
	ID       string        `json:"id"`
	Format   string        `json:"format"`
	MIMEType string        `json:"mime_type"`
	Duration time.Duration `json:"duration"`
	Waveform []float64     `json:"waveform,omitempty"`
	ByteSize int64         `json:"byte_size"`
}

// Prepare handles POST /api/v1/recordings/prepare
func (h *RecordingHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	if err := sess.Recorder.Prepare(r.Context()); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start handles POST /api/v1/recordings
func (h *RecordingHandler) Start(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	rec, err := sess.Recorder.Start(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Append handles PUT /api/v1/recordings/:id
func (h *RecordingHandler) Append(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := h.recording(w, r)
	if !ok {
		return
	}

	if raw := r.Header.Get(AudioLevelHeader); raw != "" {
		level, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid audio level")
			return
		}
		if err := sess.Recorder.Meter(id, level); err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
	}

	body := r.Body
	if h.maxChunk > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxChunk)
	}
	n, err := sess.Recorder.Write(id, body)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"written": n})
}

// Stop handles POST /api/v1/recordings/:id/stop
func (h *RecordingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := h.recording(w, r)
	if !ok {
		return
	}
	artifact, err := sess.StopRecording(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, &stoppedRecording{
		ID:       artifact.ID,
		Format:   string(artifact.Format),
		MIMEType: artifact.MIMEType,
		Duration: artifact.Duration,
		Waveform: artifact.Waveform,
		ByteSize: artifact.ByteSize,
	})
}

// Cancel handles DELETE /api/v1/recordings/:id
func (h *RecordingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := h.recording(w, r)
	if !ok {
		return
	}
	if err := sess.Recorder.Cancel(id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RecordingHandler) recording(w http.ResponseWriter, r *http.Request) (*session.Session, string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateRecordingID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, "", false
	}
	sess, ok := sessionFor(w, r, h.sessions, h.logger)
	if !ok {
		return nil, "", false
	}
	return sess, id, true
}
