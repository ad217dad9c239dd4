package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/pkg/logger"
	"github.com/househunter/messaging/pkg/metrics"
)

// DefaultMinBytes is the smallest capture accepted as a voice message.
const DefaultMinBytes = 8 * 1024

var (
	// ErrRecordingTooShort is returned when a capture is below the size threshold.
	ErrRecordingTooShort = errors.New("recording too short")

	// ErrRecordingUnplayable is returned when a capture fails the decode check.
	ErrRecordingUnplayable = errors.New("recording unplayable")

	// ErrNoActiveRecording is returned for a handle that is not the active recording.
	ErrNoActiveRecording = errors.New("no active recording with that handle")

	// ErrNotStreaming is returned when chunks are written to a backend
	// that captures on its own.
	ErrNotStreaming = errors.New("recording backend does not accept chunks")
)

// Backend is a platform capture implementation.
type Backend interface {
	// Format is the container the backend produces.
	Format() model.Format
	// Open acquires a hardware session without starting capture.
	Open(ctx context.Context) (Session, error)
}

// Session is an open capture session used for one recording.
type Session interface {
	Begin(ctx context.Context, path string) error
	Finish(ctx context.Context) error
	Abort() error
}

// ChunkWriter is implemented by sessions whose audio arrives from a
// remote recorder.
type ChunkWriter interface {
	WriteChunk(r io.Reader) (int64, error)
}

// Config configures the capture engine.
type Config struct {
	Dir      string
	MinBytes int64
}

// Recording is the handle of an in-progress capture.
type Recording struct {
	ID        string       `json:"id"`
	Path      string       `json:"-"`
	Format    model.Format `json:"format"`
	StartedAt time.Time    `json:"started_at"`

	session Session
	levels  []float64
}

// Engine captures voice recordings. Only one recording is active at a
// time; starting a new one force-stops the previous one.
type Engine struct {
	mu       sync.Mutex
	backend  Backend
	modes    *ModeCoordinator
	verifier Verifier
	cfg      Config
	logger   *logger.Logger
	warm     Session
	active   *Recording
	now      func() time.Time
}

// NewEngine creates a capture engine.
func NewEngine(backend Backend, modes *ModeCoordinator, verifier Verifier, cfg Config, log *logger.Logger) *Engine {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = DefaultMinBytes
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	return &Engine{
		backend:  backend,
		modes:    modes,
		verifier: verifier,
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
	}
}

// Prepare opens a hardware session ahead of time. The next Start reuses it.
func (e *Engine) Prepare(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.warm != nil {
		return nil
	}
	session, err := e.backend.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare recorder: %w", err)
	}
	e.warm = session
	return nil
}

// Start begins a recording and returns its handle.
func (e *Engine) Start(ctx context.Context) (Recording, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		e.forceStopLocked()
	}

	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return Recording{}, fmt.Errorf("failed to create recording dir: %w", err)
	}
	if err := e.modes.Lock(ctx); err != nil {
		e.modes.Unlock()
		return Recording{}, err
	}

	session := e.warm
	e.warm = nil
	if session == nil {
		var err error
		session, err = e.backend.Open(ctx)
		if err != nil {
			e.modes.Unlock()
			return Recording{}, fmt.Errorf("failed to open recorder: %w", err)
		}
	}

	format := e.backend.Format()
	id := uuid.NewString()
	rec := &Recording{
		ID:        id,
		Path:      filepath.Join(e.cfg.Dir, id+"."+string(format)),
		Format:    format,
		StartedAt: e.now(),
		session:   session,
	}
	if err := session.Begin(ctx, rec.Path); err != nil {
		_ = session.Abort()
		e.modes.Unlock()
		return Recording{}, fmt.Errorf("failed to start recording: %w", err)
	}

	e.active = rec
	e.logger.Debug("recording started", zap.String("recording_id", id), zap.String("format", string(format)))
	return *rec, nil
}

// Write appends audio to the active recording of a chunk-fed backend.
// The chunk is read from r before the engine is locked, so a slow
// sender does not stall Stop, Cancel or Meter.
func (e *Engine) Write(id string, r io.Reader) (int64, error) {
	if _, err := e.chunkWriter(id); err != nil {
		return 0, err
	}
	chunk, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read chunk: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := e.chunkWriterLocked(id)
	if err != nil {
		return 0, err
	}
	return w.WriteChunk(bytes.NewReader(chunk))
}

func (e *Engine) chunkWriter(id string) (ChunkWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunkWriterLocked(id)
}

func (e *Engine) chunkWriterLocked(id string) (ChunkWriter, error) {
	rec, err := e.activeLocked(id)
	if err != nil {
		return nil, err
	}
	w, ok := rec.session.(ChunkWriter)
	if !ok {
		return nil, ErrNotStreaming
	}
	return w, nil
}

// Meter records an amplitude sample in [0, 1] for the waveform.
func (e *Engine) Meter(id string, level float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.activeLocked(id)
	if err != nil {
		return err
	}
	rec.levels = append(rec.levels, clamp(level))
	return nil
}

// Stop finalizes the recording and validates the artifact.
func (e *Engine) Stop(ctx context.Context, id string) (*model.VoiceArtifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.activeLocked(id)
	if err != nil {
		return nil, err
	}
	e.active = nil
	defer e.modes.Unlock()

	if err := rec.session.Finish(ctx); err != nil {
		os.Remove(rec.Path)
		metrics.RecordingsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to finalize recording: %w", err)
	}

	info, err := os.Stat(rec.Path)
	if err != nil {
		metrics.RecordingsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to stat recording: %w", err)
	}
	if info.Size() < e.cfg.MinBytes {
		os.Remove(rec.Path)
		metrics.RecordingsTotal.WithLabelValues("too_short").Inc()
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordingTooShort, info.Size())
	}
	if err := e.verifier.Verify(rec.Path, rec.Format); err != nil {
		os.Remove(rec.Path)
		metrics.RecordingsTotal.WithLabelValues("unplayable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRecordingUnplayable, err)
	}

	metrics.RecordingsTotal.WithLabelValues("ok").Inc()
	return &model.VoiceArtifact{
		ID:       rec.ID,
		Path:     rec.Path,
		Format:   rec.Format,
		MIMEType: rec.Format.MIMEType(),
		Duration: e.now().Sub(rec.StartedAt),
		Waveform: Downsample(rec.levels, MaxWaveformSamples),
		ByteSize: info.Size(),
	}, nil
}

// Cancel discards the recording without validation.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.activeLocked(id)
	if err != nil {
		return err
	}
	e.active = nil
	defer e.modes.Unlock()

	abortErr := rec.session.Abort()
	os.Remove(rec.Path)
	metrics.RecordingsTotal.WithLabelValues("cancelled").Inc()
	return abortErr
}

// Active returns the active recording handle, if any.
func (e *Engine) Active() (Recording, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return Recording{}, false
	}
	return *e.active, true
}

// Close aborts any active recording and releases the warm session.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		e.forceStopLocked()
	}
	if e.warm != nil {
		_ = e.warm.Abort()
		e.warm = nil
	}
}

func (e *Engine) activeLocked(id string) (*Recording, error) {
	if e.active == nil || e.active.ID != id {
		return nil, ErrNoActiveRecording
	}
	return e.active, nil
}

func (e *Engine) forceStopLocked() {
	rec := e.active
	e.active = nil
	if err := rec.session.Abort(); err != nil {
		e.logger.Warn("failed to abort superseded recording", zap.String("recording_id", rec.ID), zap.Error(err))
	}
	os.Remove(rec.Path)
	e.modes.Unlock()
	metrics.RecordingsTotal.WithLabelValues("superseded").Inc()
	e.logger.Info("superseded active recording", zap.String("recording_id", rec.ID))
}
