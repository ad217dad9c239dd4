package session

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/audio"
	"github.com/househunter/messaging/internal/delivery"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/playback"
	"github.com/househunter/messaging/internal/receipt"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/pkg/logger"
)

// ErrClosed is returned by a registry that has been shut down.
var ErrClosed = errors.New("session registry closed")

// Deps are the shared collaborators every session is built from.
type Deps struct {
	Store    store.Store
	Uploader delivery.Uploader
	Notifier delivery.Notifier

	Backend  audio.Backend
	Verifier audio.Verifier
	Audio    audio.Config

	Cache        *playback.Cache
	Decoder      playback.Decoder
	PlaybackTick time.Duration

	Delivery      delivery.Config
	ReceiptWindow int
}

// Registry creates sessions lazily, one per user.
type Registry struct {
	deps   Deps
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a session registry.
func NewRegistry(deps Deps, log *logger.Logger) *Registry {
	if deps.Verifier == nil {
		deps.Verifier = audio.HeaderVerifier{}
	}
	if deps.Decoder == nil {
		deps.Decoder = playback.ClockDecoder{}
	}
	return &Registry{
		deps:     deps,
		logger:   log,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session of userID, creating it on first use.
func (r *Registry) Get(userID string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.sessions[userID]; ok {
		return s, nil
	}

	s := r.build(userID)
	r.sessions[userID] = s
	r.logger.Info("session created", zap.String("user_id", userID))
	return s, nil
}

// Users returns the users with a live session, sorted.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close shuts down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.closed = true
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.logger.Info("sessions closed", zap.Int("count", len(sessions)))
}

func (r *Registry) build(userID string) *Session {
	log := r.logger.With(zap.String("user_id", userID))

	s := &Session{
		UserID:  userID,
		logger:  log,
		stopped: make(map[string]*model.VoiceArtifact),
	}

	s.Modes = audio.NewModeCoordinator(audio.NewLoggedHardware(log), log)

	audioCfg := r.deps.Audio
	if audioCfg.Dir != "" {
		audioCfg.Dir = filepath.Join(audioCfg.Dir, userID)
	}
	s.Recorder = audio.NewEngine(r.deps.Backend, s.Modes, r.deps.Verifier, audioCfg, log)

	cache := r.deps.Cache
	if cache == nil {
		cache = playback.NewCache("", 0, log)
	}
	s.Player = playback.NewEngine(cache, r.deps.Decoder, s.Modes, r.deps.PlaybackTick, s.status.publish, log)

	deliveryCfg := r.deps.Delivery
	if deliveryCfg.MinVoiceBytes <= 0 {
		deliveryCfg.MinVoiceBytes = audioCfg.MinBytes
	}
	s.Delivery = delivery.NewService(userID, r.deps.Store, r.deps.Uploader, r.deps.Notifier, deliveryCfg, log)

	var receiptNotifier receipt.Notifier
	if r.deps.Notifier != nil {
		receiptNotifier = r.deps.Notifier
	}
	s.Receipts = receipt.NewWatcher(userID, r.deps.Store, r.deps.ReceiptWindow, receiptNotifier, log)
	s.Delivery.OnActiveChange(s.Receipts.SetActive)

	return s
}
