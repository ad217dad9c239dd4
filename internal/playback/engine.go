package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/audio"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/pkg/logger"
)

// DefaultTick is the status reporting interval.
const DefaultTick = 200 * time.Millisecond

var (
	// ErrNotPlayable is returned for messages without a playable voice attachment.
	ErrNotPlayable = errors.New("message has no playable audio")

	// ErrSuperseded is returned when a load is overtaken by Stop or
	// another Toggle before it finishes.
	ErrSuperseded = errors.New("playback superseded")
)

// Status is the transport state of the loaded voice message.
type Status struct {
	MessageID string        `json:"message_id"`
	Position  time.Duration `json:"position"`
	Duration  time.Duration `json:"duration"`
	Playing   bool          `json:"playing"`
	Error     string        `json:"error,omitempty"`
}

// StatusFunc receives playback status reports.
type StatusFunc func(Status)

// Engine plays one voice message at a time.
type Engine struct {
	mu       sync.Mutex
	cache    *Cache
	decoder  Decoder
	modes    *audio.ModeCoordinator
	tick     time.Duration
	onStatus StatusFunc
	logger   *logger.Logger

	messageID string
	source    string
	track     Track
	stopTick  func()
	// gen changes whenever the loaded track is replaced or unloaded. A
	// load that finishes under a different gen is discarded.
	gen uint64
}

// NewEngine creates a playback engine. onStatus may be nil.
func NewEngine(cache *Cache, decoder Decoder, modes *audio.ModeCoordinator, tick time.Duration, onStatus StatusFunc, log *logger.Logger) *Engine {
	if tick <= 0 {
		tick = DefaultTick
	}
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	return &Engine{
		cache:    cache,
		decoder:  decoder,
		modes:    modes,
		tick:     tick,
		onStatus: onStatus,
		logger:   log,
	}
}

// Toggle loads msg if it is not the current track and toggles play/pause.
func (e *Engine) Toggle(ctx context.Context, msg *model.Message) (Status, error) {
	att, ok := msg.Voice()
	if !ok || att.URL == "" || msg.DeletedForEveryone {
		return Status{MessageID: msg.ID}, ErrNotPlayable
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.track != nil && e.messageID == msg.ID && e.source == att.URL {
		if e.track.Playing() {
			e.track.Pause()
			e.stopTickerLocked()
			status := e.statusLocked()
			e.onStatus(status)
			return status, nil
		}
		return e.playLocked(ctx)
	}

	e.resetLocked()
	gen := e.gen
	e.mu.Unlock()

	// Fetch and decode run unlocked; Stop and status ticks proceed meanwhile.
	track, err := e.load(ctx, att)

	e.mu.Lock()
	if gen != e.gen {
		if track != nil {
			_ = track.Close()
		}
		return Status{MessageID: msg.ID}, ErrSuperseded
	}
	if err != nil {
		return e.failLocked(msg.ID, err)
	}

	e.messageID = msg.ID
	e.source = att.URL
	e.track = track
	return e.playLocked(ctx)
}

func (e *Engine) load(ctx context.Context, att *model.Attachment) (Track, error) {
	uri, err := e.cache.Resolve(ctx, att.URL)
	if err != nil {
		return nil, err
	}
	track, err := e.decoder.Load(ctx, uri, att.Duration)
	if err != nil {
		if !errors.Is(err, ErrDecodeFailed) {
			err = fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
		return nil, err
	}
	return track, nil
}

// Stop unloads the current track.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

// Current returns the status of the loaded track.
func (e *Engine) Current() (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.track == nil {
		return Status{}, false
	}
	return e.statusLocked(), true
}

func (e *Engine) playLocked(ctx context.Context) (Status, error) {
	if err := e.modes.Set(ctx, audio.ModePlayback); err != nil {
		e.logger.Warn("failed to switch audio mode", zap.Error(err))
	}
	e.track.Play()
	e.startTickerLocked()
	status := e.statusLocked()
	e.onStatus(status)
	return status, nil
}

func (e *Engine) failLocked(messageID string, err error) (Status, error) {
	e.resetLocked()
	status := Status{MessageID: messageID, Error: err.Error()}
	e.onStatus(status)
	e.logger.Warn("playback failed", zap.String("message_id", messageID), zap.Error(err))
	return status, err
}

func (e *Engine) resetLocked() {
	e.gen++
	e.stopTickerLocked()
	if e.track != nil {
		if err := e.track.Close(); err != nil {
			e.logger.Warn("failed to close track", zap.String("message_id", e.messageID), zap.Error(err))
		}
	}
	e.track = nil
	e.messageID = ""
	e.source = ""
}

func (e *Engine) statusLocked() Status {
	return Status{
		MessageID: e.messageID,
		Position:  e.track.Position(),
		Duration:  e.track.Duration(),
		Playing:   e.track.Playing(),
	}
}

func (e *Engine) startTickerLocked() {
	e.stopTickerLocked()

	track := e.track
	ticker := time.NewTicker(e.tick)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.mu.Lock()
				if e.track != track {
					e.mu.Unlock()
					return
				}
				status := e.statusLocked()
				e.onStatus(status)
				if !status.Playing {
					e.stopTick = nil
					e.mu.Unlock()
					return
				}
				e.mu.Unlock()
			}
		}
	}()

	var once sync.Once
	e.stopTick = func() { once.Do(func() { close(done) }) }
}

func (e *Engine) stopTickerLocked() {
	if e.stopTick != nil {
		e.stopTick()
		e.stopTick = nil
	}
}
