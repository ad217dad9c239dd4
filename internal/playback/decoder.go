package playback

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/househunter/messaging/internal/audio"
)

// ErrDecodeFailed is returned when a resolved source cannot be decoded.
var ErrDecodeFailed = errors.New("playback decode failed")

// Decoder loads a playable track.
type Decoder interface {
	Load(ctx context.Context, uri string, duration time.Duration) (Track, error)
}

// Track is a loaded decoder instance.
type Track interface {
	Play()
	Pause()
	Playing() bool
	Position() time.Duration
	Duration() time.Duration
	Close() error
}

// ClockDecoder is the decoder of a host without an audio output: local
// files are checked for a known container and the transport position
// follows the wall clock up to the attachment duration.
type ClockDecoder struct {
	Now func() time.Time
}

// Load validates uri and returns a clock-driven track.
func (d ClockDecoder) Load(ctx context.Context, uri string, duration time.Duration) (Track, error) {
	if u, err := url.Parse(uri); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		if _, err := audio.DetectFormat(uri); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: unknown duration", ErrDecodeFailed)
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &clockTrack{duration: duration, now: now}, nil
}

type clockTrack struct {
	mu       sync.Mutex
	duration time.Duration
	now      func() time.Time
	offset   time.Duration
	started  time.Time
	playing  bool
	closed   bool
}

func (t *clockTrack) Play() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.playing || t.closed {
		return
	}
	if t.offset >= t.duration {
		t.offset = 0
	}
	t.started = t.now()
	t.playing = true
}

func (t *clockTrack) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.playing {
		return
	}
	t.offset = t.positionLocked()
	t.playing = false
}

func (t *clockTrack) Playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.playing && t.positionLocked() >= t.duration {
		t.offset = t.duration
		t.playing = false
	}
	return t.playing
}

func (t *clockTrack) Position() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positionLocked()
}

func (t *clockTrack) positionLocked() time.Duration {
	pos := t.offset
	if t.playing {
		pos += t.now().Sub(t.started)
	}
	if pos > t.duration {
		pos = t.duration
	}
	return pos
}

func (t *clockTrack) Duration() time.Duration { return t.duration }

func (t *clockTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing = false
	t.closed = true
	return nil
}
