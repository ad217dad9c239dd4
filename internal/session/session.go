// Package session owns the per-user messaging components: delivery state
// machine, receipt watcher, audio capture and playback.
package session

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/audio"
	"github.com/househunter/messaging/internal/delivery"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/playback"
	"github.com/househunter/messaging/internal/receipt"
	"github.com/househunter/messaging/pkg/logger"
)

// ErrRecordingNotFound is returned when sending a recording that was never
// stopped or was already sent.
var ErrRecordingNotFound = errors.New("recording not found")

// Session is the messaging state of one user.
type Session struct {
	UserID   string
	Delivery *delivery.Service
	Receipts *receipt.Watcher
	Modes    *audio.ModeCoordinator
	Recorder *audio.Engine
	Player   *playback.Engine

	logger *logger.Logger

	mu      sync.Mutex
	stopped map[string]*model.VoiceArtifact
	status  statusHub
}

// StopRecording finalizes a recording and keeps the artifact until it is
// sent with SendRecording.
func (s *Session) StopRecording(ctx context.Context, recordingID string) (*model.VoiceArtifact, error) {
	artifact, err := s.Recorder.Stop(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.stopped[artifact.ID] = artifact
	s.mu.Unlock()
	return artifact, nil
}

// SendRecording sends a stopped recording as a voice message. Once the
// delivery machine has created a placeholder it owns the artifact. A send
// rejected before that keeps the recording for another attempt, unless it
// can never be sent, in which case its file is removed.
func (s *Session) SendRecording(ctx context.Context, conversationID, recordingID string) (*model.Message, error) {
	s.mu.Lock()
	artifact, ok := s.stopped[recordingID]
	delete(s.stopped, recordingID)
	s.mu.Unlock()
	if !ok {
		return nil, ErrRecordingNotFound
	}

	msg, err := s.Delivery.SendVoice(ctx, conversationID, artifact)
	if errors.Is(err, delivery.ErrVoiceNotStarted) {
		if errors.Is(err, audio.ErrRecordingTooShort) {
			s.discard(artifact)
			return nil, err
		}
		s.mu.Lock()
		s.stopped[recordingID] = artifact
		s.mu.Unlock()
	}
	return msg, err
}

func (s *Session) discard(artifact *model.VoiceArtifact) {
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove recording", zap.String("path", artifact.Path), zap.Error(err))
	}
}

// TogglePlayback toggles playback of a voice message in the local view.
func (s *Session) TogglePlayback(ctx context.Context, conversationID, messageID string) (playback.Status, error) {
	th, err := s.Delivery.Thread(ctx, conversationID)
	if err != nil {
		return playback.Status{}, err
	}
	for i := range th.Messages {
		m := &th.Messages[i]
		if m.ID == messageID || m.ClientID == messageID {
			return s.Player.Toggle(ctx, m)
		}
	}
	return playback.Status{}, delivery.ErrMessageNotFound
}

// SubscribePlayback returns a channel of playback status reports. A slow
// reader only sees the latest report. Call cancel when done.
func (s *Session) SubscribePlayback() (<-chan playback.Status, func()) {
	return s.status.subscribe()
}

// Close tears down every component and removes recordings that were never
// sent.
func (s *Session) Close() {
	s.Player.Stop()
	s.Recorder.Close()
	s.Receipts.Close()
	s.Delivery.Close()
	s.status.closeAll()

	s.mu.Lock()
	stopped := s.stopped
	s.stopped = make(map[string]*model.VoiceArtifact)
	s.mu.Unlock()

	for _, a := range stopped {
		s.discard(a)
	}
}

type statusHub struct {
	mu   sync.Mutex
	subs map[chan playback.Status]struct{}
}

func (h *statusHub) subscribe() (<-chan playback.Status, func()) {
	ch := make(chan playback.Status, 1)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan playback.Status]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

// publish never blocks: a full channel drops its stale report.
func (h *statusHub) publish(st playback.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (h *statusHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
