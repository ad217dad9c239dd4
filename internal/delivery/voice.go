package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/audio"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/upload"
	"github.com/househunter/messaging/pkg/metrics"
)

// SendVoice sends a validated recording as a voice message. The
// placeholder is visible immediately with upload progress; on failure it
// stays failed with its artifact retained for RetryVoice.
func (s *Service) SendVoice(ctx context.Context, conversationID string, artifact *model.VoiceArtifact) (*model.Message, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVoiceNotStarted, err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: %w", ErrVoiceNotStarted, ErrEmptyMessage)
	}
	minBytes := s.cfg.MinVoiceBytes
	if minBytes <= 0 {
		minBytes = audio.DefaultMinBytes
	}
	if artifact.ByteSize < minBytes {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrVoiceNotStarted, audio.ErrRecordingTooShort, artifact.ByteSize)
	}

	msg := s.placeholder(conversationID, model.KindAudio)
	msg.Attachments = []model.Attachment{{
		LocalPath: artifact.Path,
		MIMEType:  artifact.MIMEType,
		ByteSize:  artifact.ByteSize,
		Duration:  artifact.Duration,
		Waveform:  artifact.Waveform,
	}}

	s.mu.Lock()
	s.artifacts[msg.ClientID] = artifact
	s.inflight[msg.ClientID] = struct{}{}
	s.mu.Unlock()

	s.optimistic(msg)
	return s.deliverVoice(ctx, conv, msg.ClientID)
}

// RetryVoice retries a failed voice message identified by its temporary
// id. Retries stop after Config.MaxAttempts failed attempts.
func (s *Service) RetryVoice(ctx context.Context, conversationID, id string) (*model.Message, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrMessageNotFound
	}
	m, ok := t.get(id)
	if !ok {
		s.mu.Unlock()
		return nil, ErrMessageNotFound
	}
	clientID := m.ClientID
	if err := s.retryableLocked(m); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	m.Advance(model.StatusSending, s.now())
	m.UploadProgress = 0
	s.inflight[clientID] = struct{}{}
	s.mu.Unlock()

	s.publishThread(conversationID)
	s.logger.Info("retrying voice message",
		zap.String("conversation_id", conversationID),
		zap.String("client_id", clientID),
	)
	return s.deliverVoice(ctx, conv, clientID)
}

func (s *Service) retryableLocked(m *model.Message) error {
	if _, busy := s.inflight[m.ClientID]; busy {
		return ErrAlreadySending
	}
	if m.Kind != model.KindAudio || m.ID != "" || m.Status != model.StatusFailed {
		return ErrNotRetryable
	}
	if m.Terminal || m.RetryCount >= s.cfg.MaxAttempts {
		return ErrRetryLimit
	}
	if s.artifacts[m.ClientID] == nil && s.uploaded[m.ClientID] == nil {
		return fmt.Errorf("%w: recording no longer available", ErrRetryLimit)
	}
	return nil
}

// deliverVoice uploads the artifact unless an earlier attempt already did,
// then appends the message.
func (s *Service) deliverVoice(ctx context.Context, conv *model.Conversation, clientID string) (*model.Message, error) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, clientID)
		s.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(ctx, "delivery.voice")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", conv.ID),
		attribute.String("client_id", clientID),
	)

	s.mu.Lock()
	result := s.uploaded[clientID]
	artifact := s.artifacts[clientID]
	s.mu.Unlock()

	if result == nil {
		var err error
		result, err = s.uploadVoice(ctx, conv.ID, clientID, artifact)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upload failed")
			return s.voiceFailed(conv.ID, clientID, err)
		}
		s.mu.Lock()
		s.uploaded[clientID] = result
		s.mu.Unlock()
	} else {
		span.SetAttributes(attribute.Bool("reused_upload", true))
	}

	s.mutate(conv.ID, clientID, func(m *model.Message) {
		m.UploadProgress = 1
		if att, ok := m.Voice(); ok {
			att.URL = result.URL
			att.ByteSize = result.ByteSize
			att.Transcript = result.Transcript
			att.LocalPath = ""
		}
	})

	msg, ok := s.local(conv.ID, clientID)
	if !ok {
		// Removed from the view while uploading.
		s.mu.Lock()
		s.forget(clientID)
		s.mu.Unlock()
		return nil, ErrMessageNotFound
	}

	stored, err := s.appendMessage(ctx, conv.ID, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store write failed")
		return s.voiceFailed(conv.ID, clientID, err)
	}

	s.mu.Lock()
	delete(s.artifacts, clientID)
	delete(s.uploaded, clientID)
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues(string(model.KindAudio), "sent").Inc()
	s.delivered(conv, clientID, stored)

	out, ok := s.local(conv.ID, clientID)
	if !ok {
		return stored, nil
	}
	return out, nil
}

func (s *Service) uploadVoice(ctx context.Context, conversationID, clientID string, artifact *model.VoiceArtifact) (*upload.Result, error) {
	if s.uploader == nil {
		return nil, upload.ErrStorageMisconfigured
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: recording no longer available", ErrRetryLimit)
	}
	return s.uploader.Upload(ctx, artifact, conversationID, s.userID, func(p float64) {
		s.mutate(conversationID, clientID, func(m *model.Message) {
			if m.Status == model.StatusSending {
				m.UploadProgress = p
			}
		})
	})
}

// voiceFailed records a failed attempt. Misconfiguration and invalid
// artifacts are terminal without consuming an attempt; any other failure
// consumes one.
func (s *Service) voiceFailed(conversationID, clientID string, cause error) (*model.Message, error) {
	fatal := errors.Is(cause, upload.ErrStorageMisconfigured) ||
		errors.Is(cause, upload.ErrArtifactTooLarge) ||
		errors.Is(cause, ErrRetryLimit)

	var terminal bool
	var attempts int
	s.mutate(conversationID, clientID, func(m *model.Message) {
		m.Advance(model.StatusFailed, s.now())
		m.UploadProgress = 0
		if !fatal {
			m.RetryCount++
		}
		m.Terminal = fatal || m.RetryCount >= s.cfg.MaxAttempts
		terminal = m.Terminal
		attempts = m.RetryCount
	})
	metrics.MessagesTotal.WithLabelValues(string(model.KindAudio), "failed").Inc()

	if terminal {
		s.discardArtifact(clientID)
	}
	s.logger.Warn("voice message failed",
		zap.String("conversation_id", conversationID),
		zap.String("client_id", clientID),
		zap.Int("failed_attempts", attempts),
		zap.Bool("terminal", terminal),
		zap.Error(cause),
	)

	out, _ := s.local(conversationID, clientID)
	return out, cause
}

// discardArtifact drops a recording that can no longer be sent.
func (s *Service) discardArtifact(clientID string) {
	s.mu.Lock()
	artifact := s.artifacts[clientID]
	delete(s.artifacts, clientID)
	delete(s.uploaded, clientID)
	s.mu.Unlock()

	if artifact == nil {
		return
	}
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove recording", zap.String("path", artifact.Path), zap.Error(err))
	}
}
