package delivery

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/pkg/metrics"
)

// TempIDPrefix prefixes temporary ids of optimistic messages.
const TempIDPrefix = "local-"

// NewTempID returns a fresh temporary message id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// SendText sends a text message. Text failures are terminal: the
// placeholder stays in the view as failed and is never retried.
func (s *Service) SendText(ctx context.Context, conversationID, body string) (*model.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}
	return s.send(ctx, conversationID, model.KindText, body, "")
}

// SendPropertyOffer sends a reference to a property and records it on the
// conversation.
func (s *Service) SendPropertyOffer(ctx context.Context, conversationID, propertyID, body string) (*model.Message, error) {
	propertyID = strings.TrimSpace(propertyID)
	if propertyID == "" {
		return nil, ErrEmptyMessage
	}
	msg, err := s.send(ctx, conversationID, model.KindPropertyOffer, strings.TrimSpace(body), propertyID)
	if err != nil {
		return msg, err
	}
	if _, err := s.store.AddPropertyRef(ctx, conversationID, propertyID); err != nil {
		s.logger.Warn("failed to reference offered property",
			zap.String("conversation_id", conversationID),
			zap.String("property_id", propertyID),
			zap.Error(err),
		)
	}
	return msg, nil
}

func (s *Service) send(ctx context.Context, conversationID string, kind model.Kind, body, propertyID string) (*model.Message, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "delivery.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", conversationID),
		attribute.String("kind", string(kind)),
	)

	msg := s.placeholder(conversationID, kind)
	msg.Body = body
	msg.PropertyID = propertyID
	s.optimistic(msg)

	stored, err := s.appendMessage(ctx, conversationID, &msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		metrics.MessagesTotal.WithLabelValues(string(kind), "failed").Inc()
		s.mutate(conversationID, msg.ClientID, func(m *model.Message) {
			m.Advance(model.StatusFailed, s.now())
			m.Terminal = true
		})
		s.logger.Warn("send failed", zap.String("conversation_id", conversationID), zap.Error(err))
		failed, _ := s.local(conversationID, msg.ClientID)
		return failed, err
	}

	metrics.MessagesTotal.WithLabelValues(string(kind), "sent").Inc()
	s.delivered(conv, msg.ClientID, stored)
	return stored, nil
}

// placeholder builds an optimistic message in the sending state.
func (s *Service) placeholder(conversationID string, kind model.Kind) model.Message {
	return model.Message{
		ClientID:       NewTempID(),
		ConversationID: conversationID,
		SenderID:       s.userID,
		Kind:           kind,
		Status:         model.StatusSending,
		CreatedAt:      s.now(),
	}
}

// optimistic appends msg to the local view before any network call.
func (s *Service) optimistic(msg model.Message) {
	s.mu.Lock()
	s.threadLocked(msg.ConversationID).appendOptimistic(msg)
	s.mu.Unlock()
	s.publishThread(msg.ConversationID)
}

func (s *Service) appendMessage(ctx context.Context, conversationID string, msg *model.Message) (*model.Message, error) {
	var stored *model.Message
	err := s.write(ctx, func(ctx context.Context) error {
		out, err := s.store.AppendMessage(ctx, conversationID, msg)
		if err != nil {
			return err
		}
		stored = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// delivered reconciles an acknowledged write into the view and runs the
// fire-and-forget follow-ups.
func (s *Service) delivered(conv *model.Conversation, clientID string, stored *model.Message) {
	s.mu.Lock()
	if t, ok := s.threads[conv.ID]; ok {
		t.acknowledge(clientID, *stored)
	}
	s.mu.Unlock()
	s.publishThread(conv.ID)

	metrics.StatusTransitions.WithLabelValues(string(model.StatusSending), string(model.StatusSent)).Inc()
	s.touch(conv.ID, stored.CreatedAt)
	s.publish(model.EventTypeCreated, stored, conv.Other(s.userID))
}

// local returns a copy of a view entry.
func (s *Service) local(conversationID, id string) (*model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return nil, false
	}
	m, ok := t.get(id)
	if !ok {
		return nil, false
	}
	out := m.Clone()
	return &out, true
}
