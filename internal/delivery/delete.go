package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/store"
)

// DeleteForMe hides a message from the local user only. A placeholder the
// store never accepted is simply dropped from the view.
func (s *Service) DeleteForMe(ctx context.Context, conversationID, id string) error {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return err
	}

	durableID, dropped, err := s.resolveOrDrop(conversationID, id)
	if err != nil || dropped {
		return err
	}

	updated, _, err := s.store.UpdateMessage(ctx, conversationID, durableID, func(m *model.Message) bool {
		if m.HiddenForUser(s.userID) {
			return false
		}
		m.HiddenFor = append(m.HiddenFor, s.userID)
		return true
	})
	if err != nil {
		return s.messageErr(err)
	}

	s.reflect(conversationID, updated)
	return nil
}

// DeleteForEveryone scrubs the content of a message the local user sent.
// The record keeps its place in the thread.
func (s *Service) DeleteForEveryone(ctx context.Context, conversationID, id string) error {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return err
	}

	durableID, dropped, err := s.resolveOrDrop(conversationID, id)
	if err != nil || dropped {
		return err
	}

	current, err := s.store.GetMessage(ctx, conversationID, durableID)
	if err != nil {
		return s.messageErr(err)
	}
	if current.SenderID != s.userID {
		return ErrNotSender
	}

	updated, changed, err := s.store.UpdateMessage(ctx, conversationID, durableID, func(m *model.Message) bool {
		if m.SenderID != s.userID || m.DeletedForEveryone {
			return false
		}
		m.Scrub(s.userID)
		return true
	})
	if err != nil {
		return s.messageErr(err)
	}
	if updated.SenderID != s.userID {
		return ErrNotSender
	}

	s.reflect(conversationID, updated)
	if changed {
		s.publish(model.EventTypeDeleted, updated, conv.Other(s.userID))
		s.logger.Info("message deleted for everyone",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", durableID),
		)
	}
	return nil
}

// resolveOrDrop maps id to a durable message id. Placeholders without one
// are removed from the view and reported as dropped.
func (s *Service) resolveOrDrop(conversationID, id string) (string, bool, error) {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return id, false, nil
	}
	m, ok := t.get(id)
	if !ok {
		s.mu.Unlock()
		return id, false, nil
	}

	switch ident := model.IdentityOf(m).(type) {
	case model.Durable:
		s.mu.Unlock()
		return ident.ID, false, nil
	case model.Local:
		if _, busy := s.inflight[ident.TempID]; busy {
			s.mu.Unlock()
			return "", false, ErrAlreadySending
		}
		t.remove(ident.TempID)
		s.mu.Unlock()
		s.discardArtifact(ident.TempID)
		s.publishThread(conversationID)
		return "", true, nil
	default:
		s.mu.Unlock()
		return "", false, fmt.Errorf("unknown message identity %T", ident)
	}
}

// reflect folds an updated record into the local view.
func (s *Service) reflect(conversationID string, updated *model.Message) {
	s.mu.Lock()
	if t, ok := s.threads[conversationID]; ok {
		t.acknowledge(updated.ClientID, *updated)
	}
	s.mu.Unlock()
	s.publishThread(conversationID)
}

func (s *Service) messageErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrMessageNotFound
	}
	return fmt.Errorf("failed to update message: %w", err)
}
