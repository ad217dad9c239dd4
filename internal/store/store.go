// Package store defines the document store contract for conversations and
// their nested messages.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/househunter/messaging/internal/model"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrListener wraps errors delivered to subscription error callbacks.
	ErrListener = errors.New("listener error")

	// ErrInvalidParticipants is returned when a conversation is not
	// between two distinct users.
	ErrInvalidParticipants = errors.New("conversation needs two distinct participants")
)

// MutateFunc edits a message in place. Returning false skips the write.
type MutateFunc func(m *model.Message) bool

// MessagesFunc receives an ordered snapshot of a conversation's messages.
type MessagesFunc func(msgs []model.Message)

// ConversationsFunc receives a snapshot of a user's conversations.
type ConversationsFunc func(convs []model.Conversation)

// ErrorFunc receives subscription errors wrapped in ErrListener.
type ErrorFunc func(err error)

// Subscription is a live subscription handle.
type Subscription interface {
	// Cancel stops delivery. It is safe to call more than once.
	Cancel()
}

// Store is the document store holding conversations and their message
// sub-collections.
type Store interface {
	CreateConversation(ctx context.Context, participants [2]string, ownerID, propertyID string) (*model.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	// FindConversation returns the most recently active conversation
	// between a and b, or ErrNotFound.
	FindConversation(ctx context.Context, a, b string) (*model.Conversation, error)
	AddPropertyRef(ctx context.Context, conversationID, propertyID string) (*model.Conversation, error)
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
	// DeleteConversation removes the conversation and all nested messages.
	DeleteConversation(ctx context.Context, conversationID string) error
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)

	// AppendMessage persists msg, assigning ID and CreatedAt and setting
	// status to sent. Appending a ClientID that already exists in the
	// conversation returns the existing record.
	AppendMessage(ctx context.Context, conversationID string, msg *model.Message) (*model.Message, error)
	GetMessage(ctx context.Context, conversationID, messageID string) (*model.Message, error)
	// UpdateMessage applies fn with compare-and-set semantics. The bool
	// result reports whether a write happened.
	UpdateMessage(ctx context.Context, conversationID, messageID string, fn MutateFunc) (*model.Message, bool, error)
	// ListMessages returns messages ordered by creation. A positive limit
	// keeps only the most recent limit messages.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)

	SubscribeMessages(ctx context.Context, conversationID string, limit int, fn MessagesFunc, onErr ErrorFunc) (Subscription, error)
	SubscribeConversations(ctx context.Context, userID string, fn ConversationsFunc, onErr ErrorFunc) (Subscription, error)
}

// SortMessages orders messages by store-assigned creation time, then id.
func SortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Tail keeps the last limit messages of an ordered slice.
func Tail(msgs []model.Message, limit int) []model.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

// SortConversations orders conversations by last activity, most recent first.
func SortConversations(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})
}

// ValidParticipants checks the participant pair.
func ValidParticipants(p [2]string) error {
	if p[0] == "" || p[1] == "" || p[0] == p[1] {
		return ErrInvalidParticipants
	}
	return nil
}
