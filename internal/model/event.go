package model

import (
	"time"
)

// EventType represents the type of message lifecycle event.
type EventType string

const (
	EventTypeCreated EventType = "created"
	EventTypeStatus  EventType = "status"
	EventTypeDeleted EventType = "deleted"
)

// MessageEvent is published when a durable message changes, for
// collaborators such as push notification delivery.
type MessageEvent struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id,omitempty"`
	Status         Status    `json:"status,omitempty"`
	Kind           Kind      `json:"kind,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
