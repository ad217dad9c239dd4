// Package model defines data structures for the messaging core.
package model

import (
	"time"
)

// Conversation represents a thread between exactly two participants.
type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	OwnerID      string    `json:"owner_id,omitempty"`
	PropertyIDs  []string  `json:"property_ids,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID, or "" if userID is
// not a participant.
func (c *Conversation) Other(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	default:
		return ""
	}
}

// HasProperty reports whether propertyID is referenced by the thread.
func (c *Conversation) HasProperty(propertyID string) bool {
	for _, id := range c.PropertyIDs {
		if id == propertyID {
			return true
		}
	}
	return false
}

// AddProperty appends propertyID if it is not already referenced.
// Returns true if the set grew.
func (c *Conversation) AddProperty(propertyID string) bool {
	if propertyID == "" || c.HasProperty(propertyID) {
		return false
	}
	c.PropertyIDs = append(c.PropertyIDs, propertyID)
	return true
}

// MergedConversation is a read-only aggregate of raw conversations that
// share the same counterpart. It is recomputed on every read.
type MergedConversation struct {
	Conversation
	// MemberIDs are the raw conversation ids folded into this view,
	// canonical first.
	MemberIDs []string `json:"member_ids"`
}

// StartConversationRequest is the request to start (or reuse) a thread
// about a property.
type StartConversationRequest struct {
	ParticipantID string `json:"participant_id"`
	OwnerID       string `json:"owner_id,omitempty"`
	PropertyID    string `json:"property_id"`
}

// ListConversationsResponse is the response for listing merged conversations.
type ListConversationsResponse struct {
	Conversations []MergedConversation `json:"conversations"`
	Total         int                  `json:"total"`
}
