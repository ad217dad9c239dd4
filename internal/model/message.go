package model

import (
	"time"
)

// Kind is the kind of message content.
type Kind string

const (
	KindText          Kind = "text"
	KindImage         Kind = "image"
	KindAudio         Kind = "audio"
	KindFile          Kind = "file"
	KindPropertyOffer Kind = "property_offer"
)

// MaxUploadAttempts is the number of failed voice uploads a message may
// accumulate before the user has to record again.
const MaxUploadAttempts = 3

// Attachment is a media attachment carried by a message.
type Attachment struct {
	URL        string        `json:"url,omitempty"`
	LocalPath  string        `json:"local_path,omitempty"`
	MIMEType   string        `json:"mime_type,omitempty"`
	ByteSize   int64         `json:"byte_size,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Waveform   []float64     `json:"waveform,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
}

// Message is a message inside a conversation.
type Message struct {
	// Identity
	ID             string `json:"id,omitempty"`
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`

	// Content
	SenderID    string       `json:"sender_id"`
	Kind        Kind         `json:"kind"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	PropertyID  string       `json:"property_id,omitempty"`

	// Delivery
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`

	// Soft delete
	HiddenFor          []string `json:"hidden_for,omitempty"`
	DeletedForEveryone bool     `json:"deleted_for_everyone,omitempty"`
	DeletedBy          string   `json:"deleted_by,omitempty"`

	// Local-only voice upload state, never persisted.
	UploadProgress float64 `json:"upload_progress,omitempty"`
	RetryCount     int     `json:"retry_count,omitempty"`
	Terminal       bool    `json:"terminal,omitempty"`
}

// HiddenForUser reports whether userID deleted the message for themselves.
func (m *Message) HiddenForUser(userID string) bool {
	for _, id := range m.HiddenFor {
		if id == userID {
			return true
		}
	}
	return false
}

// Voice returns the first audio attachment, if any.
func (m *Message) Voice() (*Attachment, bool) {
	if m.Kind != KindAudio || len(m.Attachments) == 0 {
		return nil, false
	}
	return &m.Attachments[0], true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		atts := make([]Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			if a.Waveform != nil {
				a.Waveform = append([]float64(nil), a.Waveform...)
			}
			atts[i] = a
		}
		m.Attachments = atts
	}
	if m.HiddenFor != nil {
		m.HiddenFor = append([]string(nil), m.HiddenFor...)
	}
	return m
}

// Scrub clears content for a delete-for-everyone, keeping the record in
// place so ordering survives.
func (m *Message) Scrub(actorID string) {
	m.Body = ""
	m.Attachments = nil
	m.DeletedForEveryone = true
	m.DeletedBy = actorID
}

// SendMessageRequest is the request to send a text or property-offer message.
type SendMessageRequest struct {
	Body       string `json:"body"`
	PropertyID string `json:"property_id,omitempty"`
}

// SendVoiceRequest sends a stopped recording as a voice message.
type SendVoiceRequest struct {
	RecordingID string `json:"recording_id"`
}

// ThreadResponse is a snapshot of a local thread view.
type ThreadResponse struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Banner         string    `json:"banner,omitempty"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Advance moves the message to status to, stamping DeliveredAt or ReadAt.
// It returns false and leaves the message untouched when the transition
// is not allowed.
func (m *Message) Advance(to Status, at time.Time) bool {
	if !CanAdvance(m.Status, to) {
		return false
	}
	m.Status = to
	switch to {
	case StatusDelivered:
		m.DeliveredAt = &at
	case StatusRead:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
		m.ReadAt = &at
	}
	return true
}
