package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxBodyLength bounds text message bodies.
const MaxBodyLength = 4000

// tempIDPrefix marks optimistic message ids.
const tempIDPrefix = "local-"

// ValidateMessageBody validates a text message body.
func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("body cannot be empty")
	}
	if len(body) > MaxBodyLength {
		return errors.New("body exceeds maximum length")
	}
	if !utf8.ValidString(body) {
		return errors.New("body must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateMessageID validates a durable or temporary message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(strings.TrimPrefix(id, tempIDPrefix)); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateRecordingID validates a recording handle.
func ValidateRecordingID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid recording ID format")
	}
	return nil
}

// ValidateUserID validates a participant id.
func ValidateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}

// ValidatePropertyID validates a property listing id.
func ValidatePropertyID(id string) error {
	if len(id) > 128 {
		return errors.New("property ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("property ID must be valid UTF-8")
	}
	return nil
}
