package nats

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"github.com/househunter/messaging/internal/model"
)

func TestMessageKey(t *testing.T) {
	assert.Equal(t, "c1.m1", MessageKey("c1", "m1"))
	assert.Equal(t, "c1.*", MessagesFilter("c1"))
}

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "msg.c1.status", EventSubject("c1", model.EventTypeStatus))
	assert.Equal(t, "msg.c1.created", EventSubject("c1", model.EventTypeCreated))
}

func TestIsConflict(t *testing.T) {
	wrongSeq := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Description: "wrong last sequence: 4"}

	assert.True(t, isConflict(fmt.Errorf("nats: %w", wrongSeq)))
	assert.False(t, isConflict(errors.New("connection closed")))
}
