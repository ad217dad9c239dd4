package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/househunter/messaging/internal/model"
)

const (
	// StreamName is the name of the message lifecycle stream.
	StreamName = "MESSAGING"

	// SubjectPrefix is the prefix for all lifecycle subjects.
	SubjectPrefix = "msg"
)

// EventPublisher publishes message lifecycle events for collaborators
// outside the messaging core, such as push notification delivery.
type EventPublisher struct {
	client *Client
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{client: client}
}

// EnsureStream ensures the lifecycle stream exists.
func (p *EventPublisher) EnsureStream(ctx context.Context) error {
	js := p.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Message lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Check reports whether the lifecycle stream is reachable.
func (p *EventPublisher) Check(ctx context.Context) error {
	if _, err := p.client.JetStream().Stream(ctx, StreamName); err != nil {
		return fmt.Errorf("stream %s unavailable: %w", StreamName, err)
	}
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, conversationID, eventType)
}

// Publish publishes an event to JetStream. The event id is used as the
// message id so redeliveries of one event deduplicate.
func (p *EventPublisher) Publish(ctx context.Context, event *model.MessageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.JetStream().Publish(ctx, EventSubject(event.ConversationID, event.Type), data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
