package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/pkg/logger"
)

const (
	// ConversationsBucket holds one document per conversation.
	ConversationsBucket = "conversations"
	// MessagesBucket holds messages keyed <conversation>.<message>.
	MessagesBucket = "messages"
	// IndexBucket maps <conversation>.<client id> to the durable message id.
	IndexBucket = "message_index"

	maxCASAttempts = 8
)

// KVStore is a store.Store on JetStream key-value buckets. Watchers on the
// buckets provide the real-time subscriptions.
type KVStore struct {
	conversations jetstream.KeyValue
	messages      jetstream.KeyValue
	index         jetstream.KeyValue
	logger        *logger.Logger
	now           func() time.Time
}

// NewKVStore ensures the buckets exist and returns a store over them.
func NewKVStore(ctx context.Context, client *Client, log *logger.Logger) (*KVStore, error) {
	js := client.JetStream()

	conversations, err := ensureBucket(ctx, js, ConversationsBucket, "Conversation documents")
	if err != nil {
		return nil, err
	}
	messages, err := ensureBucket(ctx, js, MessagesBucket, "Message sub-collections")
	if err != nil {
		return nil, err
	}
	index, err := ensureBucket(ctx, js, IndexBucket, "Client id to message id index")
	if err != nil {
		return nil, err
	}

	return &KVStore{
		conversations: conversations,
		messages:      messages,
		index:         index,
		logger:        log,
		now:           time.Now,
	}, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, name, description string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", name, err)
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: description,
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return kv, nil
}

// Check reports an error for the first bucket that cannot be read.
func (s *KVStore) Check(ctx context.Context) error {
	for _, kv := range []jetstream.KeyValue{s.conversations, s.messages, s.index} {
		if _, err := kv.Status(ctx); err != nil {
			return fmt.Errorf("bucket %s unavailable: %w", kv.Bucket(), err)
		}
	}
	return nil
}

// MessageKey returns the key of a message document.
func MessageKey(conversationID, messageID string) string {
	return conversationID + "." + messageID
}

// MessagesFilter matches every message of a conversation.
func MessagesFilter(conversationID string) string {
	return conversationID + ".*"
}

// CreateConversation creates a new conversation document.
func (s *KVStore) CreateConversation(ctx context.Context, participants [2]string, ownerID, propertyID string) (*model.Conversation, error) {
	if err := store.ValidParticipants(participants); err != nil {
		return nil, err
	}
	now := s.now()
	conv := &model.Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Participants: participants,
		OwnerID:      ownerID,
		CreatedAt:    now,
		LastActivity: now,
	}
	conv.AddProperty(propertyID)

	data, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.conversations.Create(ctx, conv.ID, data); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by id.
func (s *KVStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, _, err := s.getConversation(ctx, conversationID)
	return conv, err
}

func (s *KVStore) getConversation(ctx context.Context, conversationID string) (*model.Conversation, uint64, error) {
	entry, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("failed to get conversation: %w", err)
	}
	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, entry.Revision(), nil
}

// FindConversation returns the most recently active conversation between a and b.
func (s *KVStore) FindConversation(ctx context.Context, a, b string) (*model.Conversation, error) {
	convs, err := s.ListConversations(ctx, a)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		if convs[i].Other(a) == b {
			return &convs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// AddPropertyRef adds a property reference to a conversation.
func (s *KVStore) AddPropertyRef(ctx context.Context, conversationID, propertyID string) (*model.Conversation, error) {
	return s.updateConversation(ctx, conversationID, func(c *model.Conversation) bool {
		return c.AddProperty(propertyID)
	})
}

// TouchConversation moves the last-activity timestamp forward.
func (s *KVStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.updateConversation(ctx, conversationID, func(c *model.Conversation) bool {
		if !at.After(c.LastActivity) {
			return false
		}
		c.LastActivity = at
		return true
	})
	return err
}

func (s *KVStore) updateConversation(ctx context.Context, conversationID string, fn func(*model.Conversation) bool) (*model.Conversation, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		conv, rev, err := s.getConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if !fn(conv) {
			return conv, nil
		}
		data, err := json.Marshal(conv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if _, err := s.conversations.Update(ctx, conversationID, data, rev); err != nil {
			if isConflict(err) {
				continue
			}
			return nil, fmt.Errorf("failed to update conversation: %w", err)
		}
		return conv, nil
	}
	return nil, fmt.Errorf("conversation %s: too many concurrent updates", conversationID)
}

// DeleteConversation purges the conversation and every nested message.
func (s *KVStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, _, err := s.getConversation(ctx, conversationID); err != nil {
		return err
	}

	for _, kv := range []jetstream.KeyValue{s.messages, s.index} {
		entries, err := collect(ctx, kv, MessagesFilter(conversationID))
		if err != nil {
			return fmt.Errorf("failed to list nested documents: %w", err)
		}
		for _, e := range entries {
			if err := kv.Purge(ctx, e.Key()); err != nil {
				return fmt.Errorf("failed to purge %s: %w", e.Key(), err)
			}
		}
	}

	if err := s.conversations.Purge(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to purge conversation: %w", err)
	}
	return nil
}

// ListConversations returns the conversations userID participates in.
func (s *KVStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	entries, err := collect(ctx, s.conversations, ">")
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var convs []model.Conversation
	for _, e := range entries {
		var conv model.Conversation
		if err := json.Unmarshal(e.Value(), &conv); err != nil {
			s.logger.Warn("skipping malformed conversation", zap.String("key", e.Key()), zap.Error(err))
			continue
		}
		if conv.HasParticipant(userID) {
			convs = append(convs, conv)
		}
	}
	store.SortConversations(convs)
	return convs, nil
}

// AppendMessage persists a message. The client id index makes repeated
// appends of one client id resolve to a single durable record.
func (s *KVStore) AppendMessage(ctx context.Context, conversationID string, msg *model.Message) (*model.Message, error) {
	if _, _, err := s.getConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	id := uuid.Must(uuid.NewV7()).String()
	if msg.ClientID != "" {
		idxKey := MessageKey(conversationID, msg.ClientID)
		if _, err := s.index.Create(ctx, idxKey, []byte(id)); err != nil {
			if !errors.Is(err, jetstream.ErrKeyExists) {
				return nil, fmt.Errorf("failed to index message: %w", err)
			}
			entry, err := s.index.Get(ctx, idxKey)
			if err != nil {
				return nil, fmt.Errorf("failed to read message index: %w", err)
			}
			id = string(entry.Value())
			if existing, err := s.GetMessage(ctx, conversationID, id); err == nil {
				return existing, nil
			}
		}
	}

	stored := store.PrepareForStore(*msg, conversationID, s.now())
	stored.ID = id
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := s.messages.Create(ctx, MessageKey(conversationID, id), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return s.GetMessage(ctx, conversationID, id)
		}
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return &stored, nil
}

// GetMessage retrieves a message.
func (s *KVStore) GetMessage(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	m, _, err := s.getMessage(ctx, conversationID, messageID)
	return m, err
}

func (s *KVStore) getMessage(ctx context.Context, conversationID, messageID string) (*model.Message, uint64, error) {
	entry, err := s.messages.Get(ctx, MessageKey(conversationID, messageID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("message %s/%s: %w", conversationID, messageID, store.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("failed to get message: %w", err)
	}
	var m model.Message
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, entry.Revision(), nil
}

// UpdateMessage applies fn with revision-checked writes, re-reading on conflict.
func (s *KVStore) UpdateMessage(ctx context.Context, conversationID, messageID string, fn store.MutateFunc) (*model.Message, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		m, rev, err := s.getMessage(ctx, conversationID, messageID)
		if err != nil {
			return nil, false, err
		}
		if !fn(m) {
			return m, false, nil
		}
		data, err := json.Marshal(m)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := s.messages.Update(ctx, MessageKey(conversationID, messageID), data, rev); err != nil {
			if isConflict(err) {
				continue
			}
			return nil, false, fmt.Errorf("failed to update message: %w", err)
		}
		return m, true, nil
	}
	return nil, false, fmt.Errorf("message %s/%s: too many concurrent updates", conversationID, messageID)
}

// ListMessages returns the ordered messages of a conversation.
func (s *KVStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	entries, err := collect(ctx, s.messages, MessagesFilter(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	msgs := make([]model.Message, 0, len(entries))
	for _, e := range entries {
		var m model.Message
		if err := json.Unmarshal(e.Value(), &m); err != nil {
			s.logger.Warn("skipping malformed message", zap.String("key", e.Key()), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	store.SortMessages(msgs)
	return store.Tail(msgs, limit), nil
}

// SubscribeMessages watches a conversation's messages.
func (s *KVStore) SubscribeMessages(ctx context.Context, conversationID string, limit int, fn store.MessagesFunc, onErr store.ErrorFunc) (store.Subscription, error) {
	if _, _, err := s.getConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	docs := make(map[string]model.Message)
	emit := func() {
		msgs := make([]model.Message, 0, len(docs))
		for _, m := range docs {
			msgs = append(msgs, m)
		}
		store.SortMessages(msgs)
		fn(store.Tail(msgs, limit))
	}
	apply := func(e jetstream.KeyValueEntry) bool {
		if e.Operation() != jetstream.KeyValuePut {
			delete(docs, e.Key())
			return true
		}
		var m model.Message
		if err := json.Unmarshal(e.Value(), &m); err != nil {
			s.logger.Warn("skipping malformed message", zap.String("key", e.Key()), zap.Error(err))
			return false
		}
		docs[e.Key()] = m
		return true
	}

	return s.watch(ctx, s.messages, MessagesFilter(conversationID), apply, emit, onErr)
}

// SubscribeConversations watches every conversation userID participates in.
func (s *KVStore) SubscribeConversations(ctx context.Context, userID string, fn store.ConversationsFunc, onErr store.ErrorFunc) (store.Subscription, error) {
	docs := make(map[string]model.Conversation)
	emit := func() {
		convs := make([]model.Conversation, 0, len(docs))
		for _, c := range docs {
			convs = append(convs, c)
		}
		store.SortConversations(convs)
		fn(convs)
	}
	apply := func(e jetstream.KeyValueEntry) bool {
		if e.Operation() != jetstream.KeyValuePut {
			_, had := docs[e.Key()]
			delete(docs, e.Key())
			return had
		}
		var conv model.Conversation
		if err := json.Unmarshal(e.Value(), &conv); err != nil {
			return false
		}
		if !conv.HasParticipant(userID) {
			return false
		}
		docs[e.Key()] = conv
		return true
	}

	return s.watch(ctx, s.conversations, ">", apply, emit, onErr)
}

// watch runs a KV watcher. Initial values are collected until the nil
// marker and emitted as one snapshot; after that every relevant update
// emits a snapshot.
func (s *KVStore) watch(ctx context.Context, kv jetstream.KeyValue, filter string, apply func(jetstream.KeyValueEntry) bool, emit func(), onErr store.ErrorFunc) (store.Subscription, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	w, err := kv.Watch(watchCtx, filter)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch %s: %w", filter, err)
	}

	sub := &kvSubscription{watcher: w, cancel: cancel}
	go func() {
		initialized := false
		for {
			select {
			case <-watchCtx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					if watchCtx.Err() == nil && onErr != nil {
						onErr(fmt.Errorf("%w: watcher on %s closed", store.ErrListener, filter))
					}
					return
				}
				if e == nil {
					initialized = true
					emit()
					continue
				}
				if apply(e) && initialized {
					emit()
				}
			}
		}
	}()
	return sub, nil
}

type kvSubscription struct {
	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	once    sync.Once
}

// Cancel stops the watcher.
func (k *kvSubscription) Cancel() {
	k.once.Do(func() {
		k.cancel()
		_ = k.watcher.Stop()
	})
}

// collect reads the current values matching filter.
func collect(ctx context.Context, kv jetstream.KeyValue, filter string) ([]jetstream.KeyValueEntry, error) {
	w, err := kv.Watch(ctx, filter, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer w.Stop()

	var entries []jetstream.KeyValueEntry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-w.Updates():
			if !ok || e == nil {
				return entries, nil
			}
			entries = append(entries, e)
		}
	}
}

func isConflict(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}

var _ store.Store = (*KVStore)(nil)
