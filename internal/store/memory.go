package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/househunter/messaging/internal/model"
)

// Memory is an in-process Store. Snapshots are delivered on a goroutine
// per subscription so callbacks may call back into the store.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string]map[string]*model.Message
	clientIndex   map[string]map[string]string
	subs          map[*memorySub]struct{}
	lastCreated   time.Time
	now           func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string]map[string]*model.Message),
		clientIndex:   make(map[string]map[string]string),
		subs:          make(map[*memorySub]struct{}),
		now:           time.Now,
	}
}

// CreateConversation creates a new conversation.
func (s *Memory) CreateConversation(ctx context.Context, participants [2]string, ownerID, propertyID string) (*model.Conversation, error) {
	if err := ValidParticipants(participants); err != nil {
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

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = make(map[string]*model.Message)
	s.clientIndex[conv.ID] = make(map[string]string)
	out := cloneConversation(conv)
	s.mu.Unlock()

	s.notify(conv.ID)
	return out, nil
}

// GetConversation retrieves a conversation by id.
func (s *Memory) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return cloneConversation(conv), nil
}

// FindConversation returns the most recently active conversation between a and b.
func (s *Memory) FindConversation(ctx context.Context, a, b string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.Conversation
	for _, conv := range s.conversations {
		if !conv.HasParticipant(a) || conv.Other(a) != b {
			continue
		}
		if found == nil || conv.LastActivity.After(found.LastActivity) {
			found = conv
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneConversation(found), nil
}

// AddPropertyRef adds a property reference; the set only grows.
func (s *Memory) AddPropertyRef(ctx context.Context, conversationID, propertyID string) (*model.Conversation, error) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	grew := conv.AddProperty(propertyID)
	out := cloneConversation(conv)
	s.mu.Unlock()

	if grew {
		s.notify(conversationID)
	}
	return out, nil
}

// TouchConversation moves the last-activity timestamp forward.
func (s *Memory) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	changed := at.After(conv.LastActivity)
	if changed {
		conv.LastActivity = at
	}
	s.mu.Unlock()

	if changed {
		s.notify(conversationID)
	}
	return nil
}

// DeleteConversation removes the conversation and its messages.
func (s *Memory) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	participants := conv.Participants
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	delete(s.clientIndex, conversationID)
	s.mu.Unlock()

	s.notifyDeleted(conversationID, participants)
	return nil
}

// ListConversations returns the conversations userID participates in.
func (s *Memory) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationsFor(userID), nil
}

// AppendMessage persists a message, deduplicating on ClientID.
func (s *Memory) AppendMessage(ctx context.Context, conversationID string, msg *model.Message) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	msgs, ok := s.messages[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if id, dup := s.clientIndex[conversationID][msg.ClientID]; dup && msg.ClientID != "" {
		out := msgs[id].Clone()
		s.mu.Unlock()
		return &out, nil
	}

	stored := PrepareForStore(*msg, conversationID, s.nextCreated())
	msgs[stored.ID] = &stored
	if stored.ClientID != "" {
		s.clientIndex[conversationID][stored.ClientID] = stored.ID
	}
	out := stored.Clone()
	s.mu.Unlock()

	s.notify(conversationID)
	return &out, nil
}

// GetMessage retrieves a message.
func (s *Memory) GetMessage(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[conversationID][messageID]
	if !ok {
		return nil, fmt.Errorf("message %s/%s: %w", conversationID, messageID, ErrNotFound)
	}
	out := m.Clone()
	return &out, nil
}

// UpdateMessage applies fn under the store lock.
func (s *Memory) UpdateMessage(ctx context.Context, conversationID, messageID string, fn MutateFunc) (*model.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	m, ok := s.messages[conversationID][messageID]
	if !ok {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("message %s/%s: %w", conversationID, messageID, ErrNotFound)
	}
	next := m.Clone()
	changed := fn(&next)
	if changed {
		*m = next
	}
	out := m.Clone()
	s.mu.Unlock()

	if changed {
		s.notify(conversationID)
	}
	return &out, changed, nil
}

// ListMessages returns the ordered messages of a conversation.
func (s *Memory) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return s.messagesFor(conversationID, limit), nil
}

// SubscribeMessages delivers a snapshot now and after every change.
func (s *Memory) SubscribeMessages(ctx context.Context, conversationID string, limit int, fn MessagesFunc, onErr ErrorFunc) (Subscription, error) {
	s.mu.RLock()
	_, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	sub := newMemorySub(s)
	sub.conversationID = conversationID
	sub.limit = limit
	sub.onMessages = fn
	s.start(ctx, sub)
	return sub, nil
}

// SubscribeConversations delivers the user's conversations now and after
// every change to any of them.
func (s *Memory) SubscribeConversations(ctx context.Context, userID string, fn ConversationsFunc, onErr ErrorFunc) (Subscription, error) {
	sub := newMemorySub(s)
	sub.userID = userID
	sub.onConversations = fn
	s.start(ctx, sub)
	return sub, nil
}

func (s *Memory) nextCreated() time.Time {
	now := s.now()
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Nanosecond)
	}
	s.lastCreated = now
	return now
}

func (s *Memory) conversationsFor(userID string) []model.Conversation {
	var convs []model.Conversation
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			convs = append(convs, *cloneConversation(conv))
		}
	}
	SortConversations(convs)
	return convs
}

func (s *Memory) messagesFor(conversationID string, limit int) []model.Message {
	msgs := make([]model.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		msgs = append(msgs, m.Clone())
	}
	SortMessages(msgs)
	return Tail(msgs, limit)
}

func (s *Memory) start(ctx context.Context, sub *memorySub) {
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	sub.signal()
	go sub.run(ctx)
}

func (s *Memory) notify(conversationID string) {
	s.mu.RLock()
	conv := s.conversations[conversationID]
	for sub := range s.subs {
		if sub.conversationID == conversationID || (conv != nil && sub.userID != "" && conv.HasParticipant(sub.userID)) {
			sub.signal()
		}
	}
	s.mu.RUnlock()
}

func (s *Memory) notifyDeleted(conversationID string, participants [2]string) {
	s.mu.RLock()
	for sub := range s.subs {
		if sub.conversationID == conversationID || sub.userID == participants[0] || sub.userID == participants[1] {
			sub.signal()
		}
	}
	s.mu.RUnlock()
}

func (s *Memory) remove(sub *memorySub) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

type memorySub struct {
	store           *Memory
	conversationID  string
	userID          string
	limit           int
	onMessages      MessagesFunc
	onConversations ConversationsFunc

	dirty chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newMemorySub(s *Memory) *memorySub {
	return &memorySub{
		store: s,
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// signal marks the subscription dirty; bursts coalesce into one snapshot.
func (m *memorySub) signal() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

func (m *memorySub) run(ctx context.Context) {
	defer m.store.remove(m)
	for {
		select {
		case <-m.dirty:
			m.deliver()
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *memorySub) deliver() {
	m.store.mu.RLock()
	if m.onMessages != nil {
		msgs := m.store.messagesFor(m.conversationID, m.limit)
		m.store.mu.RUnlock()
		select {
		case <-m.done:
			return
		default:
		}
		m.onMessages(msgs)
		return
	}
	convs := m.store.conversationsFor(m.userID)
	m.store.mu.RUnlock()
	select {
	case <-m.done:
		return
	default:
	}
	m.onConversations(convs)
}

// Cancel stops the subscription.
func (m *memorySub) Cancel() {
	m.once.Do(func() {
		close(m.done)
	})
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	out := *c
	out.PropertyIDs = append([]string(nil), c.PropertyIDs...)
	return &out
}

// PrepareForStore turns a client message into its durable form.
func PrepareForStore(msg model.Message, conversationID string, createdAt time.Time) model.Message {
	stored := msg.Clone()
	stored.ID = uuid.Must(uuid.NewV7()).String()
	stored.ConversationID = conversationID
	stored.CreatedAt = createdAt
	stored.Status = model.StatusSent
	stored.UploadProgress = 0
	stored.RetryCount = 0
	stored.Terminal = false
	for i := range stored.Attachments {
		stored.Attachments[i].LocalPath = ""
	}
	return stored
}
