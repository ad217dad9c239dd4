// Package delivery is the per-user message delivery state machine. It keeps
// optimistic local thread views, writes to the store, reconciles the
// authoritative copies pushed back by subscriptions and drives voice
// upload retries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/merge"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/internal/upload"
	"github.com/househunter/messaging/pkg/logger"
	"github.com/househunter/messaging/pkg/metrics"
)

// DefaultWriteTimeout bounds a store write before the send is failed.
const DefaultWriteTimeout = 20 * time.Second

// ListenerBanner is shown on a thread whose subscription dropped.
const ListenerBanner = "Connection lost. Messages may be out of date."

var (
	// ErrSendFailed is returned when the store rejects or never answers a write.
	ErrSendFailed = errors.New("send failed")

	// ErrRetryLimit is returned when a voice message cannot be retried
	// anymore and has to be recorded again.
	ErrRetryLimit = errors.New("retry limit reached, record again")

	// ErrNotRetryable is returned for retries of messages that are not
	// failed voice messages.
	ErrNotRetryable = errors.New("message cannot be retried")

	// ErrAlreadySending is returned when a message already has a send in flight.
	ErrAlreadySending = errors.New("message is already being sent")

	// ErrNotSender is returned when deleting for everyone a message sent
	// by someone else.
	ErrNotSender = errors.New("only the sender can delete for everyone")

	// ErrNotParticipant is returned for conversations the user is not part of.
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrEmptyMessage is returned for messages with no content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageNotFound is returned for unknown message ids.
	ErrMessageNotFound = errors.New("message not found")

	// ErrVoiceNotStarted wraps SendVoice failures that happened before a
	// placeholder was created. The caller still owns the artifact.
	ErrVoiceNotStarted = errors.New("voice message not started")
)

// Uploader uploads voice artifacts.
type Uploader interface {
	Upload(ctx context.Context, artifact *model.VoiceArtifact, conversationID, userID string, onProgress upload.ProgressFunc) (*upload.Result, error)
}

// Notifier publishes lifecycle events for collaborators outside the core.
type Notifier interface {
	Publish(ctx context.Context, event *model.MessageEvent) error
}

// ActiveFunc receives the set of open conversations after every change.
type ActiveFunc func(conversationIDs []string)

// Config configures a Service.
type Config struct {
	// WriteTimeout bounds store writes. A write that does not finish in
	// time fails the send.
	WriteTimeout time.Duration
	// ThreadWindow limits thread subscriptions to the most recent
	// messages. Zero subscribes to the whole thread.
	ThreadWindow int
	// MinVoiceBytes rejects artifacts below the capture threshold.
	MinVoiceBytes int64
	// MaxAttempts is the number of failed voice attempts before a message
	// is terminal. Defaults to model.MaxUploadAttempts.
	MaxAttempts int
}

// Service is the delivery state machine of one local user.
type Service struct {
	userID   string
	store    store.Store
	uploader Uploader
	notifier Notifier
	cfg      Config
	logger   *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	threads   map[string]*thread
	artifacts map[string]*model.VoiceArtifact
	uploaded  map[string]*upload.Result
	inflight  map[string]struct{}
	convSub   store.Subscription
	merged    []model.MergedConversation
	onActive  ActiveFunc

	// activeMu orders active set reports so the last one delivered is
	// the current set.
	activeMu sync.Mutex

	hub hub
}

// NewService creates the delivery state machine for userID. uploader and
// notifier may be nil.
func NewService(userID string, st store.Store, uploader Uploader, notifier Notifier, cfg Config, log *logger.Logger) *Service {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = model.MaxUploadAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		userID:    userID,
		store:     st,
		uploader:  uploader,
		notifier:  notifier,
		cfg:       cfg,
		logger:    log.With(zap.String("user_id", userID)),
		tracer:    otel.Tracer("delivery"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		threads:   make(map[string]*thread),
		artifacts: make(map[string]*model.VoiceArtifact),
		uploaded:  make(map[string]*upload.Result),
		inflight:  make(map[string]struct{}),
	}
}

// UserID returns the local user.
func (s *Service) UserID() string { return s.userID }

// OnActiveChange registers fn to receive the open conversation set.
func (s *Service) OnActiveChange(fn ActiveFunc) {
	s.mu.Lock()
	s.onActive = fn
	s.mu.Unlock()
}

// Subscribe returns a feed of view updates. Cancel it with Unsubscribe.
func (s *Service) Subscribe() *Feed {
	return s.hub.subscribe()
}

// Unsubscribe stops a feed.
func (s *Service) Unsubscribe(f *Feed) {
	s.hub.unsubscribe(f)
}

// Close cancels every subscription the service owns.
func (s *Service) Close() {
	s.mu.Lock()
	for _, t := range s.threads {
		if t.sub != nil {
			t.sub.Cancel()
			t.sub = nil
		}
	}
	if s.convSub != nil {
		s.convSub.Cancel()
		s.convSub = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.hub.closeAll()
}

// StartConversation returns the thread with the participant, creating
// one if none exists, and references the property on it.
func (s *Service) StartConversation(ctx context.Context, req *model.StartConversationRequest) (*model.Conversation, error) {
	other := strings.TrimSpace(req.ParticipantID)
	if err := store.ValidParticipants([2]string{s.userID, other}); err != nil {
		return nil, err
	}

	existing, err := s.store.FindConversation(ctx, s.userID, other)
	switch {
	case err == nil:
		if req.PropertyID == "" || existing.HasProperty(req.PropertyID) {
			return existing, nil
		}
		return s.store.AddPropertyRef(ctx, existing.ID, req.PropertyID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	conv, err := s.store.CreateConversation(ctx, [2]string{s.userID, other}, req.OwnerID, req.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	metrics.ConversationsTotal.Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("participant_id", other),
		zap.String("property_id", req.PropertyID),
	)
	return conv, nil
}

// Conversations returns the merged conversation list.
func (s *Service) Conversations(ctx context.Context) ([]model.MergedConversation, error) {
	convs, err := s.store.ListConversations(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return merge.Merge(convs, s.userID), nil
}

// WatchConversations keeps the merged list current and publishes it as
// view updates. It is a no-op when already watching.
func (s *Service) WatchConversations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convSub != nil {
		return nil
	}

	sub, err := s.store.SubscribeConversations(s.ctx, s.userID, func(convs []model.Conversation) {
		merged := merge.Merge(convs, s.userID)
		s.mu.Lock()
		s.merged = merged
		s.mu.Unlock()
		s.hub.publish(Update{Type: UpdateConversations, Conversations: merged})
	}, func(err error) {
		s.logger.Warn("conversation listener error", zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("failed to watch conversations: %w", err)
	}
	s.convSub = sub
	return nil
}

// WatchedConversations returns the last merged list delivered to
// WatchConversations, if any.
func (s *Service) WatchedConversations() ([]model.MergedConversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.merged == nil {
		return nil, false
	}
	return append([]model.MergedConversation(nil), s.merged...), true
}

// DeleteConversation deletes a conversation and its messages.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.mu.Lock()
	if t, ok := s.threads[conversationID]; ok {
		if t.sub != nil {
			t.sub.Cancel()
		}
		for i := range t.entries {
			s.forget(t.entries[i].ClientID)
		}
		delete(s.threads, conversationID)
	}
	s.mu.Unlock()

	s.activeChanged()
	s.logger.Info("conversation deleted", zap.String("conversation_id", conversationID))
	return nil
}

// Open starts observing a conversation. Opens are reference counted;
// each must be paired with Close.
func (s *Service) Open(ctx context.Context, conversationID string) error {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return err
	}

	s.mu.Lock()
	t := s.threadLocked(conversationID)
	t.refs++
	if t.sub == nil {
		sub, err := s.store.SubscribeMessages(s.ctx, conversationID, s.cfg.ThreadWindow,
			func(msgs []model.Message) { s.onSnapshot(conversationID, msgs) },
			func(err error) { s.onListenerError(conversationID, err) },
		)
		if err != nil {
			t.refs--
			s.mu.Unlock()
			return fmt.Errorf("failed to subscribe to conversation: %w", err)
		}
		t.sub = sub
	}
	s.mu.Unlock()

	s.activeChanged()
	return nil
}

// CloseConversation stops observing a conversation once every Open is
// released.
func (s *Service) CloseConversation(conversationID string) {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok || t.refs == 0 {
		s.mu.Unlock()
		return
	}
	t.refs--
	if t.refs == 0 {
		if t.sub != nil {
			t.sub.Cancel()
			t.sub = nil
		}
		if !t.pending() {
			delete(s.threads, conversationID)
		}
	}
	s.mu.Unlock()

	s.activeChanged()
}

// Active returns the open conversations, sorted.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// Thread returns the local view of a conversation, loading it from the
// store when it is not open.
func (s *Service) Thread(ctx context.Context, conversationID string) (*model.ThreadResponse, error) {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	t, ok := s.threads[conversationID]
	live := ok && t.sub != nil
	s.mu.Unlock()

	if !live {
		msgs, err := s.store.ListMessages(ctx, conversationID, s.cfg.ThreadWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		s.mu.Lock()
		t = s.threadLocked(conversationID)
		t.reconcile(msgs)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.threadLocked(conversationID).snapshot()
	return &snap, nil
}

// MarkRead marks every message from the other participant as read.
func (s *Service) MarkRead(ctx context.Context, conversationID string) (int, error) {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return 0, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list messages: %w", err)
	}

	marked := 0
	at := s.now()
	for _, m := range msgs {
		if m.SenderID == s.userID || !model.CanAdvance(m.Status, model.StatusRead) {
			continue
		}
		from := m.Status
		updated, changed, err := s.store.UpdateMessage(ctx, conversationID, m.ID, func(msg *model.Message) bool {
			return msg.SenderID != s.userID && msg.Advance(model.StatusRead, at)
		})
		if err != nil {
			return marked, fmt.Errorf("failed to mark message read: %w", err)
		}
		if changed {
			marked++
			metrics.StatusTransitions.WithLabelValues(string(from), string(model.StatusRead)).Inc()
			s.publish(model.EventTypeStatus, updated, updated.SenderID)
		}
	}
	return marked, nil
}

func (s *Service) conversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(s.userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

func (s *Service) threadLocked(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = newThread(conversationID, s.userID)
		s.threads[conversationID] = t
	}
	return t
}

func (s *Service) activeLocked() []string {
	ids := make([]string, 0, len(s.threads))
	for id, t := range s.threads {
		if t.refs > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) activeChanged() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	s.mu.Lock()
	fn := s.onActive
	ids := s.activeLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(ids)
	}
}

func (s *Service) onSnapshot(conversationID string, msgs []model.Message) {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok || t.sub == nil {
		s.mu.Unlock()
		return
	}
	t.banner = ""
	t.reconcile(msgs)
	snap := t.snapshot()
	s.mu.Unlock()

	s.hub.publish(Update{Type: UpdateThread, Thread: &snap})
}

func (s *Service) onListenerError(conversationID string, err error) {
	s.logger.Warn("thread listener error", zap.String("conversation_id", conversationID), zap.Error(err))

	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.banner = ListenerBanner
	snap := t.snapshot()
	s.mu.Unlock()

	s.hub.publish(Update{Type: UpdateThread, Thread: &snap})
}

// mutate edits a thread entry and publishes the new view.
func (s *Service) mutate(conversationID, id string, fn func(m *model.Message)) {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if m, ok := t.get(id); ok {
		fn(m)
	}
	snap := t.snapshot()
	s.mu.Unlock()

	s.hub.publish(Update{Type: UpdateThread, Thread: &snap})
}

func (s *Service) publishThread(conversationID string) {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	snap := t.snapshot()
	s.mu.Unlock()

	s.hub.publish(Update{Type: UpdateThread, Thread: &snap})
}

// write runs fn bounded by the write timeout. A store call that ignores
// cancellation is abandoned and reported as ErrSendFailed.
func (s *Service) write(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSendFailed, ctx.Err())
	}
}

// touch moves the conversation's last activity forward without holding
// up the send.
func (s *Service) touch(conversationID string, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
		defer cancel()
		if err := s.store.TouchConversation(ctx, conversationID, at); err != nil {
			s.logger.Warn("failed to touch conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}()
}

func (s *Service) publish(eventType model.EventType, msg *model.Message, recipientID string) {
	if s.notifier == nil || msg == nil {
		return
	}
	event := &model.MessageEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Type:           eventType,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		RecipientID:    recipientID,
		Status:         msg.Status,
		Kind:           msg.Kind,
		CreatedAt:      s.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
		defer cancel()
		if err := s.notifier.Publish(ctx, event); err != nil {
			s.logger.Warn("failed to publish message event",
				zap.String("conversation_id", event.ConversationID),
				zap.String("type", string(event.Type)),
				zap.Error(err),
			)
		}
	}()
}

// forget drops the retained artifact and upload of a placeholder.
func (s *Service) forget(clientID string) {
	delete(s.artifacts, clientID)
	delete(s.uploaded, clientID)
	delete(s.inflight, clientID)
}
