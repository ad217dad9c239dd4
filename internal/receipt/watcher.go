// Package receipt marks incoming messages delivered while the local user
// is observing their conversation.
package receipt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/pkg/logger"
	"github.com/househunter/messaging/pkg/metrics"
)

// DefaultWindow is the number of recent messages each listener checks.
const DefaultWindow = 25

// Notifier publishes lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, event *model.MessageEvent) error
}

// Watcher owns one recent-message subscription per active conversation.
type Watcher struct {
	userID   string
	store    store.Store
	window   int
	notifier Notifier
	logger   *logger.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[string]store.Subscription
	inflight map[string]struct{}
	closed   bool
}

// NewWatcher creates a watcher for userID. notifier may be nil.
func NewWatcher(userID string, st store.Store, window int, notifier Notifier, log *logger.Logger) *Watcher {
	if window <= 0 {
		window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		userID:   userID,
		store:    st,
		window:   window,
		notifier: notifier,
		logger:   log.With(zap.String("user_id", userID)),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]store.Subscription),
		inflight: make(map[string]struct{}),
	}
}

// SetActive reconciles the owned listeners with the active conversation
// set: listeners for conversations that left the set are torn down and
// new ones are started.
func (w *Watcher) SetActive(conversationIDs []string) {
	want := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		want[id] = struct{}{}
	}

	w.mu.Lock()
	for id := range w.subs {
		if _, ok := want[id]; !ok {
			w.removeLocked(id)
		}
	}
	w.mu.Unlock()

	for id := range want {
		if err := w.Add(id); err != nil {
			w.logger.Warn("failed to start receipt listener", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

// Add starts a listener for a conversation. It is a no-op when one runs.
func (w *Watcher) Add(conversationID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("receipt watcher closed")
	}
	if _, ok := w.subs[conversationID]; ok {
		return nil
	}

	sub, err := w.store.SubscribeMessages(w.ctx, conversationID, w.window,
		func(msgs []model.Message) { w.check(conversationID, msgs) },
		func(err error) {
			w.logger.Warn("receipt listener error", zap.String("conversation_id", conversationID), zap.Error(err))
		},
	)
	if err != nil {
		return err
	}
	w.subs[conversationID] = sub
	metrics.ReceiptListenersActive.Inc()
	return nil
}

// Remove tears down the listener of a conversation.
func (w *Watcher) Remove(conversationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(conversationID)
}

func (w *Watcher) removeLocked(conversationID string) {
	sub, ok := w.subs[conversationID]
	if !ok {
		return
	}
	sub.Cancel()
	delete(w.subs, conversationID)
	metrics.ReceiptListenersActive.Dec()
}

// Active returns the conversations with a live listener, sorted.
func (w *Watcher) Active() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every listener.
func (w *Watcher) Close() {
	w.mu.Lock()
	for id := range w.subs {
		w.removeLocked(id)
	}
	w.closed = true
	w.mu.Unlock()
	w.cancel()
}

func (w *Watcher) check(conversationID string, msgs []model.Message) {
	for _, m := range msgs {
		if !w.needsReceipt(&m) {
			continue
		}
		if _, err := w.MarkDelivered(w.ctx, conversationID, m.ID); err != nil {
			w.logger.Warn("failed to mark message delivered",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
		}
	}
}

func (w *Watcher) needsReceipt(m *model.Message) bool {
	return m.ID != "" && m.SenderID != w.userID && model.CanAdvance(m.Status, model.StatusDelivered)
}

// MarkDelivered writes the delivered status once. Concurrent calls for
// the same message collapse: only one reaches the store, and the store
// write itself is skipped when the message is already delivered or read.
// The bool result reports whether this call wrote.
func (w *Watcher) MarkDelivered(ctx context.Context, conversationID, messageID string) (bool, error) {
	key := conversationID + "/" + messageID

	w.mu.Lock()
	if _, busy := w.inflight[key]; busy {
		w.mu.Unlock()
		return false, nil
	}
	w.inflight[key] = struct{}{}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.inflight, key)
		w.mu.Unlock()
	}()

	at := w.now()
	updated, changed, err := w.store.UpdateMessage(ctx, conversationID, messageID, func(m *model.Message) bool {
		return m.SenderID != w.userID && m.Advance(model.StatusDelivered, at)
	})
	if err != nil {
		return false, err
	}
	if changed {
		metrics.StatusTransitions.WithLabelValues(string(model.StatusSent), string(model.StatusDelivered)).Inc()
		w.publish(updated)
	}
	return changed, nil
}

func (w *Watcher) publish(msg *model.Message) {
	if w.notifier == nil {
		return
	}
	event := &model.MessageEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Type:           model.EventTypeStatus,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		RecipientID:    w.userID,
		Status:         msg.Status,
		Kind:           msg.Kind,
		CreatedAt:      w.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
		defer cancel()
		if err := w.notifier.Publish(ctx, event); err != nil {
			w.logger.Warn("failed to publish receipt event", zap.String("message_id", event.MessageID), zap.Error(err))
		}
	}()
}
