package receipt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/pkg/logger"
)

// countingStore counts message writes that changed a record.
type countingStore struct {
	*store.Memory
	writes atomic.Int32
	delay  time.Duration
}

func (c *countingStore) UpdateMessage(ctx context.Context, conversationID, messageID string, fn store.MutateFunc) (*model.Message, bool, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	m, changed, err := c.Memory.UpdateMessage(ctx, conversationID, messageID, fn)
	if changed {
		c.writes.Add(1)
	}
	return m, changed, err
}

func seed(t *testing.T, st store.Store) (*model.Conversation, *model.Message) {
	t.Helper()
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, [2]string{"alice", "bob"}, "bob", "p1")
	require.NoError(t, err)
	msg, err := st.AppendMessage(ctx, conv.ID, &model.Message{
		ClientID: "local-1",
		SenderID: "alice",
		Kind:     model.KindText,
		Body:     "Is this still available?",
	})
	require.NoError(t, err)
	return conv, msg
}

func TestWatcher_MarksIncomingDelivered(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	conv, msg := seed(t, st)
	ctx := context.Background()

	own, err := st.AppendMessage(ctx, conv.ID, &model.Message{ClientID: "local-2", SenderID: "bob", Kind: model.KindText, Body: "yes"})
	require.NoError(t, err)

	w := NewWatcher("bob", st, 0, nil, logger.Nop())
	defer w.Close()
	w.SetActive([]string{conv.ID})

	assert.Eventually(t, func() bool {
		got, err := st.GetMessage(ctx, conv.ID, msg.ID)
		return err == nil && got.Status == model.StatusDelivered
	}, time.Second, 5*time.Millisecond)

	got, err := st.GetMessage(ctx, conv.ID, own.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status, "own messages are never marked delivered")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), st.writes.Load())
}

func TestWatcher_ConcurrentMarkWritesOnce(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory(), delay: 10 * time.Millisecond}
	conv, msg := seed(t, st)
	w := NewWatcher("bob", st, 0, nil, logger.Nop())
	defer w.Close()

	var wg sync.WaitGroup
	var wrote atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := w.MarkDelivered(context.Background(), conv.ID, msg.ID)
			assert.NoError(t, err)
			if changed {
				wrote.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wrote.Load())
	assert.Equal(t, int32(1), st.writes.Load())

	changed, err := w.MarkDelivered(context.Background(), conv.ID, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int32(1), st.writes.Load())

	got, err := st.GetMessage(context.Background(), conv.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)
}

func TestWatcher_DoesNotRegressRead(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	conv, msg := seed(t, st)
	_, _, err := st.Memory.UpdateMessage(context.Background(), conv.ID, msg.ID, func(m *model.Message) bool {
		return m.Advance(model.StatusRead, time.Now())
	})
	require.NoError(t, err)

	w := NewWatcher("bob", st, 0, nil, logger.Nop())
	defer w.Close()
	changed, err := w.MarkDelivered(context.Background(), conv.ID, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := st.GetMessage(context.Background(), conv.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, got.Status)
}

func TestWatcher_SetActiveReconcilesListeners(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	var ids []string
	for _, peer := range []string{"u1", "u2", "u3"} {
		conv, err := st.CreateConversation(ctx, [2]string{"bob", peer}, "", "")
		require.NoError(t, err)
		ids = append(ids, conv.ID)
	}

	w := NewWatcher("bob", st, 0, nil, logger.Nop())
	defer w.Close()

	w.SetActive(ids[:2])
	assert.ElementsMatch(t, ids[:2], w.Active())

	w.SetActive(ids[1:])
	assert.ElementsMatch(t, ids[1:], w.Active())

	w.Remove(ids[2])
	assert.Equal(t, []string{ids[1]}, w.Active())

	w.SetActive(nil)
	assert.Empty(t, w.Active())

	w.SetActive([]string{"missing"})
	assert.Empty(t, w.Active())
}

func TestWatcher_ClosedRejectsAdd(t *testing.T) {
	st := store.NewMemory()
	conv, _ := seed(t, st)
	w := NewWatcher("bob", st, 0, nil, logger.Nop())
	w.Close()
	assert.Error(t, w.Add(conv.ID))
	assert.Empty(t, w.Active())
}
