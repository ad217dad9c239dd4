package nats

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/pkg/logger"
)

func runJetStream(t *testing.T) *server.Server {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv
}

func newTestKVStore(t *testing.T) (*KVStore, *Client) {
	t.Helper()
	srv := runJetStream(t)
	ctx := context.Background()

	client, err := Connect(ctx, Config{URL: srv.ClientURL()}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	kv, err := NewKVStore(ctx, client, logger.Nop())
	require.NoError(t, err)
	return kv, client
}

func newKVConversation(t *testing.T, s *KVStore) *model.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), [2]string{"tenant", "owner"}, "owner", "p1")
	require.NoError(t, err)
	return conv
}

func TestKVStore_AppendMessage_DeduplicatesClientID(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	conv := newKVConversation(t, s)

	a, err := s.AppendMessage(ctx, conv.ID, &model.Message{ClientID: "local-1", SenderID: "tenant", Body: "hi"})
	require.NoError(t, err)
	b, err := s.AppendMessage(ctx, conv.ID, &model.Message{ClientID: "local-1", SenderID: "tenant", Body: "hi"})
	require.NoError(t, err)
	c, err := s.AppendMessage(ctx, conv.ID, &model.Message{ClientID: "local-2", SenderID: "tenant", Body: "again"})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, model.StatusSent, a.Status)

	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, a.ID, msgs[0].ID)
	assert.Equal(t, c.ID, msgs[1].ID)
}

func TestKVStore_AppendMessage_UnknownConversation(t *testing.T) {
	s, _ := newTestKVStore(t)
	_, err := s.AppendMessage(context.Background(), "missing", &model.Message{SenderID: "tenant", Body: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestKVStore_UpdateMessage_ConcurrentAdvanceWritesOnce(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	conv := newKVConversation(t, s)
	m, err := s.AppendMessage(ctx, conv.ID, &model.Message{ClientID: "local-1", SenderID: "tenant", Body: "hi"})
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		writes atomic.Int32
		errs   = make(chan error, 10)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := s.UpdateMessage(ctx, conv.ID, m.ID, func(m *model.Message) bool {
				return m.Advance(model.StatusDelivered, time.Now())
			})
			if err != nil {
				errs <- err
				return
			}
			if changed {
				writes.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), writes.Load())

	got, err := s.GetMessage(ctx, conv.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)
}

func TestKVStore_SubscribeMessages_Snapshots(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	conv := newKVConversation(t, s)
	first, err := s.AppendMessage(ctx, conv.ID, &model.Message{ClientID: "local-1", SenderID: "tenant", Body: "one"})
	require.NoError(t, err)

	snaps := make(chan []model.Message, 16)
	sub, err := s.SubscribeMessages(ctx, conv.ID, 0, func(msgs []model.Message) { snaps <- msgs }, nil)
	require.NoError(t, err)
	defer sub.Cancel()

	next := func() []model.Message {
		t.Helper()
		select {
		case msgs := <-snaps:
			return msgs
		case <-time.After(5 * time.Second):
			t.Fatal("no snapshot")
			return nil
		}
	}

	initial := next()
	require.Len(t, initial, 1)
	assert.Equal(t, first.ID, initial[0].ID)

	second, err := s.AppendMessage(ctx, conv.ID, &model.Message{ClientID: "local-2", SenderID: "owner", Body: "two"})
	require.NoError(t, err)
	afterAppend := next()
	require.Len(t, afterAppend, 2)
	assert.Equal(t, second.ID, afterAppend[1].ID)

	_, _, err = s.UpdateMessage(ctx, conv.ID, first.ID, func(m *model.Message) bool {
		return m.Advance(model.StatusRead, time.Now())
	})
	require.NoError(t, err)
	afterRead := next()
	require.Len(t, afterRead, 2)
	assert.Equal(t, model.StatusRead, afterRead[0].Status)
}

func TestKVStore_SubscribeConversations_FiltersParticipant(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()

	snaps := make(chan []model.Conversation, 16)
	sub, err := s.SubscribeConversations(ctx, "tenant", func(convs []model.Conversation) { snaps <- convs }, nil)
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case convs := <-snaps:
		assert.Empty(t, convs)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial snapshot")
	}

	_, err = s.CreateConversation(ctx, [2]string{"bob", "carol"}, "carol", "p2")
	require.NoError(t, err)
	mine := newKVConversation(t, s)

	select {
	case convs := <-snaps:
		require.Len(t, convs, 1)
		assert.Equal(t, mine.ID, convs[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot after create")
	}
}

func TestKVStore_DeleteConversation_Cascades(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	conv := newKVConversation(t, s)
	other := newKVConversation(t, s)

	m, err := s.AppendMessage(ctx, conv.ID, &model.Message{ClientID: "local-1", SenderID: "tenant", Body: "hi"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, &model.Message{ClientID: "local-2", SenderID: "owner", Body: "hello"})
	require.NoError(t, err)
	kept, err := s.AppendMessage(ctx, other.ID, &model.Message{ClientID: "local-1", SenderID: "tenant", Body: "elsewhere"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetMessage(ctx, conv.ID, m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	idx, err := collect(ctx, s.index, MessagesFilter(conv.ID))
	require.NoError(t, err)
	assert.Empty(t, idx)

	msgs, err := s.ListMessages(ctx, other.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, kept.ID, msgs[0].ID)

	assert.ErrorIs(t, s.DeleteConversation(ctx, conv.ID), store.ErrNotFound)
}

func TestKVStore_Check(t *testing.T) {
	s, client := newTestKVStore(t)
	ctx := context.Background()

	assert.NoError(t, s.Check(ctx))
	assert.NoError(t, client.Check(ctx))

	events := NewEventPublisher(client)
	assert.Error(t, events.Check(ctx), "stream not created yet")
	require.NoError(t, events.EnsureStream(ctx))
	assert.NoError(t, events.Check(ctx))

	client.Close()
	assert.Eventually(t, func() bool {
		return client.Check(ctx) == ErrDisconnected
	}, 5*time.Second, 20*time.Millisecond)
}
