package session

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/househunter/messaging/internal/audio"
	"github.com/househunter/messaging/internal/delivery"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/internal/upload"
	"github.com/househunter/messaging/pkg/logger"
)

type okUploader struct{}

func (okUploader) Upload(ctx context.Context, artifact *model.VoiceArtifact, conversationID, userID string, onProgress upload.ProgressFunc) (*upload.Result, error) {
	onProgress(1)
	return &upload.Result{URL: "https://cdn.example.com/voice/" + conversationID + "/" + artifact.ID + ".webm", ByteSize: artifact.ByteSize}, nil
}

func newTestRegistry(t *testing.T, st store.Store) *Registry {
	t.Helper()
	return newTestRegistryWith(t, st, delivery.Config{})
}

func newTestRegistryWith(t *testing.T, st store.Store, cfg delivery.Config) *Registry {
	t.Helper()
	r := NewRegistry(Deps{
		Store:        st,
		Uploader:     okUploader{},
		Backend:      &audio.StreamBackend{},
		Audio:        audio.Config{Dir: t.TempDir()},
		PlaybackTick: 10 * time.Millisecond,
		Delivery:     cfg,
	}, logger.Nop())
	t.Cleanup(r.Close)
	return r
}

// stoppedRecording captures size bytes and stops the recording.
func stoppedRecording(t *testing.T, s *Session, size int) *model.VoiceArtifact {
	t.Helper()
	ctx := context.Background()
	rec, err := s.Recorder.Start(ctx)
	require.NoError(t, err)
	_, err = s.Recorder.Write(rec.ID, bytes.NewReader(recording(size)))
	require.NoError(t, err)
	artifact, err := s.StopRecording(ctx, rec.ID)
	require.NoError(t, err)
	return artifact
}

func recording(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0x1A, 0x45, 0xDF, 0xA3})
	return data
}

func TestRegistry_ReusesSessions(t *testing.T) {
	r := newTestRegistry(t, store.NewMemory())

	a1, err := r.Get("alice")
	require.NoError(t, err)
	a2, err := r.Get("alice")
	require.NoError(t, err)
	_, err = r.Get("bob")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, []string{"alice", "bob"}, r.Users())

	_, err = r.Get("")
	assert.Error(t, err)

	r.Close()
	_, err = r.Get("alice")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, r.Users())
}

func TestSession_VoiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	conv, err := st.CreateConversation(ctx, [2]string{"alice", "bob"}, "bob", "p1")
	require.NoError(t, err)

	r := newTestRegistry(t, st)
	alice, err := r.Get("alice")
	require.NoError(t, err)
	bob, err := r.Get("bob")
	require.NoError(t, err)

	rec, err := alice.Recorder.Start(ctx)
	require.NoError(t, err)
	assert.True(t, alice.Modes.Locked())
	_, err = alice.Recorder.Write(rec.ID, bytes.NewReader(recording(12*1024)))
	require.NoError(t, err)
	require.NoError(t, alice.Recorder.Meter(rec.ID, 0.7))
	time.Sleep(5 * time.Millisecond)

	artifact, err := alice.StopRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FormatWebM, artifact.Format)
	assert.False(t, alice.Modes.Locked())

	msg, err := alice.SendRecording(ctx, conv.ID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, msg.Status)
	att, ok := msg.Voice()
	require.True(t, ok)
	assert.Contains(t, att.URL, rec.ID)

	_, err = alice.SendRecording(ctx, conv.ID, rec.ID)
	assert.ErrorIs(t, err, ErrRecordingNotFound)

	require.NoError(t, bob.Delivery.Open(ctx, conv.ID))
	assert.Equal(t, []string{conv.ID}, bob.Receipts.Active())
	assert.Eventually(t, func() bool {
		got, err := st.GetMessage(ctx, conv.ID, msg.ID)
		return err == nil && got.Status == model.StatusDelivered
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		th, err := bob.Delivery.Thread(ctx, conv.ID)
		return err == nil && len(th.Messages) == 1
	}, time.Second, 5*time.Millisecond)

	statuses, cancel := bob.SubscribePlayback()
	defer cancel()

	status, err := bob.TogglePlayback(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	assert.True(t, status.Playing)
	assert.Equal(t, audio.ModePlayback, bob.Modes.Mode())

	select {
	case st := <-statuses:
		assert.Equal(t, msg.ID, st.MessageID)
	case <-time.After(time.Second):
		t.Fatal("no playback status")
	}

	_, err = bob.TogglePlayback(ctx, conv.ID, "missing")
	assert.Error(t, err)
}

func TestSession_CloseRemovesUnsentRecordings(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, store.NewMemory())
	alice, err := r.Get("alice")
	require.NoError(t, err)

	rec, err := alice.Recorder.Start(ctx)
	require.NoError(t, err)
	_, err = alice.Recorder.Write(rec.ID, bytes.NewReader(recording(10*1024)))
	require.NoError(t, err)
	artifact, err := alice.StopRecording(ctx, rec.ID)
	require.NoError(t, err)
	require.FileExists(t, artifact.Path)

	statuses, _ := alice.SubscribePlayback()
	r.Close()

	_, err = os.Stat(artifact.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, open := <-statuses
	assert.False(t, open)
}

func TestSession_RejectedSendKeepsRecording(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	conv, err := st.CreateConversation(ctx, [2]string{"alice", "bob"}, "bob", "p1")
	require.NoError(t, err)
	other, err := st.CreateConversation(ctx, [2]string{"bob", "carol"}, "bob", "p2")
	require.NoError(t, err)

	r := newTestRegistry(t, st)
	alice, err := r.Get("alice")
	require.NoError(t, err)
	artifact := stoppedRecording(t, alice, 12*1024)

	_, err = alice.SendRecording(ctx, "no-such-conversation", artifact.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, err, delivery.ErrVoiceNotStarted)

	_, err = alice.SendRecording(ctx, other.ID, artifact.ID)
	assert.ErrorIs(t, err, delivery.ErrNotParticipant)
	require.FileExists(t, artifact.Path)

	msg, err := alice.SendRecording(ctx, conv.ID, artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, msg.Status)
}

func TestSession_TooShortSendDiscardsRecording(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	conv, err := st.CreateConversation(ctx, [2]string{"alice", "bob"}, "bob", "p1")
	require.NoError(t, err)

	r := newTestRegistryWith(t, st, delivery.Config{MinVoiceBytes: 64 * 1024})
	alice, err := r.Get("alice")
	require.NoError(t, err)
	artifact := stoppedRecording(t, alice, 12*1024)

	_, err = alice.SendRecording(ctx, conv.ID, artifact.ID)
	assert.ErrorIs(t, err, audio.ErrRecordingTooShort)
	_, err = os.Stat(artifact.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = alice.SendRecording(ctx, conv.ID, artifact.ID)
	assert.ErrorIs(t, err, ErrRecordingNotFound)
}
