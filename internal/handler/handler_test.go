package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/househunter/messaging/internal/audio"
	"github.com/househunter/messaging/internal/delivery"
	"github.com/househunter/messaging/internal/middleware"
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/playback"
	"github.com/househunter/messaging/internal/session"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/internal/upload"
	"github.com/househunter/messaging/pkg/logger"
)

const testSecret = "handler-secret"

type okUploader struct{}

func (okUploader) Upload(ctx context.Context, artifact *model.VoiceArtifact, conversationID, userID string, onProgress upload.ProgressFunc) (*upload.Result, error) {
	onProgress(1)
	return &upload.Result{URL: "https://cdn.example.com/voice/" + artifact.ID + ".webm", ByteSize: artifact.ByteSize}, nil
}

type testAPI struct {
	server *httptest.Server
	store  *store.Memory
}

func newTestAPI(t *testing.T, allowedHosts ...string) *testAPI {
	t.Helper()
	log := logger.Nop()
	st := store.NewMemory()
	cache := playback.NewCache("", time.Second, log)
	sessions := session.NewRegistry(session.Deps{
		Store:        st,
		Uploader:     okUploader{},
		Backend:      &audio.StreamBackend{},
		Audio:        audio.Config{Dir: t.TempDir()},
		Cache:        cache,
		PlaybackTick: 10 * time.Millisecond,
		Delivery:     delivery.Config{WriteTimeout: time.Second},
	}, log)

	conversations := NewConversationHandler(sessions, log)
	messages := NewMessageHandler(sessions, log)
	streams := NewStreamHandler(sessions, log)
	recordings := NewRecordingHandler(sessions, 1<<20, log)
	player := NewPlaybackHandler(sessions, cache, allowedHosts, log)

	r := chi.NewRouter()
	r.Use(middleware.Logging(log))
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		r.Post("/conversations", conversations.Start)
		r.Get("/conversations", conversations.List)
		r.Get("/conversations/stream", streams.Conversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Delete("/", conversations.Delete)
			r.Get("/messages", messages.List)
			r.Post("/messages", messages.Send)
			r.Post("/voice", messages.SendVoice)
			r.Post("/read", messages.MarkRead)
			r.Post("/messages/{msgID}/retry", messages.Retry)
			r.Delete("/messages/{msgID}", messages.Delete)
			r.Get("/stream", streams.Thread)
		})
		r.Post("/recordings", recordings.Start)
		r.Put("/recordings/{id}", recordings.Append)
		r.Post("/recordings/{id}/stop", recordings.Stop)
		r.Delete("/recordings/{id}", recordings.Cancel)
		r.Post("/playback/{id}/{msgID}", player.Toggle)
		r.Delete("/playback", player.Stop)
		r.Get("/media", player.Media)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		sessions.Close()
		srv.Close()
	})
	return &testAPI{server: srv, store: st}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (a *testAPI) do(t *testing.T, userID, method, path string, body io.Reader, headers ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, userID, middleware.RoleTenant))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testAPI) doJSON(t *testing.T, userID, method, path string, in interface{}) *http.Response {
	t.Helper()
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return a.do(t, userID, method, path, body, "Content-Type", "application/json")
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (a *testAPI) startConversation(t *testing.T) *model.Conversation {
	t.Helper()
	resp := a.doJSON(t, "alice", http.MethodPost, "/api/v1/conversations", &model.StartConversationRequest{
		ParticipantID: "bob",
		PropertyID:    "p1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv model.Conversation
	decode(t, resp, &conv)
	return &conv
}

func TestConversations_StartAndList(t *testing.T) {
	api := newTestAPI(t)
	conv := api.startConversation(t)
	assert.Equal(t, "bob", conv.OwnerID, "a tenant's counterpart owns the listing")

	again := api.startConversation(t)
	assert.Equal(t, conv.ID, again.ID)

	resp := api.doJSON(t, "bob", http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListConversationsResponse
	decode(t, resp, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, conv.ID, list.Conversations[0].ID)

	resp = api.doJSON(t, "alice", http.MethodPost, "/api/v1/conversations", &model.StartConversationRequest{ParticipantID: " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.doJSON(t, "alice", http.MethodPost, "/api/v1/conversations", &model.StartConversationRequest{ParticipantID: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessages_SendListReadDelete(t *testing.T) {
	api := newTestAPI(t)
	conv := api.startConversation(t)
	base := "/api/v1/conversations/" + conv.ID

	resp := api.doJSON(t, "alice", http.MethodPost, base+"/messages", &model.SendMessageRequest{Body: "Is the flat still available?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sent model.Message
	decode(t, resp, &sent)
	assert.Equal(t, model.StatusSent, sent.Status)
	assert.NotEmpty(t, sent.ID)

	resp = api.doJSON(t, "alice", http.MethodPost, base+"/messages", &model.SendMessageRequest{Body: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.doJSON(t, "carol", http.MethodPost, base+"/messages", &model.SendMessageRequest{Body: "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.doJSON(t, "bob", http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var th model.ThreadResponse
	decode(t, resp, &th)
	require.Len(t, th.Messages, 1)
	assert.Equal(t, "Is the flat still available?", th.Messages[0].Body)

	resp = api.doJSON(t, "bob", http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var marked map[string]int
	decode(t, resp, &marked)
	assert.Equal(t, 1, marked["marked"])

	resp = api.doJSON(t, "bob", http.MethodDelete, base+"/messages/"+sent.ID+"?scope=everyone", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.doJSON(t, "alice", http.MethodDelete, base+"/messages/"+sent.ID+"?scope=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.doJSON(t, "alice", http.MethodDelete, base+"/messages/"+sent.ID+"?scope=everyone", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := api.store.GetMessage(context.Background(), conv.ID, sent.ID)
	require.NoError(t, err)
	assert.True(t, got.DeletedForEveryone)
}

func TestMessages_PropertyOffer(t *testing.T) {
	api := newTestAPI(t)
	conv := api.startConversation(t)

	resp := api.doJSON(t, "bob", http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", &model.SendMessageRequest{PropertyID: "p2"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg model.Message
	decode(t, resp, &msg)
	assert.Equal(t, model.KindPropertyOffer, msg.Kind)
	assert.Equal(t, "p2", msg.PropertyID)
}

func TestRecordings_CaptureAndSend(t *testing.T) {
	api := newTestAPI(t)
	conv := api.startConversation(t)

	resp := api.doJSON(t, "alice", http.MethodPost, "/api/v1/recordings", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec audio.Recording
	decode(t, resp, &rec)
	require.NotEmpty(t, rec.ID)

	chunk := make([]byte, 12*1024)
	copy(chunk, []byte{0x1A, 0x45, 0xDF, 0xA3})
	resp = api.do(t, "alice", http.MethodPut, "/api/v1/recordings/"+rec.ID, bytes.NewReader(chunk), AudioLevelHeader, "0.6")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, "alice", http.MethodPut, "/api/v1/recordings/"+rec.ID, bytes.NewReader(chunk), AudioLevelHeader, "loud")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.doJSON(t, "alice", http.MethodPost, "/api/v1/recordings/"+rec.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stopped map[string]interface{}
	decode(t, resp, &stopped)
	assert.Equal(t, rec.ID, stopped["id"])
	assert.NotContains(t, stopped, "path", "local paths stay on the server")

	resp = api.doJSON(t, "alice", http.MethodPost, "/api/v1/conversations/"+conv.ID+"/voice", &model.SendVoiceRequest{RecordingID: rec.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg model.Message
	decode(t, resp, &msg)
	assert.Equal(t, model.KindAudio, msg.Kind)
	att, ok := msg.Voice()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(att.URL, "https://cdn.example.com/"))

	resp = api.doJSON(t, "alice", http.MethodPost, "/api/v1/conversations/"+conv.ID+"/voice", &model.SendVoiceRequest{RecordingID: rec.ID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = api.doJSON(t, "alice", http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages/"+msg.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = api.doJSON(t, "bob", http.MethodPost, "/api/v1/playback/"+conv.ID+"/"+msg.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status playback.Status
	decode(t, resp, &status)
	assert.Equal(t, msg.ID, status.MessageID)
	assert.True(t, status.Playing)

	resp = api.doJSON(t, "bob", http.MethodDelete, "/api/v1/playback", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRecordings_TooShort(t *testing.T) {
	api := newTestAPI(t)

	resp := api.doJSON(t, "alice", http.MethodPost, "/api/v1/recordings", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec audio.Recording
	decode(t, resp, &rec)

	resp = api.do(t, "alice", http.MethodPut, "/api/v1/recordings/"+rec.ID, bytes.NewReader([]byte{0x1A, 0x45, 0xDF, 0xA3}))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.doJSON(t, "alice", http.MethodPost, "/api/v1/recordings/"+rec.ID+"/stop", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	assert.Equal(t, "recording_too_short", body.Code)

	resp = api.doJSON(t, "alice", http.MethodDelete, "/api/v1/recordings/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMedia(t *testing.T) {
	api := newTestAPI(t, "cdn.example.com")

	resp := api.do(t, "alice", http.MethodGet, "/api/v1/media?url=/etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, "alice", http.MethodGet, "/api/v1/media?url=https://evil.example.net/a.webm", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.do(t, "alice", http.MethodGet, "/api/v1/media?url=https://cdn.example.com/a.webm", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://cdn.example.com/a.webm", resp.Header.Get("Location"))
}

func TestStream_ThreadSnapshots(t *testing.T) {
	api := newTestAPI(t)
	conv := api.startConversation(t)
	base := "/api/v1/conversations/" + conv.ID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.server.URL+base+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "bob", middleware.RoleOwner))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan model.ThreadResponse, 16)
	go func() {
		defer close(events)
		reader := bufio.NewReader(resp.Body)
		var event string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: ") && event == string(delivery.UpdateThread):
				var th model.ThreadResponse
				if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &th) == nil {
					events <- th
				}
			}
		}
	}()

	next := func() model.ThreadResponse {
		select {
		case th, ok := <-events:
			require.True(t, ok, "stream closed")
			return th
		case <-time.After(2 * time.Second):
			t.Fatal("no thread event")
		}
		return model.ThreadResponse{}
	}

	first := next()
	assert.Equal(t, conv.ID, first.ConversationID)
	assert.Empty(t, first.Messages)

	send := api.doJSON(t, "alice", http.MethodPost, base+"/messages", &model.SendMessageRequest{Body: "viewing on friday?"})
	require.Equal(t, http.StatusCreated, send.StatusCode)

	var got model.ThreadResponse
	for len(got.Messages) == 0 {
		got = next()
	}
	assert.Equal(t, "viewing on friday?", got.Messages[0].Body)

	assert.Eventually(t, func() bool {
		msgs, err := api.store.ListMessages(context.Background(), conv.ID, 0)
		return err == nil && len(msgs) == 1 && msgs[0].Status == model.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond, "an open stream marks incoming messages delivered")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrapped: %w", store.ErrNotFound), http.StatusNotFound, "not_found"},
		{delivery.ErrRetryLimit, http.StatusConflict, "record_again"},
		{fmt.Errorf("%w: 403", upload.ErrStorageMisconfigured), http.StatusServiceUnavailable, "storage_misconfigured"},
		{delivery.ErrSendFailed, http.StatusBadGateway, "send_failed"},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge, "chunk_too_large"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
