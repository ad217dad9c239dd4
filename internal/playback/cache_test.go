package playback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/househunter/messaging/pkg/logger"
)

func newAudioServer(t *testing.T, status int, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestNormalize(t *testing.T) {
	assert.Equal(t,
		"https://cdn.example.com/voice/c1/a.webm",
		Normalize("HTTPS://CDN.Example.com/voice/c1/a.webm?sig=abc#t=1"),
	)
	assert.Equal(t, Key("https://cdn.example.com/a.m4a?x=1"), Key("https://CDN.example.com/a.m4a"))
	assert.NotEqual(t, Key("https://cdn.example.com/a.m4a"), Key("https://cdn.example.com/b.m4a"))
	assert.Equal(t, ".m4a", filepath.Ext(Key("https://cdn.example.com/a.M4A")))
}

func TestCache_DisabledReturnsSource(t *testing.T) {
	c := NewCache("", 0, logger.Nop())
	uri, err := c.Resolve(context.Background(), "https://cdn.example.com/a.webm")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.webm", uri)
}

func TestCache_DownloadsOnce(t *testing.T) {
	srv, hits := newAudioServer(t, http.StatusOK, []byte("audio-bytes"))
	dir := t.TempDir()
	c := NewCache(dir, 0, logger.Nop())
	source := srv.URL + "/voice/c1/a.webm"

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uri, err := c.Resolve(context.Background(), source)
			assert.NoError(t, err)
			results[i] = uri
		}(i)
	}
	wg.Wait()

	again, err := c.Resolve(context.Background(), source+"?token=2")
	require.NoError(t, err)

	want := filepath.Join(dir, Key(source))
	for _, r := range results {
		assert.Equal(t, want, r)
	}
	assert.Equal(t, want, again)
	assert.Equal(t, int32(1), hits.Load())

	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))
}

func TestCache_FetchFailure(t *testing.T) {
	srv, _ := newAudioServer(t, http.StatusNotFound, nil)
	dir := t.TempDir()
	c := NewCache(dir, 0, logger.Nop())

	_, err := c.Resolve(context.Background(), srv.URL+"/missing.webm")
	assert.ErrorIs(t, err, ErrFetchFailed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCache_LocalPathPassthrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.webm")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	c := NewCache(t.TempDir(), 0, logger.Nop())
	uri, err := c.Resolve(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, uri)

	_, err = c.Resolve(context.Background(), "/does/not/exist.webm")
	assert.ErrorIs(t, err, ErrFetchFailed)
}
