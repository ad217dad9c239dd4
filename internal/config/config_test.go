package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"STORE_BACKEND", "STORE_WRITE_TIMEOUT", "MIN_RECORDING_BYTES", "UPLOAD_MAX_ATTEMPTS", "CACHE_DIR", "RECEIPT_WINDOW", "MEDIA_ALLOWED_HOSTS", "NATS_CLIENT_NAME"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, 20*time.Second, cfg.StoreWriteTimeout)
	assert.Equal(t, int64(8192), cfg.MinRecordingBytes)
	assert.Equal(t, 3, cfg.UploadMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.PlaybackTick)
	assert.Equal(t, 25, cfg.ReceiptWindow)
	assert.Empty(t, cfg.CacheDir)
	assert.Equal(t, AudioStream, cfg.AudioBackend)
	assert.Empty(t, cfg.MediaAllowedHosts)
	assert.Equal(t, "househunter-messaging", cfg.NATSClientName)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "nats")
	t.Setenv("STORE_WRITE_TIMEOUT", "5s")
	t.Setenv("MAX_UPLOAD_BYTES", "1048576")
	t.Setenv("TRANSCRIBE_ENABLED", "true")
	t.Setenv("RECEIPT_WINDOW", "not-a-number")
	t.Setenv("MEDIA_ALLOWED_HOSTS", "cdn.example.com, ,media.example.com")

	cfg := Load()
	assert.Equal(t, StoreNATS, cfg.StoreBackend)
	assert.Equal(t, 5*time.Second, cfg.StoreWriteTimeout)
	assert.Equal(t, int64(1<<20), cfg.MaxUploadBytes)
	assert.True(t, cfg.TranscribeEnabled)
	assert.Equal(t, 25, cfg.ReceiptWindow, "invalid values fall back to the default")
	assert.Equal(t, []string{"cdn.example.com", "media.example.com"}, cfg.MediaAllowedHosts)
}
