// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
)

// Audio capture backends.
const (
	AudioStream = "stream"
	AudioExec   = "exec"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSAllowedOrigins []string

	// Store settings
	StoreBackend      string
	StoreWriteTimeout time.Duration

	// NATS settings
	NATSURL        string
	NATSClientName string
	NATSCAFile     string
	NATSCertFile   string
	NATSKeyFile    string
	NATSToken      string

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// Upload settings
	ObjectStoreURL         string
	UploadPreset           string
	MaxUploadBytes         int64
	UploadProgressInterval time.Duration
	UploadTimeout          time.Duration
	UploadMaxAttempts      int

	// Capture settings
	RecordingDir      string
	MinRecordingBytes int64
	AudioBackend      string
	FFmpegPath        string
	FFmpegInputFormat string
	FFmpegInputDevice string

	// Playback settings
	CacheDir          string
	PlaybackTick      time.Duration
	MediaAllowedHosts []string

	// Receipts
	ReceiptWindow int

	// Transcription
	OpenAIAPIKey      string
	TranscribeEnabled bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),

		// Store
		StoreBackend:      getEnv("STORE_BACKEND", StoreMemory),
		StoreWriteTimeout: getDurationEnv("STORE_WRITE_TIMEOUT", 20*time.Second),

		// NATS
		NATSURL:        getEnv("NATS_URL", "nats://localhost:4222"),
		NATSClientName: getEnv("NATS_CLIENT_NAME", "househunter-messaging"),
		NATSCAFile:     getEnv("NATS_CA_FILE", ""),
		NATSCertFile:   getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:    getEnv("NATS_KEY_FILE", ""),
		NATSToken:      getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		// Upload
		ObjectStoreURL:         getEnv("OBJECT_STORE_URL", ""),
		UploadPreset:           getEnv("UPLOAD_PRESET", ""),
		MaxUploadBytes:         getInt64Env("MAX_UPLOAD_BYTES", 10<<20),
		UploadProgressInterval: getDurationEnv("UPLOAD_PROGRESS_INTERVAL", 250*time.Millisecond),
		UploadTimeout:          getDurationEnv("UPLOAD_TIMEOUT", 60*time.Second),
		UploadMaxAttempts:      getIntEnv("UPLOAD_MAX_ATTEMPTS", 3),

		// Capture
		RecordingDir:      getEnv("RECORDING_DIR", os.TempDir()),
		MinRecordingBytes: getInt64Env("MIN_RECORDING_BYTES", 8*1024),
		AudioBackend:      getEnv("AUDIO_BACKEND", AudioStream),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegInputFormat: getEnv("FFMPEG_INPUT_FORMAT", ""),
		FFmpegInputDevice: getEnv("FFMPEG_INPUT_DEVICE", "default"),

		// Playback
		CacheDir:          getEnv("CACHE_DIR", ""),
		PlaybackTick:      getDurationEnv("PLAYBACK_TICK", 200*time.Millisecond),
		MediaAllowedHosts: getListEnv("MEDIA_ALLOWED_HOSTS"),

		// Receipts
		ReceiptWindow: getIntEnv("RECEIPT_WINDOW", 25),

		// Transcription
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		TranscribeEnabled: getBoolEnv("TRANSCRIBE_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma separated variable, dropping empty items.
func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
