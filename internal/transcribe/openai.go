// Package transcribe produces text transcripts of uploaded voice messages.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/househunter/messaging/pkg/logger"
)

// DefaultTimeout bounds a single transcription request.
const DefaultTimeout = 30 * time.Second

// Config configures the Whisper transcriber.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Timeout  time.Duration
}

// Whisper transcribes recordings with the OpenAI audio API.
type Whisper struct {
	client *openai.Client
	cfg    Config
	logger *logger.Logger
}

// NewWhisper creates a Whisper transcriber.
func NewWhisper(cfg Config, log *logger.Logger) (*Whisper, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Whisper{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: log,
	}, nil
}

// Transcribe returns the transcript of the recording at path.
func (w *Whisper) Transcribe(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.cfg.Model,
		FilePath: path,
		Language: w.cfg.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("failed to transcribe recording: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	w.logger.Debug("recording transcribed",
		zap.String("model", w.cfg.Model),
		zap.Int("chars", len(text)),
		zap.Duration("latency", time.Since(start)),
	)
	return text, nil
}
