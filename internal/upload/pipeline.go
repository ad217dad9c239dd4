// Package upload sends captured voice artifacts to an object store.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/pkg/logger"
	"github.com/househunter/messaging/pkg/metrics"
)

var (
	// ErrUploadFailed is a retryable network or server failure.
	ErrUploadFailed = errors.New("upload failed")

	// ErrStorageMisconfigured is returned when no endpoint or preset is set.
	// It is fatal and never retried.
	ErrStorageMisconfigured = errors.New("object storage is not configured")

	// ErrArtifactTooLarge is returned for artifacts above the size limit or
	// with no content.
	ErrArtifactTooLarge = errors.New("artifact too large or empty")
)

// ProgressCeiling is the highest synthetic progress reported before the
// upload completes.
const ProgressCeiling = 0.95

// ProgressFunc receives upload progress in [0, 1].
type ProgressFunc func(progress float64)

// Transcriber produces a text transcript of a local audio file.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Config configures the pipeline.
type Config struct {
	Endpoint         string
	Preset           string
	MaxBytes         int64
	ProgressInterval time.Duration
	Timeout          time.Duration
	// DeleteLocal removes the artifact after a successful upload.
	DeleteLocal bool
}

// Result describes an uploaded artifact.
type Result struct {
	URL        string `json:"url"`
	ByteSize   int64  `json:"byte_size"`
	Transcript string `json:"transcript,omitempty"`
}

// Pipeline uploads voice artifacts with multipart POSTs.
type Pipeline struct {
	cfg         Config
	client      *http.Client
	transcriber Transcriber
	logger      *logger.Logger
	now         func() time.Time
}

// NewPipeline creates an upload pipeline. transcriber may be nil.
func NewPipeline(cfg Config, transcriber Transcriber, log *logger.Logger) *Pipeline {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 250 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Pipeline{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		transcriber: transcriber,
		logger:      log,
		now:         time.Now,
	}
}

// Configured reports whether the pipeline has an upload target.
func (p *Pipeline) Configured() bool {
	return p.cfg.Endpoint != "" && p.cfg.Preset != ""
}

// Upload performs one upload attempt of artifact.
func (p *Pipeline) Upload(ctx context.Context, artifact *model.VoiceArtifact, conversationID, userID string, onProgress ProgressFunc) (*Result, error) {
	ctx, span := otel.Tracer("upload").Start(ctx, "upload.voice")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", conversationID),
		attribute.Int64("byte_size", artifact.ByteSize),
	)

	if !p.Configured() {
		span.SetStatus(codes.Error, "misconfigured")
		metrics.UploadAttempts.WithLabelValues("misconfigured").Inc()
		return nil, ErrStorageMisconfigured
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}

	start := time.Now()
	result, err := p.upload(ctx, artifact, conversationID, userID, onProgress)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, ErrArtifactTooLarge) {
			outcome = "invalid"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	metrics.RecordUpload(outcome, time.Since(start).Seconds())
	return result, err
}

func (p *Pipeline) upload(ctx context.Context, artifact *model.VoiceArtifact, conversationID, userID string, onProgress ProgressFunc) (*Result, error) {
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if len(data) == 0 || (p.cfg.MaxBytes > 0 && int64(len(data)) > p.cfg.MaxBytes) {
		return nil, fmt.Errorf("%w: %d bytes", ErrArtifactTooLarge, len(data))
	}

	body, contentType, err := p.form(artifact, data, conversationID, userID)
	if err != nil {
		return nil, err
	}

	stop := p.startProgress(onProgress)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUploadFailed, err)
	}
	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("%w: rejected by object store", ErrArtifactTooLarge)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: upload preset rejected (status %d)", ErrStorageMisconfigured, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
	}

	result, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	if result.ByteSize == 0 {
		result.ByteSize = int64(len(data))
	}

	stop()
	onProgress(1)

	if p.transcriber != nil {
		transcript, err := p.transcriber.Transcribe(ctx, artifact.Path)
		if err != nil {
			p.logger.Warn("transcription failed", zap.String("artifact_id", artifact.ID), zap.Error(err))
		}
		result.Transcript = transcript
	}
	if p.cfg.DeleteLocal {
		if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to delete local artifact", zap.String("path", artifact.Path), zap.Error(err))
		}
	}

	p.logger.Debug("voice uploaded",
		zap.String("conversation_id", conversationID),
		zap.String("url", result.URL),
		zap.Int64("byte_size", result.ByteSize),
	)
	return result, nil
}

// form builds the multipart body. The file part carries the real audio
// MIME type instead of application/octet-stream.
func (p *Pipeline) form(artifact *model.VoiceArtifact, data []byte, conversationID, userID string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	mimeType := artifact.MIMEType
	if mimeType == "" {
		mimeType = artifact.Format.MIMEType()
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, filepath.Base(artifact.Path)))
	header.Set("Content-Type", mimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write file part: %w", err)
	}

	fields := [][2]string{
		{"upload_preset", p.cfg.Preset},
		{"folder", Folder(conversationID)},
		{"public_id", PublicID(userID, p.now())},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// startProgress runs the synthetic progress ticker. The returned stop
// function is idempotent.
func (p *Pipeline) startProgress(onProgress ProgressFunc) func() {
	ticker := time.NewTicker(p.cfg.ProgressInterval)
	done := make(chan struct{})
	finished := make(chan struct{})
	onProgress(0)

	go func() {
		defer close(finished)
		progress := 0.0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				progress = NextProgress(progress)
				onProgress(progress)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			<-finished
		})
	}
}

// NextProgress moves progress a fifth of the way toward ProgressCeiling.
func NextProgress(progress float64) float64 {
	return progress + (ProgressCeiling-progress)*0.2
}

// Folder is the destination folder of a conversation's voice messages.
func Folder(conversationID string) string {
	return "voice/" + conversationID
}

// PublicID names an upload by its sender and time.
func PublicID(userID string, at time.Time) string {
	return fmt.Sprintf("%s_%d", userID, at.UnixMilli())
}

type uploadResponse struct {
	SecureURL string `json:"secure_url"`
	URL       string `json:"url"`
	Bytes     int64  `json:"bytes"`
}

func parseResponse(raw []byte) (*Result, error) {
	var resp uploadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrUploadFailed, err)
	}
	url := resp.SecureURL
	if url == "" {
		url = resp.URL
	}
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: response has no url", ErrUploadFailed)
	}
	return &Result{URL: url, ByteSize: resp.Bytes}, nil
}
