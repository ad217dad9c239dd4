package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/househunter/messaging/internal/model"
)

// StreamBackend captures audio produced by a browser recorder: the client
// encodes webm/opus and pushes chunks, the session appends them to disk.
type StreamBackend struct {
	// MaxBytes caps a single recording. Zero means no cap.
	MaxBytes int64
}

// ErrRecordingTooLarge is returned when pushed chunks exceed MaxBytes.
var ErrRecordingTooLarge = errors.New("recording exceeds maximum size")

// Format returns the browser recorder container.
func (b *StreamBackend) Format() model.Format { return model.FormatWebM }

// Open returns a session; there is no device to warm up.
func (b *StreamBackend) Open(ctx context.Context) (Session, error) {
	return &streamSession{maxBytes: b.MaxBytes}, nil
}

type streamSession struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	written  int64
	maxBytes int64
}

func (s *streamSession) Begin(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create recording file: %w", err)
	}
	s.file = f
	s.path = path
	return nil
}

func (s *streamSession) WriteChunk(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, ErrNoActiveRecording
	}
	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes-s.written+1)
	}
	n, err := io.Copy(s.file, src)
	s.written += n
	if err != nil {
		return n, fmt.Errorf("failed to write chunk: %w", err)
	}
	if s.maxBytes > 0 && s.written > s.maxBytes {
		return n, ErrRecordingTooLarge
	}
	return n, nil
}

func (s *streamSession) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrNoActiveRecording
	}
	err := s.file.Close()
	s.file = nil
	if err == nil && s.maxBytes > 0 && s.written > s.maxBytes {
		return ErrRecordingTooLarge
	}
	return err
}

func (s *streamSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
