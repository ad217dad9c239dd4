package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/househunter/messaging/internal/model"
)

// ExecBackend captures from a local input device with ffmpeg, encoding
// AAC into an m4a container.
type ExecBackend struct {
	// Binary is the ffmpeg executable name or path.
	Binary string
	// InputFormat is the ffmpeg input device format, e.g. alsa, pulse,
	// avfoundation.
	InputFormat string
	// InputDevice is the device name for InputFormat.
	InputDevice string
	// StopTimeout bounds how long finalization may take before the
	// process is killed.
	StopTimeout time.Duration
}

// Format returns the native codec container.
func (b *ExecBackend) Format() model.Format { return model.FormatM4A }

// Open resolves the encoder binary; the process starts on Begin.
func (b *ExecBackend) Open(ctx context.Context) (Session, error) {
	bin := b.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("failed to find encoder %s: %w", bin, err)
	}
	timeout := b.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &execSession{
		bin:         path,
		inputFormat: b.InputFormat,
		inputDevice: b.InputDevice,
		stopTimeout: timeout,
	}, nil
}

type execSession struct {
	bin         string
	inputFormat string
	inputDevice string
	stopTimeout time.Duration

	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan error
}

func (s *execSession) args(path string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if s.inputFormat != "" {
		args = append(args, "-f", s.inputFormat)
	}
	device := s.inputDevice
	if device == "" {
		device = "default"
	}
	return append(args, "-i", device, "-ac", "1", "-c:a", "aac", "-b:a", "64k", path)
}

// Begin starts the encoder process. It is not bound to ctx: the
// recording outlives the call that started it.
func (s *execSession) Begin(ctx context.Context, path string) error {
	cmd := exec.Command(s.bin, s.args(path)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.done = make(chan error, 1)
	go func() { s.done <- cmd.Wait() }()
	return nil
}

// Finish asks ffmpeg to quit so it writes the container trailer.
func (s *execSession) Finish(ctx context.Context) error {
	if s.cmd == nil {
		return ErrNoActiveRecording
	}
	if _, err := io.WriteString(s.stdin, "q\n"); err != nil {
		return s.kill(fmt.Errorf("failed to signal encoder: %w", err))
	}
	s.stdin.Close()

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case err := <-s.done:
		s.cmd = nil
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return fmt.Errorf("encoder failed: %w", err)
		}
		return nil
	case <-timer.C:
		return s.kill(errors.New("encoder did not stop in time"))
	case <-ctx.Done():
		return s.kill(ctx.Err())
	}
}

func (s *execSession) Abort() error {
	if s.cmd == nil {
		return nil
	}
	return s.kill(nil)
}

func (s *execSession) kill(cause error) error {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		<-s.done
	}
	s.cmd = nil
	return cause
}
