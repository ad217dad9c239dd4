// Package audio provides the audio session mode coordinator and the voice
// capture engine.
package audio

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/househunter/messaging/pkg/logger"
	"github.com/househunter/messaging/pkg/metrics"
)

// Mode is the configuration of the shared audio session.
type Mode int

const (
	ModeUnset Mode = iota
	ModeRecording
	ModePlayback
)

func (m Mode) String() string {
	switch m {
	case ModeRecording:
		return "recording"
	case ModePlayback:
		return "playback"
	default:
		return "unset"
	}
}

// Hardware applies an audio session configuration. Calls never overlap.
type Hardware interface {
	Configure(ctx context.Context, mode Mode) error
}

// ModeCoordinator arbitrates the single audio session between recording
// and playback. Requests for the current mode are no-ops; all hardware
// calls are serialized. While locked the mode is pinned to recording.
type ModeCoordinator struct {
	mu      sync.Mutex
	hw      Hardware
	current Mode
	locked  bool
	logger  *logger.Logger
}

// NewModeCoordinator creates a coordinator over hw.
func NewModeCoordinator(hw Hardware, log *logger.Logger) *ModeCoordinator {
	return &ModeCoordinator{hw: hw, logger: log}
}

// Set requests a mode. A playback request while locked leaves the
// session in recording mode and returns nil.
func (c *ModeCoordinator) Set(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(ctx, mode)
}

func (c *ModeCoordinator) setLocked(ctx context.Context, mode Mode) error {
	if c.locked && mode != ModeRecording {
		c.logger.Debug("audio mode pinned to recording", zap.Stringer("requested", mode))
		mode = ModeRecording
	}
	if mode == c.current {
		return nil
	}
	if err := c.hw.Configure(ctx, mode); err != nil {
		return fmt.Errorf("failed to configure audio mode %s: %w", mode, err)
	}
	metrics.AudioModeSwitches.WithLabelValues(mode.String()).Inc()
	c.current = mode
	return nil
}

// Lock pins the session to recording mode until Unlock.
func (c *ModeCoordinator) Lock(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
	return c.setLocked(ctx, ModeRecording)
}

// Unlock releases the recording pin. The mode is left as is.
func (c *ModeCoordinator) Unlock() {
	c.mu.Lock()
	c.locked = false
	c.mu.Unlock()
}

// Mode returns the current mode.
func (c *ModeCoordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Locked reports whether the recording pin is held.
func (c *ModeCoordinator) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// LoggedHardware is the Hardware of a host with no local audio device:
// it records and logs the requested configuration.
type LoggedHardware struct {
	logger *logger.Logger
}

// NewLoggedHardware creates a LoggedHardware.
func NewLoggedHardware(log *logger.Logger) *LoggedHardware {
	return &LoggedHardware{logger: log}
}

// Configure logs the mode switch.
func (h *LoggedHardware) Configure(ctx context.Context, mode Mode) error {
	h.logger.Info("audio session configured", zap.Stringer("mode", mode))
	return nil
}
