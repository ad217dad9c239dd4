package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/househunter/messaging/pkg/logger"
)

type fakeHardware struct {
	mu      sync.Mutex
	calls   []Mode
	active  atomic.Int32
	overlap atomic.Bool
	delay   time.Duration
	err     error
}

func (f *fakeHardware) Configure(ctx context.Context, mode Mode) error {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, mode)
	return nil
}

func (f *fakeHardware) Calls() []Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Mode(nil), f.calls...)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("error", logger.FormatJSON)
	require.NoError(t, err)
	return log
}

func TestModeCoordinator_CoalescesSameMode(t *testing.T) {
	hw := &fakeHardware{}
	c := NewModeCoordinator(hw, testLogger(t))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, ModePlayback))
	require.NoError(t, c.Set(ctx, ModePlayback))
	require.NoError(t, c.Set(ctx, ModeRecording))
	require.NoError(t, c.Set(ctx, ModeRecording))

	assert.Equal(t, []Mode{ModePlayback, ModeRecording}, hw.Calls())
	assert.Equal(t, ModeRecording, c.Mode())
}

func TestModeCoordinator_LockPinsRecording(t *testing.T) {
	hw := &fakeHardware{}
	c := NewModeCoordinator(hw, testLogger(t))
	ctx := context.Background()

	require.NoError(t, c.Lock(ctx))
	require.NoError(t, c.Set(ctx, ModePlayback))
	assert.Equal(t, ModeRecording, c.Mode())
	assert.True(t, c.Locked())

	c.Unlock()
	require.NoError(t, c.Set(ctx, ModePlayback))
	assert.Equal(t, ModePlayback, c.Mode())
	assert.Equal(t, []Mode{ModeRecording, ModePlayback}, hw.Calls())
}

func TestModeCoordinator_SerializesHardwareCalls(t *testing.T) {
	hw := &fakeHardware{delay: 5 * time.Millisecond}
	c := NewModeCoordinator(hw, testLogger(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		mode := ModeRecording
		if i%2 == 0 {
			mode = ModePlayback
		}
		go func() {
			defer wg.Done()
			_ = c.Set(ctx, mode)
		}()
	}
	wg.Wait()

	assert.False(t, hw.overlap.Load(), "hardware configuration calls overlapped")
}

func TestModeCoordinator_FailedConfigureKeepsMode(t *testing.T) {
	hw := &fakeHardware{err: errors.New("device busy")}
	c := NewModeCoordinator(hw, testLogger(t))

	err := c.Set(context.Background(), ModePlayback)
	assert.Error(t, err)
	assert.Equal(t, ModeUnset, c.Mode())
}
