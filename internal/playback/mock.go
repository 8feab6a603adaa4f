package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podforge/podforge/internal/audio"
)

// MockPlayer simulates playback without producing sound.
type MockPlayer struct {
	// DelayFactor scales simulated playback time; 0 returns immediately.
	DelayFactor float64

	mu     sync.Mutex
	played []audio.Clip
	err    error

	state     atomic.Int32
	playCount atomic.Int64
}

// NewMockPlayer creates a mock that returns immediately.
func NewMockPlayer() *MockPlayer {
	return &MockPlayer{}
}

// Play records c and waits for its scaled duration.
func (m *MockPlayer) Play(ctx context.Context, c audio.Clip) error {
	if State(m.state.Load()) == StateClosed {
		return ErrClosed
	}
	if err := c.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	err := m.err
	if err == nil {
		m.played = append(m.played, c)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.playCount.Add(1)

	m.state.Store(int32(StatePlaying))
	defer m.state.CompareAndSwap(int32(StatePlaying), int32(StateStopped))

	if d := time.Duration(float64(c.Duration()) * m.DelayFactor); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SetError makes later Play calls fail with err.
func (m *MockPlayer) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Played returns the clips played so far.
func (m *MockPlayer) Played() []audio.Clip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.Clip(nil), m.played...)
}

// PlayCount returns the number of successful Play calls.
func (m *MockPlayer) PlayCount() int64 {
	return m.playCount.Load()
}

// State returns the current state.
func (m *MockPlayer) State() State {
	return State(m.state.Load())
}

// Close implements Player.
func (m *MockPlayer) Close() error {
	if State(m.state.Swap(int32(StateClosed))) == StateClosed {
		return errors.New("player already closed")
	}
	return nil
}
