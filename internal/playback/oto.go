//go:build !nocgo

package playback

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
	"github.com/podforge/podforge/internal/audio"
)

// oto permits one context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func sharedContext(sampleRate int) (*oto.Context, int, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = fmt.Errorf("failed to create oto context: %w", err)
			return
		}
		<-ready
		otoCtx, otoRate = ctx, sampleRate
	})
	return otoCtx, otoRate, otoErr
}

// OtoPlayer plays clips through the system audio device.
type OtoPlayer struct {
	ctx   *oto.Context
	rate  int
	state atomic.Int32
	mu    sync.Mutex
}

// NewOtoPlayer opens the audio device at sampleRate. Clips at other rates
// are resampled. The device rate is fixed by the first player created.
func NewOtoPlayer(sampleRate int) (*OtoPlayer, error) {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	ctx, rate, err := sharedContext(sampleRate)
	if err != nil {
		return nil, err
	}
	return &OtoPlayer{ctx: ctx, rate: rate}, nil
}

// Play implements Player. Only one clip plays at a time.
func (p *OtoPlayer) Play(ctx context.Context, c audio.Clip) error {
	if err := c.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if State(p.state.Load()) == StateClosed {
		return ErrClosed
	}

	// data must stay referenced until the player is done with it.
	data := audio.Resample(c, p.rate).Data
	player := p.ctx.NewPlayer(bytes.NewReader(data))
	defer player.Pause()

	p.state.Store(int32(StatePlaying))
	defer p.state.CompareAndSwap(int32(StatePlaying), int32(StateStopped))
	player.Play()
	log.Debug("Playback started", "duration", c.Duration(), "rate", p.rate)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}

// State returns the current state.
func (p *OtoPlayer) State() State {
	return State(p.state.Load())
}

// Close marks the player closed. The shared device stays open.
func (p *OtoPlayer) Close() error {
	p.state.Store(int32(StateClosed))
	return nil
}
