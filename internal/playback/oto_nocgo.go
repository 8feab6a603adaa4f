//go:build nocgo

package playback

import (
	"context"

	"github.com/podforge/podforge/internal/audio"
)

// OtoPlayer is unavailable without cgo.
type OtoPlayer struct{}

// NewOtoPlayer always fails in nocgo builds.
func NewOtoPlayer(int) (*OtoPlayer, error) {
	return nil, ErrUnavailable
}

func (*OtoPlayer) Play(context.Context, audio.Clip) error { return ErrUnavailable }

func (*OtoPlayer) State() State { return StateClosed }

func (*OtoPlayer) Close() error { return nil }
