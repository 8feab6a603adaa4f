package playback

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/podforge/podforge/internal/audio"
)

var (
	// ErrClosed is returned by a player after Close.
	ErrClosed = errors.New("player is closed")

	// ErrUnavailable is returned when the build has no audio output.
	ErrUnavailable = errors.New("audio output not available in this build")
)

// State is the current state of a player.
type State int32

const (
	StateStopped State = iota
	StatePlaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Player plays mono PCM16 clips.
type Player interface {
	// Play blocks until c has been played or ctx is done. Stopping early
	// because of ctx returns ctx's error.
	Play(ctx context.Context, c audio.Clip) error
	Close() error
}

// PreviewFile plays a WAV file on p, typically the artifact a render just
// wrote.
func PreviewFile(ctx context.Context, p Player, path string) error {
	clip, err := audio.LoadWAV(path)
	if err != nil {
		return fmt.Errorf("unable to load preview: %w", err)
	}
	log.Debug("Playing preview", "path", path, "duration", clip.Duration())
	if err := p.Play(ctx, clip); err != nil {
		return fmt.Errorf("preview playback failed: %w", err)
	}
	return nil
}
