package cache

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/podforge/podforge/internal/audio"
)

// Layered puts a fast front store (usually a MemoryStore) ahead of a
// persistent back store. Reads fall through to the back and promote hits;
// writes go to both, and only a back-store failure is reported.
type Layered struct {
	front Store
	back  Store
}

// NewLayered combines front and back.
func NewLayered(front, back Store) *Layered {
	return &Layered{front: front, back: back}
}

// Get checks the front store, then the back store.
func (l *Layered) Get(ctx context.Context, key Key) (Entry, bool, error) {
	if e, ok, err := l.front.Get(ctx, key); err == nil && ok {
		return e, true, nil
	}

	e, ok, err := l.back.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if err := l.front.Put(ctx, key, e.Audio); err != nil {
		log.Debug("Could not promote cache entry", "key", key.Short(), "err", err)
	}
	return e, true, nil
}

// Put writes through to both stores.
func (l *Layered) Put(ctx context.Context, key Key, clip audio.Clip) error {
	if err := l.back.Put(ctx, key, clip); err != nil {
		return err
	}
	if err := l.front.Put(ctx, key, clip); err != nil {
		log.Debug("Could not populate front cache", "key", key.Short(), "err", err)
	}
	return nil
}

// Invalidate removes key from both stores.
func (l *Layered) Invalidate(ctx context.Context, key Key) error {
	_ = l.front.Invalidate(ctx, key)
	return l.back.Invalidate(ctx, key)
}

// Clear empties both stores.
func (l *Layered) Clear(ctx context.Context) error {
	_ = l.front.Clear(ctx)
	return l.back.Clear(ctx)
}

// Stats reports the back store's contents with hit counters summed over
// both layers: a front hit never reaches the back store.
func (l *Layered) Stats() Stats {
	f, b := l.front.Stats(), l.back.Stats()
	s := b
	s.Hits += f.Hits
	s.Misses = b.Misses
	s.Errors += f.Errors
	if f.LastAccess.After(s.LastAccess) {
		s.LastAccess = f.LastAccess
	}
	s.HitRate = 0
	s.calculateHitRate()
	return s
}
