package cache

import (
	"context"
	"errors"
	"time"

	"github.com/podforge/podforge/internal/audio"
)

var (
	// ErrCacheCorrupted is returned when a stored entry cannot be decoded.
	ErrCacheCorrupted = errors.New("cache data corrupted")

	// ErrInvalidKey is returned for keys that are not a content hash.
	ErrInvalidKey = errors.New("invalid cache key")
)

// Entry is a stored synthesis result.
type Entry struct {
	Key       Key
	Audio     audio.Clip
	CreatedAt time.Time
}

// Stats holds cache counters. Entries and Bytes describe what is stored;
// the rest describe traffic since the store was opened.
type Stats struct {
	Entries int64
	Bytes   int64

	Hits    int64
	Misses  int64
	Errors  int64
	HitRate float64

	LastAccess time.Time
}

func (s *Stats) calculateHitRate() {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
}

// Store is a content-addressed audio cache. Get and Put are safe for
// concurrent use. Concurrent writers of one key race to "last writer wins",
// which is harmless because a key determines its bytes.
type Store interface {
	// Get returns the entry for key. A missing entry is (Entry{}, false, nil);
	// a read or decode failure is reported as a cache I/O error.
	Get(ctx context.Context, key Key) (Entry, bool, error)

	// Put stores clip under key, replacing any previous entry atomically.
	Put(ctx context.Context, key Key, clip audio.Clip) error

	// Invalidate removes key. Removing a missing key is not an error.
	Invalidate(ctx context.Context, key Key) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	Stats() Stats
}
