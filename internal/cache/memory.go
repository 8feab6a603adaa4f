package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/errs"
)

// MemoryStore is an in-process Store with LRU eviction bounded by the
// total size of the stored PCM. It is used on its own in tests and as the
// front of a Layered store.
type MemoryStore struct {
	capacity int64 // bytes; 0 means unbounded
	size     int64

	items    map[Key]*list.Element
	eviction *list.List

	mu    sync.Mutex
	stats Stats
}

type memoryEntry struct {
	entry Entry
	size  int64
}

// NewMemoryStore creates a memory store holding at most capacity bytes of
// audio. A capacity of 0 disables eviction.
func NewMemoryStore(capacity int64) *MemoryStore {
	return &MemoryStore{
		capacity: capacity,
		items:    make(map[Key]*list.Element),
		eviction: list.New(),
	}
}

// Get returns the entry for key and marks it most recently used.
func (c *MemoryStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.LastAccess = time.Now()
	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return Entry{}, false, nil
	}

	c.eviction.MoveToFront(elem)
	c.stats.Hits++
	return elem.Value.(*memoryEntry).entry, true, nil
}

// Put stores clip, evicting least recently used entries to make room.
// A clip larger than the whole capacity is not stored.
func (c *MemoryStore) Put(_ context.Context, key Key, clip audio.Clip) error {
	if err := clip.Validate(); err != nil {
		return errs.CacheIO("cache.Put", "refusing invalid clip", err).WithKey(key.Short())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.LastAccess = time.Now()
	size := int64(len(clip.Data))
	entry := Entry{Key: key, Audio: clip, CreatedAt: time.Now()}

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		me := elem.Value.(*memoryEntry)
		c.size += size - me.size
		me.entry = entry
		me.size = size
		c.evict()
		return nil
	}

	if c.capacity > 0 && size > c.capacity {
		return nil
	}

	c.items[key] = c.eviction.PushFront(&memoryEntry{entry: entry, size: size})
	c.size += size
	c.evict()
	return nil
}

// evict drops entries from the back of the list until the store fits.
func (c *MemoryStore) evict() {
	if c.capacity <= 0 {
		return
	}
	for c.size > c.capacity && c.eviction.Len() > 1 {
		c.removeElement(c.eviction.Back())
	}
}

func (c *MemoryStore) removeElement(elem *list.Element) {
	me := c.eviction.Remove(elem).(*memoryEntry)
	delete(c.items, me.entry.Key)
	c.size -= me.size
}

// Invalidate removes key.
func (c *MemoryStore) Invalidate(_ context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Clear removes every entry.
func (c *MemoryStore) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[Key]*list.Element)
	c.eviction.Init()
	c.size = 0
	return nil
}

// Stats returns cache statistics.
func (c *MemoryStore) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = int64(len(c.items))
	s.Bytes = c.size
	s.calculateHitRate()
	return s
}
