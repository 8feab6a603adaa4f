package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/errs"
)

const diskEntryExt = ".pcm"

// DiskStore keeps one file per key under a two-character fan-out
// directory: <dir>/<key[:2]>/<key>.pcm. Files are written to a temporary
// name in the same directory and renamed into place, so readers never see
// a partial entry.
type DiskStore struct {
	dir   string
	codec *codec

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64

	mu         sync.Mutex
	lastAccess time.Time
}

// NewDiskStore opens (creating if needed) a cache rooted at dir.
// compressionLevel is a zstd level; 0 stores payloads raw.
func NewDiskStore(dir string, compressionLevel int) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.CacheIO("cache.NewDiskStore", "create cache directory", err)
	}
	c, err := newCodec(compressionLevel)
	if err != nil {
		return nil, errs.CacheIO("cache.NewDiskStore", "", err)
	}
	return &DiskStore{dir: dir, codec: c}, nil
}

// Dir returns the cache root.
func (d *DiskStore) Dir() string {
	return d.dir
}

func (d *DiskStore) path(key Key) string {
	return filepath.Join(d.dir, string(key[:2]), string(key)+diskEntryExt)
}

// Get reads and decodes the entry for key. A corrupted file is removed so
// the next run re-synthesizes it.
func (d *DiskStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	if !key.Valid() {
		return Entry{}, false, errs.CacheIO("cache.Get", "", ErrInvalidKey).WithKey(string(key))
	}
	d.touch()

	path := d.path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		d.misses.Add(1)
		return Entry{}, false, nil
	}
	if err != nil {
		d.errors.Add(1)
		return Entry{}, false, errs.CacheIO("cache.Get", "read entry", err).WithKey(key.Short())
	}

	clip, created, err := d.codec.decode(data)
	if err != nil {
		d.errors.Add(1)
		if rmErr := os.Remove(path); rmErr != nil {
			log.Warn("Could not remove corrupted cache entry", "path", path, "err", rmErr)
		}
		return Entry{}, false, errs.CacheIO("cache.Get", "decode entry", err).WithKey(key.Short())
	}

	d.hits.Add(1)
	return Entry{Key: key, Audio: clip, CreatedAt: created}, true, nil
}

// Put encodes clip and publishes it with an atomic rename.
func (d *DiskStore) Put(_ context.Context, key Key, clip audio.Clip) error {
	if !key.Valid() {
		return errs.CacheIO("cache.Put", "", ErrInvalidKey).WithKey(string(key))
	}
	if err := clip.Validate(); err != nil {
		return errs.CacheIO("cache.Put", "refusing invalid clip", err).WithKey(key.Short())
	}
	d.touch()

	path := d.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		d.errors.Add(1)
		return errs.CacheIO("cache.Put", "create fan-out directory", err).WithKey(key.Short())
	}
	if err := writeFileAtomic(path, d.codec.encode(clip, time.Now())); err != nil {
		d.errors.Add(1)
		return errs.CacheIO("cache.Put", "write entry", err).WithKey(key.Short())
	}
	return nil
}

// writeFileAtomic writes data to a temporary file next to path, then
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	if syncErr := tmp.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Invalidate removes the entry for key.
func (d *DiskStore) Invalidate(_ context.Context, key Key) error {
	if !key.Valid() {
		return errs.CacheIO("cache.Invalidate", "", ErrInvalidKey).WithKey(string(key))
	}
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.CacheIO("cache.Invalidate", "", err).WithKey(key.Short())
	}
	return nil
}

// Clear removes every fan-out directory. Other files under the cache root
// are left alone.
func (d *DiskStore) Clear(_ context.Context) error {
	dirs, err := os.ReadDir(d.dir)
	if err != nil {
		return errs.CacheIO("cache.Clear", "", err)
	}
	for _, de := range dirs {
		if !de.IsDir() || !isFanOut(de.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.dir, de.Name())); err != nil {
			return errs.CacheIO("cache.Clear", "", err)
		}
	}
	return nil
}

func isFanOut(name string) bool {
	return len(name) == 2 && Key(strings.Repeat(name, keyLen/2)).Valid()
}

// Prune removes entries whose files were last written before cutoff and
// returns how many were removed. It is never called automatically.
func (d *DiskStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := d.walk(func(path string, info fs.FileInfo) error {
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, errs.CacheIO("cache.Prune", "", err)
	}
	return removed, nil
}

// walk calls fn for every entry file.
func (d *DiskStore) walk(fn func(path string, info fs.FileInfo) error) error {
	return filepath.WalkDir(d.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if de.IsDir() || filepath.Ext(path) != diskEntryExt {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(path, info)
	})
}

// Stats counts entry files and their size on disk.
func (d *DiskStore) Stats() Stats {
	s := Stats{
		Hits:   d.hits.Load(),
		Misses: d.misses.Load(),
		Errors: d.errors.Load(),
	}
	_ = d.walk(func(_ string, info fs.FileInfo) error {
		s.Entries++
		s.Bytes += info.Size()
		return nil
	})

	d.mu.Lock()
	s.LastAccess = d.lastAccess
	d.mu.Unlock()

	s.calculateHitRate()
	return s
}

func (d *DiskStore) touch() {
	d.mu.Lock()
	d.lastAccess = time.Now()
	d.mu.Unlock()
}

// Close releases the compression codecs.
func (d *DiskStore) Close() error {
	d.codec.close()
	return nil
}
