package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/engines"
	"github.com/podforge/podforge/internal/errs"
)

func testClip(n int, value byte) audio.Clip {
	data := make([]byte, n*2)
	for i := range data {
		data[i] = value + byte(i%7)
	}
	return audio.Clip{Data: data, SampleRate: audio.DefaultSampleRate}
}

func testKey(text string) Key {
	return NewKey(engines.BackendMock, "voice", text, nil)
}

func newTestDisk(t *testing.T, level int) *DiskStore {
	t.Helper()
	d, err := NewDiskStore(t.TempDir(), level)
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDiskStore_PutGet(t *testing.T) {
	for _, level := range []int{0, 3} {
		t.Run(fmt.Sprintf("level-%d", level), func(t *testing.T) {
			ctx := context.Background()
			d := newTestDisk(t, level)

			for _, n := range []int{1, 100, 8000} {
				key := testKey(fmt.Sprintf("clip %d", n))
				clip := testClip(n, 3)

				if err := d.Put(ctx, key, clip); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				e, ok, err := d.Get(ctx, key)
				if err != nil || !ok {
					t.Fatalf("Get = ok %v, err %v", ok, err)
				}
				if !bytes.Equal(e.Audio.Data, clip.Data) {
					t.Errorf("%d samples: data mismatch", n)
				}
				if e.Audio.SampleRate != clip.SampleRate {
					t.Errorf("sample rate = %d, want %d", e.Audio.SampleRate, clip.SampleRate)
				}
				if e.CreatedAt.IsZero() {
					t.Error("CreatedAt not recorded")
				}
			}
		})
	}
}

func TestDiskStore_Miss(t *testing.T) {
	d := newTestDisk(t, 0)
	_, ok, err := d.Get(context.Background(), testKey("nothing"))
	if err != nil || ok {
		t.Fatalf("Get on empty store = ok %v, err %v", ok, err)
	}
	if s := d.Stats(); s.Misses != 1 || s.Hits != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDiskStore_Layout(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t, 0)
	key := testKey("layout")

	if err := d.Put(ctx, key, testClip(10, 1)); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(d.Dir(), string(key[:2]), string(key)+".pcm")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("entry not at %s: %v", want, err)
	}

	tmps, _ := filepath.Glob(filepath.Join(d.Dir(), "*", "*.tmp"))
	if len(tmps) != 0 {
		t.Errorf("temporary files left behind: %v", tmps)
	}
}

func TestDiskStore_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t, 0)

	if err := d.Put(ctx, "../escape", testClip(1, 1)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Put with bad key: got %v, want ErrInvalidKey", err)
	}
	if _, _, err := d.Get(ctx, "../escape"); !errors.Is(err, errs.ErrCacheIO) {
		t.Errorf("Get with bad key: got %v, want cache I/O error", err)
	}
	if err := d.Put(ctx, testKey("empty"), audio.Clip{SampleRate: 22050}); err == nil {
		t.Error("Put of empty clip should fail")
	}
}

func TestDiskStore_CorruptedEntry(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t, 0)
	key := testKey("corrupt me")

	if err := d.Put(ctx, key, testClip(50, 2)); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(d.Dir(), string(key[:2]), string(key)+".pcm")
	if err := os.WriteFile(path, []byte("PFC1 but truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, ok, err := d.Get(ctx, key)
	if ok {
		t.Fatal("corrupted entry reported as hit")
	}
	if !errors.Is(err, errs.ErrCacheIO) || !errors.Is(err, ErrCacheCorrupted) {
		t.Fatalf("got %v, want cache I/O error wrapping ErrCacheCorrupted", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupted entry was not removed")
	}

	// The next lookup is a plain miss.
	if _, ok, err := d.Get(ctx, key); ok || err != nil {
		t.Errorf("Get after corruption = ok %v, err %v", ok, err)
	}
}

func TestDiskStore_InvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t, 0)

	keys := []Key{testKey("a"), testKey("b"), testKey("c")}
	for _, k := range keys {
		if err := d.Put(ctx, k, testClip(10, 1)); err != nil {
			t.Fatal(err)
		}
	}
	// Unrelated files under the root survive Clear.
	stray := filepath.Join(d.Dir(), "README")
	if err := os.WriteFile(stray, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := d.Invalidate(ctx, keys[0]); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if err := d.Invalidate(ctx, keys[0]); err != nil {
		t.Fatalf("Invalidate of missing key failed: %v", err)
	}
	if _, ok, _ := d.Get(ctx, keys[0]); ok {
		t.Error("invalidated key still present")
	}
	if s := d.Stats(); s.Entries != 2 {
		t.Errorf("Entries = %d, want 2", s.Entries)
	}

	if err := d.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if s := d.Stats(); s.Entries != 0 || s.Bytes != 0 {
		t.Errorf("stats after Clear = %+v", s)
	}
	if _, err := os.Stat(stray); err != nil {
		t.Errorf("Clear removed unrelated file: %v", err)
	}
}

func TestDiskStore_Prune(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t, 0)
	oldKey, newKey := testKey("old"), testKey("new")

	for _, k := range []Key{oldKey, newKey} {
		if err := d.Put(ctx, k, testClip(10, 1)); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	oldPath := filepath.Join(d.Dir(), string(oldKey[:2]), string(oldKey)+".pcm")
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatal(err)
	}

	n, err := d.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d entries, want 1", n)
	}
	if _, ok, _ := d.Get(ctx, oldKey); ok {
		t.Error("old entry survived Prune")
	}
	if _, ok, _ := d.Get(ctx, newKey); !ok {
		t.Error("new entry was pruned")
	}
}

func TestDiskStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t, 3)
	key := testKey("contended")
	clip := testClip(4000, 9)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Put(ctx, key, clip); err != nil {
				t.Errorf("Put failed: %v", err)
			}
			if e, ok, err := d.Get(ctx, key); err != nil || !ok || !bytes.Equal(e.Audio.Data, clip.Data) {
				t.Errorf("Get during concurrent writes: ok %v, err %v", ok, err)
			}
		}()
	}
	wg.Wait()

	if s := d.Stats(); s.Entries != 1 {
		t.Errorf("Entries = %d, want 1", s.Entries)
	}
}

func TestDiskStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := testKey("persist")
	clip := testClip(2000, 4)

	first, err := NewDiskStore(dir, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Put(ctx, key, clip); err != nil {
		t.Fatal(err)
	}
	_ = first.Close()

	// A store opened without compression can still read compressed entries.
	second, err := NewDiskStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	e, ok, err := second.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if !bytes.Equal(e.Audio.Data, clip.Data) {
		t.Error("data mismatch after reopen")
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(100)

	// Five 20-byte clips fill the store.
	for i := 0; i < 5; i++ {
		if err := m.Put(ctx, testKey(fmt.Sprint(i)), testClip(10, 1)); err != nil {
			t.Fatal(err)
		}
	}
	m.Get(ctx, testKey("0"))
	m.Get(ctx, testKey("1"))

	if err := m.Put(ctx, testKey("new"), testClip(15, 1)); err != nil {
		t.Fatal(err)
	}

	for _, k := range []string{"0", "1", "new"} {
		if _, ok, _ := m.Get(ctx, testKey(k)); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
	for _, k := range []string{"2", "3"} {
		if _, ok, _ := m.Get(ctx, testKey(k)); ok {
			t.Errorf("%s should have been evicted", k)
		}
	}
	if s := m.Stats(); s.Bytes > 100 {
		t.Errorf("Bytes = %d exceeds capacity", s.Bytes)
	}
}

func TestMemoryStore_TooLargeIsSkipped(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(10)
	if err := m.Put(ctx, testKey("big"), testClip(100, 1)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok, _ := m.Get(ctx, testKey("big")); ok {
		t.Error("oversized clip should not be stored")
	}
}

func TestMemoryStore_Unbounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)
	for i := 0; i < 50; i++ {
		if err := m.Put(ctx, testKey(fmt.Sprint(i)), testClip(1000, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if s := m.Stats(); s.Entries != 50 {
		t.Errorf("Entries = %d, want 50", s.Entries)
	}
	if err := m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if s := m.Stats(); s.Entries != 0 || s.Bytes != 0 {
		t.Errorf("stats after Clear = %+v", s)
	}
}

func TestLayered_PromotesBackHits(t *testing.T) {
	ctx := context.Background()
	front := NewMemoryStore(0)
	back := newTestDisk(t, 0)
	l := NewLayered(front, back)
	key := testKey("layered")
	clip := testClip(100, 5)

	if err := back.Put(ctx, key, clip); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := front.Get(ctx, key); ok {
		t.Fatal("front should start empty")
	}

	e, ok, err := l.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if !bytes.Equal(e.Audio.Data, clip.Data) {
		t.Error("data mismatch")
	}
	if _, ok, _ := front.Get(ctx, key); !ok {
		t.Error("back hit was not promoted to front")
	}
}

func TestLayered_WriteThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	front := NewMemoryStore(0)
	back := newTestDisk(t, 0)
	l := NewLayered(front, back)
	key := testKey("write through")

	if err := l.Put(ctx, key, testClip(10, 1)); err != nil {
		t.Fatal(err)
	}
	for name, s := range map[string]Store{"front": front, "back": back} {
		if _, ok, _ := s.Get(ctx, key); !ok {
			t.Errorf("%s store missing entry after Put", name)
		}
	}

	if err := l.Invalidate(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := l.Get(ctx, key); ok {
		t.Error("entry survived Invalidate")
	}
}
