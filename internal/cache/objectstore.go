package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/errs"
)

// ObjectStore keeps entries in a NATS JetStream object store bucket so
// several renderers can share one cache. Entries use the same encoding as
// DiskStore.
type ObjectStore struct {
	bucket string
	store  nats.ObjectStore
	codec  *codec

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
	last   atomic.Int64 // unix nanoseconds
}

// NewObjectStore creates the bucket if needed, otherwise binds to it.
func NewObjectStore(js nats.JetStreamContext, bucket string, compressionLevel int) (*ObjectStore, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("podforge audio cache (%s)", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, errs.CacheIO("cache.NewObjectStore", fmt.Sprintf("create bucket %q", bucket), err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, errs.CacheIO("cache.NewObjectStore", fmt.Sprintf("bind bucket %q", bucket), err)
		}
	}

	c, err := newCodec(compressionLevel)
	if err != nil {
		return nil, errs.CacheIO("cache.NewObjectStore", "", err)
	}
	return &ObjectStore{bucket: bucket, store: store, codec: c}, nil
}

// Get fetches and decodes the object named key.
func (o *ObjectStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	if !key.Valid() {
		return Entry{}, false, errs.CacheIO("cache.Get", "", ErrInvalidKey).WithKey(string(key))
	}
	o.last.Store(time.Now().UnixNano())

	data, err := o.store.GetBytes(string(key))
	if errors.Is(err, nats.ErrObjectNotFound) {
		o.misses.Add(1)
		return Entry{}, false, nil
	}
	if err != nil {
		o.errors.Add(1)
		return Entry{}, false, errs.CacheIO("cache.Get", "fetch object", err).WithKey(key.Short())
	}

	clip, created, err := o.codec.decode(data)
	if err != nil {
		o.errors.Add(1)
		_ = o.store.Delete(string(key))
		return Entry{}, false, errs.CacheIO("cache.Get", "decode object", err).WithKey(key.Short())
	}

	o.hits.Add(1)
	return Entry{Key: key, Audio: clip, CreatedAt: created}, true, nil
}

// Put uploads the encoded clip. Object store puts replace the previous
// object only once the new one is complete.
func (o *ObjectStore) Put(_ context.Context, key Key, clip audio.Clip) error {
	if !key.Valid() {
		return errs.CacheIO("cache.Put", "", ErrInvalidKey).WithKey(string(key))
	}
	if err := clip.Validate(); err != nil {
		return errs.CacheIO("cache.Put", "refusing invalid clip", err).WithKey(key.Short())
	}
	o.last.Store(time.Now().UnixNano())

	if _, err := o.store.PutBytes(string(key), o.codec.encode(clip, time.Now())); err != nil {
		o.errors.Add(1)
		return errs.CacheIO("cache.Put", "upload object", err).WithKey(key.Short())
	}
	return nil
}

// Invalidate deletes the object named key.
func (o *ObjectStore) Invalidate(_ context.Context, key Key) error {
	err := o.store.Delete(string(key))
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return errs.CacheIO("cache.Invalidate", "", err).WithKey(key.Short())
	}
	return nil
}

// Clear deletes every object in the bucket.
func (o *ObjectStore) Clear(_ context.Context) error {
	infos, err := o.store.List()
	if errors.Is(err, nats.ErrNoObjectsFound) {
		return nil
	}
	if err != nil {
		return errs.CacheIO("cache.Clear", "list objects", err)
	}
	for _, info := range infos {
		if err := o.store.Delete(info.Name); err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
			return errs.CacheIO("cache.Clear", "", err).WithKey(info.Name)
		}
	}
	return nil
}

// Stats lists the bucket to count entries.
func (o *ObjectStore) Stats() Stats {
	s := Stats{
		Hits:   o.hits.Load(),
		Misses: o.misses.Load(),
		Errors: o.errors.Load(),
	}
	if last := o.last.Load(); last > 0 {
		s.LastAccess = time.Unix(0, last)
	}
	if infos, err := o.store.List(); err == nil {
		for _, info := range infos {
			s.Entries++
			s.Bytes += int64(info.Size)
		}
	}
	s.calculateHitRate()
	return s
}

// Close releases the compression codecs. The NATS connection belongs to
// the caller.
func (o *ObjectStore) Close() error {
	o.codec.close()
	return nil
}
