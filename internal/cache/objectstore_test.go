package cache

import (
	"context"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		natsServer.Shutdown()
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}
	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})
	return natsServer, natsConnection
}

func newTestObjectStore(t *testing.T, bucket string) (*ObjectStore, nats.JetStreamContext) {
	t.Helper()
	_, nc := startTestServer(t)
	js, err := nc.JetStream()
	require.NoError(t, err)

	store, err := NewObjectStore(js, bucket, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, js
}

func TestObjectStore_PutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newTestObjectStore(t, "audio-cache")

	key := testKey("shared between hosts")
	clip := testClip(5000, 2)

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(ctx, key, clip))

	e, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, clip.Data, e.Audio.Data)
	require.Equal(t, clip.SampleRate, e.Audio.SampleRate)

	s := store.Stats()
	require.Equal(t, int64(1), s.Entries)
	require.Equal(t, int64(1), s.Hits)
	require.Equal(t, int64(1), s.Misses)
}

func TestObjectStore_BindsExistingBucket(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	first, js := newTestObjectStore(t, "reused")
	key := testKey("survives rebind")
	require.NoError(t, first.Put(ctx, key, testClip(10, 1)))

	second, err := NewObjectStore(js, "reused", 0)
	require.NoError(t, err)
	defer second.Close()

	_, ok, err := second.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestObjectStore_InvalidateAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newTestObjectStore(t, "clearable")

	keys := []Key{testKey("x"), testKey("y")}
	for _, k := range keys {
		require.NoError(t, store.Put(ctx, k, testClip(10, 1)))
	}

	require.NoError(t, store.Invalidate(ctx, keys[0]))
	require.NoError(t, store.Invalidate(ctx, keys[0]))
	_, ok, err := store.Get(ctx, keys[0])
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))
	require.Equal(t, int64(0), store.Stats().Entries)
}
