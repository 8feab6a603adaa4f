package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
	"github.com/podforge/podforge/internal/cache"
	"github.com/podforge/podforge/internal/config"
	"github.com/podforge/podforge/internal/engine"
	"github.com/podforge/podforge/internal/events"
	"golang.org/x/term"
)

// stores holds the cache layers opened for a command.
type stores struct {
	store  cache.Store
	disk   *cache.DiskStore
	memory *cache.MemoryStore
	remote *cache.ObjectStore
	nc     *nats.Conn
}

func (s *stores) Close() {
	if s.remote != nil {
		_ = s.remote.Close()
	}
	if s.disk != nil {
		_ = s.disk.Close()
	}
	if s.nc != nil {
		_ = s.nc.Drain()
	}
}

// openStores builds memory -> disk -> NATS object store, skipping layers
// that are not configured.
func openStores(c config.Config) (*stores, error) {
	s := &stores{}

	disk, err := cache.NewDiskStore(c.Cache.Dir, c.Cache.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("unable to open cache: %w", err)
	}
	s.disk = disk
	s.store = disk

	if c.Cache.NATSURL != "" {
		nc, err := nats.Connect(c.Cache.NATSURL, nats.Name("podforge"))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("unable to connect to NATS: %w", err)
		}
		s.nc = nc
		js, err := nc.JetStream()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("unable to open JetStream: %w", err)
		}
		remote, err := cache.NewObjectStore(js, c.Cache.NATSBucket, c.Cache.CompressionLevel)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("unable to open shared cache: %w", err)
		}
		s.remote = remote
		s.store = cache.NewLayered(disk, remote)
		log.Debug("Using shared cache", "url", c.Cache.NATSURL, "bucket", c.Cache.NATSBucket)
	}

	if c.Cache.MemoryMB > 0 {
		s.memory = cache.NewMemoryStore(c.Cache.MemoryMB << 20)
		s.store = cache.NewLayered(s.memory, s.store)
	}
	return s, nil
}

func newManager(c config.Config) *engine.Manager {
	return engine.NewManager(engine.Options{
		MaxEngines:      c.Engines.MaxLoaded,
		CheckoutTimeout: c.Engines.CheckoutTimeout,
		Logger:          log.Default(),
	})
}

// newBus routes run events to the terminal and, when connected, to NATS.
func newBus(c config.Config, nc *nats.Conn) *events.Bus {
	var sinks []events.Sink
	if term.IsTerminal(int(os.Stderr.Fd())) { //nolint:gosec
		sinks = append(sinks, newProgressPrinter(os.Stderr))
	} else {
		sinks = append(sinks, events.LogSink{Logger: log.Default().With("component", "events")})
	}
	if nc != nil {
		sinks = append(sinks, events.NewNATSSink(nc, c.Events.NATSSubject))
	}
	return events.NewBus(256, sinks...)
}
