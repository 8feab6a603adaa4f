package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/engines"
	"github.com/podforge/podforge/internal/errs"
	"golang.org/x/sync/errgroup"
)

// DefaultCheckoutTimeout bounds how long Checkout waits for a slot when
// every loaded engine is in use.
const DefaultCheckoutTimeout = 30 * time.Second

var (
	// ErrEngineInUse is returned by Unload for an engine with live handles.
	ErrEngineInUse = errors.New("engine is checked out")

	// ErrEngineLoading is returned by Unload for an engine still loading.
	ErrEngineLoading = errors.New("engine is loading")

	// ErrNotLoaded is returned by Unload for an unknown key.
	ErrNotLoaded = errors.New("engine is not loaded")

	// ErrHandleReleased is returned when a released handle is used.
	ErrHandleReleased = errors.New("engine handle already released")
)

// Options configures a Manager.
type Options struct {
	// MaxEngines caps how many distinct engine keys are loaded at once.
	MaxEngines int

	// CheckoutTimeout bounds the wait for a free slot.
	CheckoutTimeout time.Duration

	// Factory builds unloaded backends; engines.New when nil.
	Factory engines.Factory

	Logger *log.Logger
}

type slotState int

const (
	slotEmpty slotState = iota
	slotLoading
	slotReady
)

func (s slotState) String() string {
	switch s {
	case slotLoading:
		return "loading"
	case slotReady:
		return "ready"
	default:
		return "empty"
	}
}

// loadOp is shared by every checkout waiting on the same load.
type loadOp struct {
	done bool
	err  error
}

type slot struct {
	key      engines.Key
	state    slotState
	refs     int
	lastUsed time.Time
	memCost  int64
	backend  engines.Backend
	load     *loadOp

	// serializes Synthesize on the backend
	mu sync.Mutex
}

// Manager owns the loaded backend instances. It keeps at most MaxEngines
// of them in a fixed array of slots, hands them out as reference-counted
// handles and evicts the least recently used idle instance when a new key
// needs a slot.
type Manager struct {
	maxEngines int
	timeout    time.Duration
	factory    engines.Factory
	logger     *log.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	slots []*slot
	index map[engines.Key]int
	stats counters
}

type counters struct {
	loads        int64
	loadFailures int64
	evictions    int64
	hits         int64
	waits        int64
	timeouts     int64
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	if opts.MaxEngines <= 0 {
		opts.MaxEngines = 1
	}
	if opts.CheckoutTimeout <= 0 {
		opts.CheckoutTimeout = DefaultCheckoutTimeout
	}
	if opts.Factory == nil {
		opts.Factory = engines.New
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	m := &Manager{
		maxEngines: opts.MaxEngines,
		timeout:    opts.CheckoutTimeout,
		factory:    opts.Factory,
		logger:     opts.Logger.With("component", "engine"),
		slots:      make([]*slot, opts.MaxEngines),
		index:      make(map[engines.Key]int, opts.MaxEngines),
	}
	for i := range m.slots {
		m.slots[i] = &slot{}
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Manager) wake() {
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Checkout returns a handle on a loaded backend for cfg, loading it if
// needed. A ready instance is shared; a key that is being loaded by another
// caller is waited for. When every slot is pinned by live handles Checkout
// blocks until one is released, ctx ends, or the checkout timeout elapses,
// in which case it fails with a resource-exhausted error.
func (m *Manager) Checkout(ctx context.Context, cfg engines.Config) (*Handle, error) {
	key := cfg.Key()

	stop := context.AfterFunc(ctx, m.wake)
	defer stop()

	m.mu.Lock()

	var (
		timer   *time.Timer
		expired bool
		waited  bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			m.mu.Unlock()
			return nil, errs.Cancelled("engine.Checkout", err).WithKey(key.String())
		}

		if i, ok := m.index[key]; ok {
			s := m.slots[i]
			if s.state == slotReady {
				s.refs++
				s.lastUsed = time.Now()
				m.stats.hits++
				h := newHandle(m, s, key)
				m.mu.Unlock()
				return h, nil
			}

			// Another caller is loading this key.
			op := s.load
			if !waited {
				waited = true
				m.stats.waits++
			}
			for !op.done && ctx.Err() == nil {
				m.cond.Wait()
			}
			if op.done && op.err != nil {
				// A load abandoned by its caller's cancellation is retried
				// by the next waiter instead of failing everyone.
				if kind, _ := errs.KindOf(op.err); kind != errs.KindCancellation {
					m.mu.Unlock()
					return nil, op.err
				}
			}
			continue
		}

		if i := m.claimSlot(); i >= 0 {
			return m.load(ctx, i, key, cfg)
		}

		// Every slot is pinned or loading.
		if expired {
			m.stats.timeouts++
			m.mu.Unlock()
			return nil, errs.ResourceExhausted("engine.Checkout",
				fmt.Sprintf("no engine slot freed within %s (%d in use)", m.timeout, m.maxEngines), nil).
				WithKey(key.String())
		}
		if timer == nil {
			if !waited {
				waited = true
				m.stats.waits++
			}
			timer = time.AfterFunc(m.timeout, func() {
				m.mu.Lock()
				expired = true
				m.cond.Broadcast()
				m.mu.Unlock()
			})
		}
		m.cond.Wait()
	}
}

// claimSlot returns an empty slot or, failing that, the least recently
// used ready slot with no references. It returns -1 when every slot is
// pinned or loading. Called with m.mu held.
func (m *Manager) claimSlot() int {
	victim := -1
	for i, s := range m.slots {
		switch {
		case s.state == slotEmpty:
			return i
		case s.state == slotReady && s.refs == 0:
			if victim < 0 || s.lastUsed.Before(m.slots[victim].lastUsed) {
				victim = i
			}
		}
	}
	return victim
}

// load takes over slot i for key: it unloads the previous occupant, builds
// and loads the new backend with m.mu released, and publishes the result.
// Called with m.mu held; returns with it released.
func (m *Manager) load(ctx context.Context, i int, key engines.Key, cfg engines.Config) (*Handle, error) {
	s := m.slots[i]

	var evicted engines.Backend
	if s.state == slotReady {
		evicted = s.backend
		delete(m.index, s.key)
		m.stats.evictions++
		m.logger.Debug("Evicting engine", "key", s.key, "idle", time.Since(s.lastUsed).Round(time.Millisecond))
	}

	op := &loadOp{}
	s.key = key
	s.state = slotLoading
	s.refs = 0
	s.backend = nil
	s.memCost = 0
	s.load = op
	m.index[key] = i
	m.mu.Unlock()

	if evicted != nil {
		if err := evicted.Unload(); err != nil {
			m.logger.Warn("Unload failed", "err", err)
		}
	}

	start := time.Now()
	backend, err := m.build(ctx, key, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	op.done = true
	if err != nil {
		op.err = err
		delete(m.index, key)
		s.state = slotEmpty
		s.key = engines.Key{}
		s.load = nil
		m.stats.loadFailures++
		m.cond.Broadcast()
		m.logger.Error("Engine load failed", "key", key, "err", err)
		return nil, err
	}

	s.backend = backend
	s.state = slotReady
	s.refs = 1
	s.lastUsed = time.Now()
	s.memCost = backend.Info().MemoryCost
	s.load = nil
	m.stats.loads++
	m.cond.Broadcast()
	m.logger.Info("Engine loaded", "key", key, "took", time.Since(start).Round(time.Millisecond))
	return newHandle(m, s, key), nil
}

func (m *Manager) build(ctx context.Context, key engines.Key, cfg engines.Config) (engines.Backend, error) {
	backend, err := m.factory(cfg)
	if err != nil {
		if _, ok := errs.KindOf(err); ok {
			return nil, err
		}
		return nil, errs.Configuration("engine.Checkout", "", err).WithKey(key.String())
	}

	if err := backend.Load(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, errs.Cancelled("engine.Checkout", ctx.Err()).WithKey(key.String())
		}
		var e *errs.Error
		if errors.As(err, &e) && (e.Kind == errs.KindLoad || e.Kind == errs.KindConfiguration) {
			return nil, err
		}
		return nil, errs.Load("engine.Checkout", "", err).WithKey(key.String())
	}
	return backend, nil
}

// Release returns a handle. Releasing twice is a no-op.
func (m *Manager) Release(h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.slot.refs > 0 {
		h.slot.refs--
	}
	h.slot.lastUsed = time.Now()
	m.cond.Broadcast()
}

// WithEngine checks out an engine for cfg, runs fn with it and releases
// it however fn returns, panics included.
func (m *Manager) WithEngine(ctx context.Context, cfg engines.Config, fn func(*Handle) error) error {
	h, err := m.Checkout(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Release(h)
	return fn(h)
}

// Preload loads every config ahead of use. Configs beyond MaxEngines evict
// earlier ones.
func (m *Manager) Preload(ctx context.Context, cfgs ...engines.Config) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxEngines)
	for _, cfg := range cfgs {
		g.Go(func() error {
			h, err := m.Checkout(ctx, cfg)
			if err != nil {
				return err
			}
			m.Release(h)
			return nil
		})
	}
	return g.Wait()
}

// Unload removes an idle engine. It refuses engines that are checked out
// or still loading.
func (m *Manager) Unload(key engines.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, key)
	}
	s := m.slots[i]
	switch {
	case s.state == slotLoading:
		return fmt.Errorf("%w: %s", ErrEngineLoading, key)
	case s.refs > 0:
		return fmt.Errorf("%w: %s has %d handles", ErrEngineInUse, key, s.refs)
	}
	return m.unloadSlot(i)
}

// UnloadAll unloads every idle engine. Engines still in use are reported
// in the returned error and stay loaded.
func (m *Manager) UnloadAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errList []error
	for i, s := range m.slots {
		switch {
		case s.state == slotEmpty:
		case s.state == slotLoading:
			errList = append(errList, fmt.Errorf("%w: %s", ErrEngineLoading, s.key))
		case s.refs > 0:
			errList = append(errList, fmt.Errorf("%w: %s has %d handles", ErrEngineInUse, s.key, s.refs))
		default:
			if err := m.unloadSlot(i); err != nil {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
}

// unloadSlot frees a ready, unreferenced slot. Called with m.mu held so no
// other key can occupy the slot before the backend is gone.
func (m *Manager) unloadSlot(i int) error {
	s := m.slots[i]
	backend, key := s.backend, s.key

	delete(m.index, key)
	s.state = slotEmpty
	s.key = engines.Key{}
	s.backend = nil
	s.memCost = 0
	m.cond.Broadcast()

	m.logger.Debug("Unloading engine", "key", key)
	if err := backend.Unload(); err != nil {
		return fmt.Errorf("unload %s: %w", key, err)
	}
	return nil
}

// EngineStat describes one occupied slot.
type EngineStat struct {
	Key        engines.Key
	State      string
	Refs       int
	LastUsed   time.Time
	MemoryCost int64
}

// Stats is a snapshot of the manager.
type Stats struct {
	MaxEngines   int
	Engines      []EngineStat
	MemoryBytes  int64
	Loads        int64
	LoadFailures int64
	Evictions    int64
	Hits         int64
	Waits        int64
	Timeouts     int64
}

// Stats returns a snapshot of the occupied slots and lifetime counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		MaxEngines:   m.maxEngines,
		Loads:        m.stats.loads,
		LoadFailures: m.stats.loadFailures,
		Evictions:    m.stats.evictions,
		Hits:         m.stats.hits,
		Waits:        m.stats.waits,
		Timeouts:     m.stats.timeouts,
	}
	for _, s := range m.slots {
		if s.state == slotEmpty {
			continue
		}
		st.Engines = append(st.Engines, EngineStat{
			Key:        s.key,
			State:      s.state.String(),
			Refs:       s.refs,
			LastUsed:   s.lastUsed,
			MemoryCost: s.memCost,
		})
		st.MemoryBytes += s.memCost
	}
	sort.Slice(st.Engines, func(i, j int) bool {
		return st.Engines[i].Key.String() < st.Engines[j].Key.String()
	})
	return st
}

// Handle is a checked-out engine. It stays valid until released.
type Handle struct {
	m        *Manager
	slot     *slot
	key      engines.Key
	backend  engines.Backend
	released atomic.Bool
}

func newHandle(m *Manager, s *slot, key engines.Key) *Handle {
	return &Handle{m: m, slot: s, key: key, backend: s.backend}
}

// Key returns the engine key.
func (h *Handle) Key() engines.Key {
	return h.key
}

// Info describes the backend.
func (h *Handle) Info() engines.Info {
	return h.backend.Info()
}

// Synthesize runs one synthesis call. Calls on the same engine are
// serialized; different engines run in parallel.
func (h *Handle) Synthesize(ctx context.Context, req engines.Request) (audio.Clip, error) {
	if h.released.Load() {
		return audio.Clip{}, ErrHandleReleased
	}

	h.slot.mu.Lock()
	defer h.slot.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return audio.Clip{}, errs.Cancelled("engine.Synthesize", err).WithKey(h.key.String())
	}
	return h.backend.Synthesize(ctx, req)
}
