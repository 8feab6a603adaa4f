package engines

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/errs"
)

// BackendType names a synthesis backend variant.
type BackendType string

const (
	BackendPiper  BackendType = "piper"
	BackendGTTS   BackendType = "gtts"
	BackendEdge   BackendType = "edge"
	BackendGoogle BackendType = "google"
	BackendMock   BackendType = "mock"
)

// Backend is the capability set every synthesis backend exposes. Instances
// are not assumed safe for concurrent Synthesize calls.
type Backend interface {
	// Load acquires whatever the backend needs before it can synthesize:
	// model files, network clients, subprocess checks.
	Load(ctx context.Context) error

	// Synthesize renders req into mono PCM16 audio.
	Synthesize(ctx context.Context, req Request) (audio.Clip, error)

	// Unload releases everything Load acquired.
	Unload() error

	// Info describes the backend. MemoryCost is only meaningful after Load.
	Info() Info
}

// Info describes a backend instance.
type Info struct {
	Type            BackendType
	Name            string
	SampleRate      int
	MemoryCost      int64 // estimated resident bytes once loaded
	Languages       []string
	SupportsCloning bool
	Online          bool
}

// Request is one synthesis call.
type Request struct {
	Text    string
	Voice   string
	Speed   float64
	Emotion string
	Params  map[string]string
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend BackendType       `yaml:"backend" json:"backend"`
	Model   string            `yaml:"model" json:"model,omitempty"`
	Voice   string            `yaml:"voice" json:"voice,omitempty"`
	Device  string            `yaml:"device" json:"device,omitempty"`
	Options map[string]string `yaml:"options" json:"options,omitempty"`
}

// Option returns the named option or def when unset.
func (c Config) Option(name, def string) string {
	if v, ok := c.Options[name]; ok && v != "" {
		return v
	}
	return def
}

// Key is the identity of a loaded backend configuration.
type Key struct {
	Backend BackendType
	Hash    string
}

// String renders the key as "<backend>:<hash>".
func (k Key) String() string {
	return string(k.Backend) + ":" + k.Hash
}

// Key derives the engine key from a canonical encoding of the config, so
// two configs with the same fields and options map to the same key.
func (c Config) Key() Key {
	h := sha256.New()
	for _, f := range []string{string(c.Backend), c.Model, c.Voice, c.Device} {
		writeField(h, f)
	}

	names := make([]string, 0, len(c.Options))
	for name := range c.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	writeLen(h, len(names))
	for _, name := range names {
		writeField(h, name)
		writeField(h, c.Options[name])
	}

	sum := h.Sum(nil)
	return Key{Backend: c.Backend, Hash: hex.EncodeToString(sum[:6])}
}

// writeField writes s with a uvarint length prefix so adjacent fields
// cannot run into each other.
func writeField(w io.Writer, s string) {
	writeLen(w, len(s))
	_, _ = io.WriteString(w, s)
}

func writeLen(w io.Writer, n int) {
	var buf [binary.MaxVarintLen64]byte
	_, _ = w.Write(buf[:binary.PutUvarint(buf[:], uint64(n))]) //nolint:gosec
}

// Factory constructs an unloaded backend from its configuration. It fails
// with a configuration error when required assets are missing.
type Factory func(cfg Config) (Backend, error)

// Registry maps backend types to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[BackendType]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[BackendType]Factory)}
}

// Register adds a factory. Registering the same type twice panics.
func (r *Registry) Register(t BackendType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f == nil {
		panic("engines: Register factory is nil")
	}
	if _, dup := r.factories[t]; dup {
		panic("engines: Register called twice for " + string(t))
	}
	r.factories[t] = f
}

// New constructs a backend for cfg.Backend.
func (r *Registry) New(cfg Config) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Configuration("engines.New",
			fmt.Sprintf("unknown backend %q (registered: %v)", cfg.Backend, r.Types()), nil)
	}
	return f(cfg)
}

// Types lists the registered backend types in sorted order.
func (r *Registry) Types() []BackendType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]BackendType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Default holds every built-in backend.
var Default = NewRegistry()

func init() {
	Default.Register(BackendPiper, NewPiper)
	Default.Register(BackendGTTS, NewGTTS)
	Default.Register(BackendEdge, NewEdge)
	Default.Register(BackendGoogle, NewGoogle)
	Default.Register(BackendMock, func(cfg Config) (Backend, error) {
		return NewMock(cfg), nil
	})
}

// New constructs a backend from the default registry.
func New(cfg Config) (Backend, error) {
	return Default.New(cfg)
}
