package engines

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/errs"
)

// MockWordDuration is the speaking time the mock backend assigns to each
// word (about 150 words per minute).
const MockWordDuration = 400 * time.Millisecond

// Mock is a deterministic in-process backend. Each clip is a constant
// signal whose sample value is derived from the text, so assembled output
// can be inspected for ordering. It also records call counts and peak
// concurrency, and supports failure injection.
type Mock struct {
	sampleRate int
	memoryCost int64

	mu        sync.Mutex
	loaded    bool
	delay     time.Duration
	textDelay map[string]time.Duration
	loadDelay time.Duration
	loadErr   error
	failErr   error
	failText  map[string]error
	failFirst int
	calls     int
	loads     int
	unloads   int
	textCalls map[string]int

	active    atomic.Int32
	maxActive atomic.Int32
}

// NewMock creates a mock backend. Options: "sample_rate", "memory_cost",
// "delay".
func NewMock(cfg Config) *Mock {
	m := &Mock{
		sampleRate: audio.DefaultSampleRate,
		memoryCost: 64 << 20,
		textDelay:  make(map[string]time.Duration),
		failText:   make(map[string]error),
		textCalls:  make(map[string]int),
	}
	if v, err := strconv.Atoi(cfg.Option("sample_rate", "")); err == nil && v > 0 {
		m.sampleRate = v
	}
	if v, err := strconv.ParseInt(cfg.Option("memory_cost", ""), 10, 64); err == nil && v >= 0 {
		m.memoryCost = v
	}
	if v, err := time.ParseDuration(cfg.Option("delay", "")); err == nil {
		m.delay = v
	}
	return m
}

// Load simulates model loading.
func (m *Mock) Load(ctx context.Context) error {
	m.mu.Lock()
	delay, err := m.loadDelay, m.loadErr
	m.loads++
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errs.Cancelled("mock", ctx.Err())
		}
	}
	if err != nil {
		return errs.Load("mock", "", err)
	}

	m.mu.Lock()
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// Synthesize returns a constant-valued clip whose length grows with the
// number of words in req.Text.
func (m *Mock) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	cur := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		peak := m.maxActive.Load()
		if cur <= peak || m.maxActive.CompareAndSwap(peak, cur) {
			break
		}
	}

	m.mu.Lock()
	m.calls++
	m.textCalls[req.Text]++
	loaded := m.loaded
	delay := m.delay
	if d, ok := m.textDelay[req.Text]; ok {
		delay = d
	}
	failErr := m.failErr
	if err, ok := m.failText[req.Text]; ok {
		failErr = err
	}
	if m.failFirst > 0 {
		m.failFirst--
		if failErr == nil {
			failErr = errMockTransient
		}
	}
	m.mu.Unlock()

	if !loaded {
		return audio.Clip{}, errs.Synthesis("mock", "backend not loaded", nil)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return audio.Clip{}, errs.Cancelled("mock", ctx.Err())
		}
	}

	if failErr != nil {
		return audio.Clip{}, errs.Synthesis("mock", "", failErr)
	}

	words := len(strings.Fields(req.Text))
	if words < 1 {
		words = 1
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}
	d := time.Duration(float64(time.Duration(words)*MockWordDuration) / speed)

	samples := audio.DurationToSamples(d, m.sampleRate)
	value := MockSampleValue(req.Text)
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(value))
	}
	return audio.Clip{Data: data, SampleRate: m.sampleRate}, nil
}

var errMockTransient = errors.New("transient mock failure")

// MockSampleValue is the constant sample value the mock backend emits for
// text. It is never zero, so it is distinguishable from silence.
func MockSampleValue(text string) int16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return int16(h.Sum32()%30000) + 1
}

// Unload simulates releasing the model.
func (m *Mock) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	m.unloads++
	return nil
}

// Info describes the mock.
func (m *Mock) Info() Info {
	return Info{
		Type:            BackendMock,
		Name:            "mock",
		SampleRate:      m.sampleRate,
		MemoryCost:      m.memoryCost,
		Languages:       []string{"en"},
		SupportsCloning: true,
	}
}

// Test control methods

// SetDelay sets the simulated synthesis latency for every call.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetTextDelay overrides the latency for one specific text.
func (m *Mock) SetTextDelay(text string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textDelay[text] = d
}

// SetLoadDelay sets the simulated load latency.
func (m *Mock) SetLoadDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadDelay = d
}

// SetLoadError makes Load fail with err.
func (m *Mock) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetFailure makes every Synthesize call fail with err.
func (m *Mock) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// FailText makes Synthesize fail with err whenever the text matches.
func (m *Mock) FailText(text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failText[text] = err
}

// FailFirst makes the next n Synthesize calls fail.
func (m *Mock) FailFirst(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
}

// ClearFailure resets every failure injection.
func (m *Mock) ClearFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = nil
	m.loadErr = nil
	m.failFirst = 0
	m.failText = make(map[string]error)
}

// CallCount returns the number of Synthesize calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// TextCallCount returns the number of Synthesize calls for text.
func (m *Mock) TextCallCount(text string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.textCalls[text]
}

// LoadCount returns the number of Load calls.
func (m *Mock) LoadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// UnloadCount returns the number of Unload calls.
func (m *Mock) UnloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloads
}

// MaxConcurrent returns the highest number of Synthesize calls that were
// ever active at once.
func (m *Mock) MaxConcurrent() int {
	return int(m.maxActive.Load())
}
