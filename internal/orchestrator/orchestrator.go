package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/cache"
	"github.com/podforge/podforge/internal/engine"
	"github.com/podforge/podforge/internal/engines"
	"github.com/podforge/podforge/internal/errs"
	"github.com/podforge/podforge/internal/events"
	"github.com/podforge/podforge/internal/queue"
	"github.com/podforge/podforge/internal/script"
	"golang.org/x/sync/singleflight"
)

// WordDuration is the speaking time assumed per word when estimating the
// length of a failed utterance (150 words per minute).
const WordDuration = 400 * time.Millisecond

// DefaultSynthesisTimeout bounds one backend call when Options does not.
const DefaultSynthesisTimeout = 5 * time.Minute

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// RetryPolicy controls how failed synthesis attempts are retried.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt; 1 disables retries.
	MaxAttempts int
	// Backoff is the wait before the second attempt; it doubles after
	// every further failure.
	Backoff time.Duration
	// MaxBackoff caps the wait.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy allows three attempts with 200ms, then 400ms waits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// delay returns the wait before attempt n (n >= 2).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff
	for i := 2; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Options configures runs.
type Options struct {
	// MaxWorkers bounds concurrent synthesis tasks.
	MaxWorkers int
	Retry      RetryPolicy
	// AbortOnFailure cancels the run at the first permanently failed
	// utterance.
	AbortOnFailure bool
	// Gap is inserted between consecutive utterances.
	Gap time.Duration
	// FailedEstimate is the silence that replaces a failed utterance. When
	// zero it is estimated from the word count.
	FailedEstimate time.Duration
	// SampleRate of the assembled audio. When zero the rate of the first
	// synthesized clip is used.
	SampleRate int
	// Engine is the backend configuration used for every utterance.
	Engine engines.Config
	// Fallback, when its Backend is set, replaces Engine for an utterance
	// whose engine cannot be loaded.
	Fallback engines.Config
	// VoiceMap assigns voices to speakers without a voice hint.
	VoiceMap map[string]string
	// Output is the artifact path recorded in the manifest.
	Output string
	// SynthesisTimeout bounds one backend call. Cancelling a run does not
	// interrupt a call in flight; this timeout does.
	SynthesisTimeout time.Duration
}

// DefaultOptions returns options with the default retry policy, two
// workers and the mock backend.
func DefaultOptions() Options {
	return Options{
		MaxWorkers: 2,
		Retry:      DefaultRetryPolicy(),
		Engine:     engines.Config{Backend: engines.BackendMock},
	}
}

// Deps are the collaborators a run uses. Engines is required.
type Deps struct {
	Engines *engine.Manager
	Cache   cache.Store
	Events  events.Publisher
	Logger  *log.Logger
}

// Result is the outcome of a run.
type Result struct {
	RunID    string
	State    State
	Audio    audio.Clip
	Manifest Manifest
}

// Orchestrator turns scripts into assembled audio. It runs one script at
// a time.
type Orchestrator struct {
	deps Deps
	opts Options

	flight singleflight.Group

	mu      sync.Mutex
	current *run
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Cache == nil {
		deps.Cache = cache.NewMemoryStore(0)
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Engines == nil {
		deps.Engines = engine.NewManager(engine.Options{Logger: deps.Logger})
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = DefaultSynthesisTimeout
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// State returns the state of the current or most recent run.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return StateInitialized
	}
	return r.sm.Current()
}

// Cancel aborts the active run. Queued utterances are not started. A
// backend call already in flight runs to completion and its audio is
// cached; retries and checkouts that have not happened yet are skipped.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// item is the per-utterance bookkeeping of a run.
type item struct {
	index int
	utt   script.Utterance
	voice string
	key   cache.Key
	req   engines.Request

	status   Status
	cacheHit bool
	attempts int
	clip     audio.Clip
	err      error
}

type run struct {
	o      *Orchestrator
	id     string
	title  string
	ctx    context.Context
	cancel context.CancelFunc
	sm     *stateMachine
	logger *log.Logger

	mu      sync.Mutex
	items   []*item
	settled int
	abort   error
}

// Run plans, synthesizes and assembles s. The returned error is nil for
// completed and partially failed runs; an aborted run returns its partial
// result together with an error matching errs.ErrCancelled.
func (o *Orchestrator) Run(ctx context.Context, s script.Script) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, errs.Configuration("orchestrator.Run", "invalid script", err)
	}

	r, err := o.start(ctx, s.Title)
	if err != nil {
		return nil, err
	}
	defer o.finish(r)

	r.logger.Info("Starting run", "title", s.Title, "utterances", len(s.Utterances),
		"backend", o.opts.Engine.Backend, "workers", o.opts.MaxWorkers)

	if err := r.transition(StatePlanning); err != nil {
		return nil, err
	}
	misses := r.plan(s.Utterances)
	if r.ctx.Err() != nil {
		return r.aborted()
	}

	if err := r.transition(StateScheduling); err != nil {
		return nil, err
	}
	r.schedule(misses)
	if r.ctx.Err() != nil || r.abortErr() != nil {
		return r.aborted()
	}

	if err := r.transition(StateAssembling); err != nil {
		return nil, err
	}
	res := r.assemble()

	final := StateCompleted
	if res.Manifest.Failed > 0 {
		final = StatePartiallyFailed
	}
	if err := r.transition(final); err != nil {
		return nil, err
	}
	res.State = final
	res.Manifest.State = final
	r.publishManifest(res.Manifest)
	r.logger.Info("Run finished", "state", final, "summary", res.Manifest.Summary())
	return res, nil
}

func (o *Orchestrator) start(ctx context.Context, title string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil && !o.current.sm.Current().Terminal() {
		return nil, ErrRunInProgress
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		o:      o,
		id:     id,
		title:  title,
		ctx:    runCtx,
		cancel: cancel,
		logger: o.deps.Logger.With("component", "orchestrator", "run", id[:8]),
	}
	r.sm = newStateMachine(func(from, to State) {
		r.logger.Debug("Run state", "from", from, "to", to)
		o.deps.Events.Notify(events.RunState, events.Payload{
			RunID:   r.id,
			Status:  to.String(),
			Percent: r.percent(),
			Message: fmt.Sprintf("run %s", to),
		})
	})
	o.current = r
	return r, nil
}

func (o *Orchestrator) finish(r *run) {
	r.cancel()
	if !r.sm.Current().Terminal() {
		// Failed before reaching a terminal state; unblock later runs.
		_ = r.sm.Transition(StateAborted)
	}
}

func (r *run) transition(to State) error {
	if err := r.sm.Transition(to); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

// plan resolves voices and cache keys and serves cache hits. It returns
// the items that need synthesis.
func (r *run) plan(utts []script.Utterance) []*item {
	o := r.o
	cfg := o.opts.Engine

	r.mu.Lock()
	r.items = make([]*item, len(utts))
	for i, u := range utts {
		voice := r.voiceFor(u)
		speed := u.Speed
		if speed <= 0 {
			speed = 1.0
		}
		req := engines.Request{
			Text:    u.Text,
			Voice:   voice,
			Speed:   speed,
			Emotion: u.Emotion,
		}
		r.items[i] = &item{
			index:  i,
			utt:    u,
			voice:  voice,
			key:    cacheKey(cfg, req),
			req:    req,
			status: StatusPending,
		}
	}
	items := r.items
	r.mu.Unlock()

	var misses []*item
	for _, it := range items {
		if r.ctx.Err() != nil {
			break
		}
		entry, ok, err := o.deps.Cache.Get(r.ctx, it.key)
		if err != nil {
			r.logger.Warn("Cache read failed, treating as miss", "utterance", it.utt.ID, "err", err)
		}
		if err != nil || !ok {
			misses = append(misses, it)
			continue
		}

		r.mu.Lock()
		it.status = StatusDone
		it.cacheHit = true
		it.clip = entry.Audio
		r.settled++
		r.mu.Unlock()
		r.notify(events.TaskDone, it, "cache hit")
	}

	r.logger.Debug("Planned run", "utterances", len(items), "cached", len(items)-len(misses))
	return misses
}

// voiceFor picks the utterance's voice hint, else the speaker's mapped
// voice, else the engine default.
func (r *run) voiceFor(u script.Utterance) string {
	if u.VoiceHint != "" {
		return u.VoiceHint
	}
	if v, ok := r.o.opts.VoiceMap[u.Speaker]; ok && v != "" {
		return v
	}
	return r.o.opts.Engine.Voice
}

// cacheKey fingerprints a request for the engine configuration cfg.
func cacheKey(cfg engines.Config, req engines.Request) cache.Key {
	params := map[string]string{
		"speed":  strconv.FormatFloat(req.Speed, 'f', 3, 64),
		"engine": cfg.Key().Hash,
	}
	if cfg.Model != "" {
		params["model"] = cfg.Model
	}
	if req.Emotion != "" {
		params["emotion"] = req.Emotion
	}
	for k, v := range req.Params {
		params["param."+k] = v
	}
	return cache.NewKey(cfg.Backend, req.Voice, req.Text, params)
}

// schedule runs every miss on the worker pool and records the outcomes.
func (r *run) schedule(misses []*item) {
	if len(misses) == 0 {
		return
	}
	o := r.o

	sched := queue.NewScheduler(o.opts.MaxWorkers,
		queue.WithContext(r.ctx),
		queue.WithResultBuffer(len(misses)),
		queue.WithLogger(o.deps.Logger),
	)

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		r.forwardProgress(sched.Progress())
	}()

	byTask := make(map[string]*item, len(misses))
	submitted := 0
	for _, it := range misses {
		taskID := it.utt.ID
		err := sched.Submit(queue.Task{
			ID:       taskID,
			Priority: queue.PriorityNormal,
			Run: func(ctx context.Context, report func(queue.Progress)) error {
				return r.runTask(ctx, it, report)
			},
		})
		if err != nil {
			r.settle(it, StatusFailed, err)
			continue
		}
		byTask[taskID] = it
		submitted++

		r.mu.Lock()
		it.status = StatusQueued
		r.mu.Unlock()
		r.notify(events.TaskQueued, it, "")
	}

	for i := 0; i < submitted; i++ {
		res := <-sched.Results()
		it := byTask[res.TaskID]

		switch kind, _ := errs.KindOf(res.Err); {
		case res.Err == nil:
			r.settle(it, StatusDone, nil)
		case kind == errs.KindCancellation && (r.ctx.Err() != nil || r.abortErr() != nil):
			r.settle(it, StatusCancelled, res.Err)
		default:
			r.settle(it, StatusFailed, res.Err)
			if o.opts.AbortOnFailure && r.setAbort(res.Err) {
				r.logger.Warn("Aborting run after permanent failure", "utterance", it.utt.ID)
				sched.Cancel()
			}
		}
	}

	sched.Close()
	<-forwarded
}

func (r *run) forwardProgress(ch <-chan queue.Progress) {
	for p := range ch {
		r.o.deps.Events.Notify(events.TaskProgress, events.Payload{
			RunID:       r.id,
			TaskID:      p.TaskID,
			UtteranceID: p.TaskID,
			Status:      string(StatusRunning),
			Percent:     r.percent(),
			Fraction:    p.Fraction,
			Message:     p.Message,
		})
	}
}

// synthesis is the shared outcome of one cache key.
type synthesis struct {
	clip     audio.Clip
	attempts int
	cacheHit bool
}

// runTask is the body of one scheduled task.
func (r *run) runTask(ctx context.Context, it *item, report func(queue.Progress)) error {
	r.mu.Lock()
	it.status = StatusRunning
	r.mu.Unlock()
	r.notify(events.TaskRunning, it, "")

	v, err, shared := r.o.flight.Do(string(it.key), func() (any, error) {
		return r.synthesize(ctx, it, report)
	})
	out, _ := v.(synthesis)

	r.mu.Lock()
	defer r.mu.Unlock()
	if shared && out.attempts == 0 {
		out.attempts = 1
	}
	it.attempts = out.attempts
	if err != nil {
		return err
	}
	it.clip = out.clip
	it.cacheHit = out.cacheHit
	return nil
}

// synthesize produces audio for it, retrying retryable failures with
// backoff. A key that another task already stored is served from cache.
func (r *run) synthesize(ctx context.Context, it *item, report func(queue.Progress)) (synthesis, error) {
	o := r.o

	if entry, ok, err := o.deps.Cache.Get(ctx, it.key); err == nil && ok {
		return synthesis{clip: entry.Audio, cacheHit: true}, nil
	}

	policy := o.opts.Retry
	cfg := o.opts.Engine
	key := it.key
	usingFallback := false

	var lastErr error
	attempt := 0
	for attempt < policy.MaxAttempts {
		attempt++
		if attempt > 1 {
			wait := policy.delay(attempt)
			r.notify(events.TaskRetry, it, fmt.Sprintf("attempt %d of %d in %s: %v",
				attempt, policy.MaxAttempts, wait, lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return synthesis{attempts: attempt - 1}, errs.Cancelled("orchestrator.synthesize", ctx.Err())
			}
		}

		report(queue.Progress{Fraction: 0.1, Message: "checking out engine"})
		clip, err := r.attempt(ctx, cfg, key, it, report)
		if err == nil {
			return synthesis{clip: clip, attempts: attempt}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return synthesis{attempts: attempt}, errs.Cancelled("orchestrator.synthesize", ctx.Err())
		}

		kind, _ := errs.KindOf(err)
		if !usingFallback && o.opts.Fallback.Backend != "" &&
			(kind == errs.KindLoad || kind == errs.KindConfiguration) {
			r.logger.Warn("Engine unavailable, switching to fallback",
				"backend", cfg.Backend, "fallback", o.opts.Fallback.Backend, "err", err)
			usingFallback = true
			cfg = o.opts.Fallback
			key = cacheKey(cfg, it.req)
			if attempt == policy.MaxAttempts {
				// The fallback always gets one try.
				attempt--
			}
			continue
		}

		if !errs.IsRetryable(err) {
			break
		}
		r.logger.Debug("Synthesis attempt failed", "utterance", it.utt.ID, "attempt", attempt, "err", err)
	}
	return synthesis{attempts: attempt}, lastErr
}

// attempt runs one checkout, synthesize, cache put, release cycle. ctx
// gates the checkout; once the backend call starts it runs under a context
// that ignores run cancellation and is bounded by SynthesisTimeout, so
// cancelling never discards audio that is being produced.
func (r *run) attempt(ctx context.Context, cfg engines.Config, key cache.Key, it *item, report func(queue.Progress)) (audio.Clip, error) {
	o := r.o
	var clip audio.Clip
	err := o.deps.Engines.WithEngine(ctx, cfg, func(h *engine.Handle) error {
		if err := ctx.Err(); err != nil {
			return errs.Cancelled("orchestrator.synthesize", err).WithKey(h.Key().String())
		}

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.SynthesisTimeout)
		defer cancel()

		report(queue.Progress{Fraction: 0.3, Message: "synthesizing"})
		out, err := h.Synthesize(callCtx, it.req)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return errs.Synthesis("orchestrator.synthesize",
					fmt.Sprintf("backend call exceeded %s", o.opts.SynthesisTimeout), err).WithKey(h.Key().String())
			}
			if _, ok := errs.KindOf(err); !ok {
				err = errs.Synthesis("orchestrator.synthesize", "", err)
			}
			return err
		}
		if err := out.Validate(); err != nil {
			return errs.Synthesis("orchestrator.synthesize", "backend returned unusable audio", err).
				WithKey(h.Key().String())
		}

		report(queue.Progress{Fraction: 0.9, Message: "caching"})
		if err := o.deps.Cache.Put(callCtx, key, out); err != nil {
			r.logger.Warn("Cache write failed", "utterance", it.utt.ID, "err", err)
		}
		clip = out
		return nil
	})
	return clip, err
}

func (r *run) settle(it *item, status Status, err error) {
	r.mu.Lock()
	it.status = status
	it.err = err
	r.settled++
	r.mu.Unlock()

	switch status {
	case StatusDone:
		r.notify(events.TaskDone, it, "")
	case StatusFailed:
		r.logger.Error("Utterance failed", "utterance", it.utt.ID, "attempts", it.attempts, "err", err)
		r.notify(events.TaskFailed, it, err.Error())
	case StatusCancelled:
		r.notify(events.TaskFailed, it, "cancelled")
	}
}

func (r *run) setAbort(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abort != nil {
		return false
	}
	r.abort = err
	return true
}

func (r *run) abortErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abort
}

func (r *run) percent() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return 0
	}
	return float64(r.settled) / float64(len(r.items)) * 100
}

func (r *run) notify(name string, it *item, msg string) {
	r.mu.Lock()
	status := it.status
	r.mu.Unlock()
	r.o.deps.Events.Notify(name, events.Payload{
		RunID:       r.id,
		TaskID:      it.utt.ID,
		UtteranceID: it.utt.ID,
		Status:      string(status),
		Percent:     r.percent(),
		Message:     msg,
	})
}

// estimate is the silence that stands in for a failed utterance.
func (r *run) estimate(it *item) time.Duration {
	if r.o.opts.FailedEstimate > 0 {
		return r.o.opts.FailedEstimate
	}
	words := it.utt.WordCount()
	if words < 1 {
		words = 1
	}
	return time.Duration(float64(time.Duration(words)*WordDuration) / it.req.Speed)
}

// sampleRate is the configured rate or the rate of the first clip in
// script order.
func (r *run) sampleRate() int {
	if r.o.opts.SampleRate > 0 {
		return r.o.opts.SampleRate
	}
	for _, it := range r.items {
		if it.status == StatusDone && it.clip.SampleRate > 0 {
			return it.clip.SampleRate
		}
	}
	return audio.DefaultSampleRate
}

// assemble concatenates results in script order. Failed utterances become
// silence so later offsets are not shifted.
func (r *run) assemble() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	rate := r.sampleRate()
	b := audio.NewBuilder(rate)
	m := r.manifest(rate)

	for i, it := range r.items {
		e := &m.Entries[i]
		if it.status == StatusDone {
			e.Offset, e.Duration = b.Append(it.clip)
		} else {
			d := r.estimate(it)
			e.Offset = b.AppendSilence(d)
			e.Duration = b.Duration() - e.Offset
		}
		if i < len(r.items)-1 {
			b.AppendSilence(r.o.opts.Gap + it.utt.PauseAfter)
		}
	}

	m.Duration = b.Duration().Seconds()
	return &Result{RunID: r.id, Audio: b.Clip(), Manifest: m}
}

// manifest builds the entries without offsets. Called with r.mu held.
func (r *run) manifest(rate int) Manifest {
	m := Manifest{
		RunID:      r.id,
		Title:      r.title,
		SampleRate: rate,
		Output:     r.o.opts.Output,
		Entries:    make([]ManifestEntry, len(r.items)),
		CreatedAt:  time.Now(),
	}
	for i, it := range r.items {
		e := ManifestEntry{
			Index:       i,
			UtteranceID: it.utt.ID,
			Speaker:     it.utt.Speaker,
			CacheKey:    string(it.key),
			CacheHit:    it.cacheHit,
			Status:      it.status,
			Attempts:    it.attempts,
		}
		if it.err != nil {
			e.Error = it.err.Error()
		}
		switch it.status {
		case StatusDone:
			m.Done++
			if it.cacheHit {
				m.CacheHits++
			}
		case StatusFailed:
			m.Failed++
		default:
			m.Cancelled++
		}
		m.Entries[i] = e
	}
	return m
}

// aborted finishes a cancelled run. Utterances that never settled are
// reported as cancelled; work already done stays in the cache.
func (r *run) aborted() (*Result, error) {
	r.mu.Lock()
	for _, it := range r.items {
		if it.status != StatusDone && it.status != StatusFailed {
			it.status = StatusCancelled
		}
	}
	m := r.manifest(r.sampleRate())
	cause := r.abort
	r.mu.Unlock()

	_ = r.sm.Transition(StateAborted)
	m.State = StateAborted
	r.publishManifest(m)

	if cause == nil {
		cause = context.Cause(r.ctx)
	}
	r.logger.Warn("Run aborted", "summary", m.Summary())
	return &Result{RunID: r.id, State: StateAborted, Manifest: m},
		errs.Cancelled("orchestrator.Run", cause)
}

func (r *run) publishManifest(m Manifest) {
	r.o.deps.Events.Notify(events.RunManifest, events.Payload{
		RunID:   r.id,
		Status:  m.State.String(),
		Percent: r.percent(),
		Message: strings.TrimSpace(m.Output + " " + m.Summary()),
	})
}
