package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/podforge/podforge/internal/errs"
)

var (
	// ErrSchedulerClosed is returned by Submit after Close.
	ErrSchedulerClosed = errors.New("scheduler is closed")

	// ErrDuplicateTask is returned when a task ID is already queued or running.
	ErrDuplicateTask = errors.New("task already submitted")
)

// Priority orders queued tasks. Higher priorities run first; tasks of one
// priority run in submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Task is a unit of work. Run should return promptly once ctx is done and
// may call report any number of times.
type Task struct {
	ID       string
	Priority Priority
	Run      func(ctx context.Context, report func(Progress)) error
}

// Progress is an intermediate report from a running task.
type Progress struct {
	TaskID   string
	Fraction float64
	Message  string
}

// Result is the outcome of one task. Every submitted task produces exactly
// one Result.
type Result struct {
	TaskID   string
	Err      error
	Duration time.Duration
	// Started is false for tasks that were cancelled while queued.
	Started bool
}

// Stats tracks scheduler activity.
type Stats struct {
	Submitted       int64
	Completed       int64
	Failed          int64
	Cancelled       int64
	Running         int
	Queued          int
	PeakQueued      int
	DroppedProgress int64
	TotalRunTime    time.Duration
	AverageRunTime  time.Duration
	LastSubmit      time.Time
	LastCompletion  time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithContext derives the scheduler's context from ctx, so cancelling ctx
// cancels the scheduler.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) { s.parent = ctx }
}

// WithProgressBuffer sets the progress channel capacity. Reports that do
// not fit are dropped.
func WithProgressBuffer(n int) Option {
	return func(s *Scheduler) { s.progressBuf = n }
}

// WithResultBuffer sets the result channel capacity.
func WithResultBuffer(n int) Option {
	return func(s *Scheduler) { s.resultBuf = n }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler runs tasks on a fixed pool of worker goroutines, highest
// priority first. Results and progress are delivered on channels.
// Callers must drain Results while tasks run; Progress may be ignored.
type Scheduler struct {
	parent      context.Context
	progressBuf int
	resultBuf   int
	logger      *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ready   *sync.Cond
	pending taskHeap
	active  map[string]bool
	seq     uint64
	closed  bool
	stats   Stats

	results  chan Result
	progress chan Progress

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewScheduler starts maxWorkers workers.
func NewScheduler(maxWorkers int, opts ...Option) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	s := &Scheduler{
		parent:      context.Background(),
		progressBuf: 64,
		resultBuf:   64,
		active:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.With("component", "queue")

	s.ctx, s.cancel = context.WithCancel(s.parent)
	s.ready = sync.NewCond(&s.mu)
	s.results = make(chan Result, s.resultBuf)
	s.progress = make(chan Progress, s.progressBuf)
	heap.Init(&s.pending)

	s.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go s.worker()
	}
	return s
}

// Submit queues t. It fails after Close and for an ID that is already
// queued or running.
func (s *Scheduler) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q has no Run function", t.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if t.ID != "" {
		if s.active[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		s.active[t.ID] = true
	}

	s.seq++
	heap.Push(&s.pending, &queueItem{task: t, seq: s.seq})

	s.stats.Submitted++
	s.stats.LastSubmit = time.Now()
	if n := s.pending.Len(); n > s.stats.PeakQueued {
		s.stats.PeakQueued = n
	}
	s.ready.Signal()
	return nil
}

// Results delivers one Result per submitted task. It is closed by Close
// once every task has finished.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Progress delivers task progress reports. It is closed by Close.
func (s *Scheduler) Progress() <-chan Progress {
	return s.progress
}

// Cancel asks running tasks to stop and completes every queued task with a
// cancellation error without running it. Backend calls already in flight
// are not interrupted.
func (s *Scheduler) Cancel() {
	s.cancel()
	s.mu.Lock()
	s.ready.Broadcast()
	s.mu.Unlock()
}

// Cancelled reports whether Cancel was called or the parent context ended.
func (s *Scheduler) Cancelled() bool {
	return s.ctx.Err() != nil
}

// Close stops accepting tasks, waits for the queue to drain and closes
// the Results and Progress channels.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.ready.Broadcast()
		s.mu.Unlock()

		s.wg.Wait()
		s.cancel()
		close(s.results)
		close(s.progress)
	})
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Queued = s.pending.Len()
	if done := stats.Completed + stats.Failed; done > 0 {
		stats.AverageRunTime = stats.TotalRunTime / time.Duration(done)
	}
	return stats
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.pending.Len() == 0 && !s.closed {
			s.ready.Wait()
		}
		if s.pending.Len() == 0 {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.pending).(*queueItem)
		cancelled := s.ctx.Err() != nil
		if !cancelled {
			s.stats.Running++
		}
		s.mu.Unlock()

		var res Result
		if cancelled {
			res = Result{
				TaskID: item.task.ID,
				Err:    errs.Cancelled("queue", s.ctx.Err()).WithKey(item.task.ID),
			}
		} else {
			res = s.run(item.task)
		}
		s.finish(res)
	}
}

func (s *Scheduler) run(t Task) (res Result) {
	start := time.Now()
	res = Result{TaskID: t.ID, Started: true}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", "task", t.ID, "panic", r)
			res.Err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
		res.Duration = time.Since(start)
	}()

	report := func(p Progress) {
		p.TaskID = t.ID
		select {
		case s.progress <- p:
		default:
			s.mu.Lock()
			s.stats.DroppedProgress++
			s.mu.Unlock()
		}
	}
	res.Err = t.Run(s.ctx, report)
	return res
}

func (s *Scheduler) finish(res Result) {
	s.mu.Lock()
	delete(s.active, res.TaskID)
	if res.Started {
		s.stats.Running--
		s.stats.TotalRunTime += res.Duration
	}
	switch kind, _ := errs.KindOf(res.Err); {
	case res.Err == nil:
		s.stats.Completed++
	case kind == errs.KindCancellation:
		s.stats.Cancelled++
	default:
		s.stats.Failed++
	}
	s.stats.LastCompletion = time.Now()
	s.mu.Unlock()

	// Results are never dropped.
	s.results <- res
}

type queueItem struct {
	task  Task
	seq   uint64
	index int // index in the heap
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
