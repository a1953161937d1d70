// Package pool provides a bounded, resizable set of workers that execute the
// tasks of one category. The number of live worker goroutines is the pool's
// size: growing spawns workers and shrinking retires them.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"guidefetch/internal/core"
	"guidefetch/internal/events"
)

// Status is the terminal state of a task.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is the outcome of one task.
type Result struct {
	Task     *core.Task
	Status   Status
	Class    core.ErrorClass
	Err      error
	Bytes    int64
	Attempts int
}

// Executor performs the I/O for a task and returns the number of bytes
// transferred. Failures should be *core.FetchError so they can be classified.
type Executor interface {
	Execute(ctx context.Context, task *core.Task) (int64, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *core.Task) (int64, error)

// Execute calls f(ctx, task).
func (f ExecutorFunc) Execute(ctx context.Context, task *core.Task) (int64, error) {
	return f(ctx, task)
}

// Gate is consulted before every attempt.
type Gate interface {
	Wait(ctx context.Context) error
}

// Backoff decides whether and when a failed task is retried.
type Backoff interface {
	NextDelay(attempt int, class core.ErrorClass) (time.Duration, bool)
}

// WorkerState describes one live worker.
type WorkerState struct {
	WorkerID         int       `json:"worker_id"`
	Busy             bool      `json:"busy"`
	CurrentTaskID    string    `json:"current_task_id,omitempty"`
	TasksCompleted   int       `json:"tasks_completed"`
	BytesTransferred int64     `json:"bytes_transferred"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// Config holds pool configuration.
type Config struct {
	Category    core.Category
	MinSize     int
	MaxSize     int
	InitialSize int
	Gate        Gate
	Backoff     Backoff
	Events      events.Publisher
}

// Pool runs the tasks of one category.
type Pool struct {
	category core.Category
	minSize  int
	maxSize  int
	gate     Gate
	backoff  Backoff
	events   events.Publisher

	mu      sync.Mutex
	idle    *sync.Cond
	target  int
	live    int
	nextID  int
	workers map[int]*WorkerState
	wake    chan struct{}
	current *run
}

// New creates a pool. Sizes are normalized so that 1 <= min <= initial <= max.
func New(cfg Config) *Pool {
	minSize := max(cfg.MinSize, 1)
	maxSize := max(cfg.MaxSize, minSize)
	initial := min(max(cfg.InitialSize, minSize), maxSize)

	p := &Pool{
		category: cfg.Category,
		minSize:  minSize,
		maxSize:  maxSize,
		gate:     cfg.Gate,
		backoff:  cfg.Backoff,
		events:   cfg.Events,
		target:   initial,
		workers:  make(map[int]*WorkerState),
		wake:     make(chan struct{}),
	}
	if p.events == nil {
		p.events = events.Discard{}
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Category returns the pool's category.
func (p *Pool) Category() core.Category {
	return p.category
}

// Bounds returns the minimum and maximum size.
func (p *Pool) Bounds() (int, int) {
	return p.minSize, p.maxSize
}

// Target returns the size the pool is converging to and will start the next
// run with.
func (p *Pool) Target() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Size returns the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Workers returns a snapshot of the live workers ordered by id.
func (p *Pool) Workers() []WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerState, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Resize sets the target size, clamped to the pool bounds, and returns it.
// While a run is active, growing spawns workers immediately; shrinking retires
// idle workers immediately and busy workers once their current task finishes.
func (p *Pool) Resize(n int) int {
	n = min(max(n, p.minSize), p.maxSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.target = n
	if p.current == nil {
		return n
	}
	if p.live < n {
		p.spawnLocked(p.current, n-p.live)
	} else if p.live > n {
		close(p.wake)
		p.wake = make(chan struct{})
	}
	return n
}

// run is the state of one Run call.
type run struct {
	ctx   context.Context
	exec  Executor
	queue chan *core.Task
	done  chan struct{}

	mu      sync.Mutex
	pending int
	delayed map[*core.Task]*time.Timer
	results []Result
}

func (r *run) finish(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = append(r.results, res)
	r.pending--
	if r.pending == 0 {
		close(r.done)
	}
}

// requeueAfter puts t back on the queue once delay has elapsed. The worker
// slot is free while the task waits.
func (r *run) requeueAfter(t *core.Task, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.delayed[t] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.delayed[t]; !ok {
			return
		}
		delete(r.delayed, t)
		r.queue <- t
	})
}

// Run executes tasks with up to Target() concurrent workers and returns one
// result per task. Cancelling ctx stops workers between tasks; an attempt
// already in progress runs to completion. Tasks that never reached a terminal
// state are reported as cancelled.
func (p *Pool) Run(ctx context.Context, tasks []*core.Task, exec Executor) ([]Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	r := &run{
		ctx:     ctx,
		exec:    exec,
		queue:   make(chan *core.Task, len(tasks)),
		done:    make(chan struct{}),
		pending: len(tasks),
		delayed: make(map[*core.Task]*time.Timer),
		results: make([]Result, 0, len(tasks)),
	}
	for _, t := range tasks {
		r.queue <- t
	}

	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool %s is already running", p.category)
	}
	p.current = r
	p.spawnLocked(r, p.target)

	for p.live > 0 {
		p.idle.Wait()
	}
	p.current = nil
	p.mu.Unlock()

	// Workers are gone; whatever is still queued or waiting on a retry timer
	// never reached a terminal state.
	r.mu.Lock()
	defer r.mu.Unlock()
	for t, timer := range r.delayed {
		timer.Stop()
		delete(r.delayed, t)
		r.results = append(r.results, Result{Task: t, Status: StatusCancelled, Attempts: t.Attempts, Err: ctx.Err()})
	}
drain:
	for {
		select {
		case t := <-r.queue:
			r.results = append(r.results, Result{Task: t, Status: StatusCancelled, Attempts: t.Attempts, Err: ctx.Err()})
		default:
			break drain
		}
	}

	return r.results, nil
}

func (p *Pool) spawnLocked(r *run, n int) {
	for i := 0; i < n; i++ {
		p.nextID++
		w := &WorkerState{WorkerID: p.nextID, LastActivityAt: time.Now()}
		p.workers[w.WorkerID] = w
		p.live++
		go p.work(r, w)
	}
}

// leaveLocked removes w from the live set.
func (p *Pool) leaveLocked(w *WorkerState) {
	delete(p.workers, w.WorkerID)
	p.live--
	if p.live == 0 {
		p.idle.Broadcast()
	}
}

// retire removes w when the pool is above its target. It returns the wake
// channel to wait on otherwise.
func (p *Pool) retire(w *WorkerState) (bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live > p.target {
		p.leaveLocked(w)
		return true, nil
	}
	return false, p.wake
}

func (p *Pool) work(r *run, w *WorkerState) {
	for {
		retired, wake := p.retire(w)
		if retired {
			return
		}

		select {
		case <-r.ctx.Done():
			p.exit(w)
			return
		case <-r.done:
			p.exit(w)
			return
		case <-wake:
		case t := <-r.queue:
			p.process(r, w, t)
		}
	}
}

func (p *Pool) exit(w *WorkerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaveLocked(w)
}

func (p *Pool) process(r *run, w *WorkerState, t *core.Task) {
	if err := r.ctx.Err(); err != nil {
		r.finish(Result{Task: t, Status: StatusCancelled, Attempts: t.Attempts, Err: err})
		return
	}
	if p.gate != nil {
		if err := p.gate.Wait(r.ctx); err != nil {
			r.finish(Result{Task: t, Status: StatusCancelled, Attempts: t.Attempts, Err: err})
			return
		}
	}

	p.mu.Lock()
	w.Busy = true
	w.CurrentTaskID = t.ID
	w.LastActivityAt = time.Now()
	p.mu.Unlock()

	t.Attempts++
	start := time.Now()
	n, err := r.exec.Execute(context.WithoutCancel(r.ctx), t)
	latency := time.Since(start)

	p.mu.Lock()
	w.Busy = false
	w.CurrentTaskID = ""
	w.LastActivityAt = time.Now()
	if err == nil {
		w.TasksCompleted++
		w.BytesTransferred += n
	}
	p.mu.Unlock()

	ev := events.Event{
		Category: p.category,
		TaskID:   t.ID,
		Key:      t.Key,
		WorkerID: w.WorkerID,
		Attempt:  t.Attempts,
		Latency:  latency,
		Bytes:    n,
	}

	if err == nil {
		ev.Kind = events.KindTaskCompleted
		p.events.Publish(ev)
		r.finish(Result{Task: t, Status: StatusSucceeded, Bytes: n, Attempts: t.Attempts})
		return
	}

	class := core.ClassOf(err)
	ev.Kind = events.KindTaskFailed
	ev.Class = class
	ev.Err = err
	p.events.Publish(ev)

	var delay time.Duration
	retry := false
	if p.backoff != nil {
		delay, retry = p.backoff.NextDelay(t.Attempts, class)
	}
	if retry && r.ctx.Err() == nil {
		r.requeueAfter(t, delay)
		return
	}

	if r.ctx.Err() != nil && retry {
		r.finish(Result{Task: t, Status: StatusCancelled, Class: class, Err: err, Attempts: t.Attempts})
		return
	}

	ev.Kind = events.KindTaskAbandoned
	p.events.Publish(ev)
	r.finish(Result{Task: t, Status: StatusFailed, Class: class, Err: err, Attempts: t.Attempts})
}
