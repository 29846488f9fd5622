// Package eventqueue serializes deferred work onto a single dispatch context.
//
// Work is posted as Tasks from any goroutine, including goroutines standing in
// for hardware interrupt handlers, and executed one at a time, to completion,
// by whichever goroutine runs DispatchForever. Periodic work is registered
// with Every and interleaved with posted Tasks by ready time.
package eventqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of posted events the queue holds before
// dropping new ones.
const DefaultCapacity = 32

var (
	ErrQueueFull      = errors.New("event queue full")
	ErrInvalidPeriod  = errors.New("timer period must be positive")
	ErrAlreadyRunning = errors.New("dispatcher already running")
	ErrNilTask        = errors.New("nil task")
	ErrPanic          = errors.New("event panicked")
)

// Task is a deferred unit of work. The context is the dispatch context and is
// cancelled when the dispatcher is shutting down.
type Task func(ctx context.Context) error

// State of the dispatch loop.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Metrics receives dispatcher measurements. Implementations must not block.
type Metrics interface {
	EventPosted(ctx context.Context)
	EventDropped(ctx context.Context, source string, n int64)
	EventDispatched(ctx context.Context, source string, wait, run time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) EventPosted(context.Context)                                                  {}
func (nopMetrics) EventDropped(context.Context, string, int64)                                  {}
func (nopMetrics) EventDispatched(context.Context, string, time.Duration, time.Duration, error) {}

const (
	sourcePost  = "post"
	sourceTimer = "timer"
)

type event struct {
	seq     uint64
	readyAt time.Time
	source  string
	task    Task
}

// Dispatcher is a bounded FIFO of Tasks plus a set of periodic timers,
// drained by a single worker.
type Dispatcher struct {
	clock   Clock
	logger  *slog.Logger
	metrics Metrics

	mu     sync.Mutex
	buf    []event
	head   int
	n      int
	seq    uint64
	timers timerHeap
	wake   chan struct{}

	state      atomic.Int32
	dropped    atomic.Uint64
	dispatched atomic.Uint64
	failed     atomic.Uint64
}

type Option func(*Dispatcher)

func WithCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.buf = make([]event, n)
		}
	}
}

func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		clock:   RealClock{},
		logger:  slog.Default(),
		metrics: nopMetrics{},
		buf:     make([]event, DefaultCapacity),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Post appends task to the queue. It never blocks and is safe to call from
// any goroutine. When the queue is full the task is dropped and ErrQueueFull
// is returned; callers in interrupt handlers should not retry.
func (d *Dispatcher) Post(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	d.mu.Lock()
	if d.n == len(d.buf) {
		d.mu.Unlock()
		d.dropped.Add(1)
		d.metrics.EventDropped(context.Background(), sourcePost, 1)
		return ErrQueueFull
	}
	d.seq++
	d.buf[(d.head+d.n)%len(d.buf)] = event{
		seq:     d.seq,
		readyAt: d.clock.Now(),
		source:  sourcePost,
		task:    task,
	}
	d.n++
	d.mu.Unlock()

	d.metrics.EventPosted(context.Background())
	d.signal()
	return nil
}

// Event binds task into a zero-argument function that posts it, for use as an
// edge handler. Drops are counted and otherwise ignored.
func (d *Dispatcher) Event(task Task) func() {
	return func() {
		if err := d.Post(task); err != nil {
			d.logger.Debug("event dropped", slog.String("error", err.Error()))
		}
	}
}

// Every registers task to run once per period, first firing one period from
// now. The returned Timer stays armed until cancelled.
func (d *Dispatcher) Every(period time.Duration, task Task) (*Timer, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeriod, period)
	}
	if task == nil {
		return nil, ErrNilTask
	}
	t := &Timer{d: d, period: period, task: task, index: -1}
	d.mu.Lock()
	t.next = d.clock.Now().Add(period)
	heap.Push(&d.timers, t)
	d.mu.Unlock()
	d.signal()
	return t, nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) State() State { return State(d.state.Load()) }

// Pending is the number of posted events waiting to run.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func (d *Dispatcher) Dropped() uint64    { return d.dropped.Load() }
func (d *Dispatcher) Dispatched() uint64 { return d.dispatched.Load() }
func (d *Dispatcher) Failed() uint64     { return d.failed.Load() }

// DispatchForever runs events until ctx is cancelled. Under normal operation
// it does not return.
func (d *Dispatcher) DispatchForever(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyRunning
	}
	defer d.state.Store(int32(Idle))

	d.logger.Debug("dispatcher running", slog.Int("capacity", len(d.buf)))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, ok, wait := d.next(d.clock.Now())
		if ok {
			d.run(ctx, ev)
			continue
		}

		var timer ClockTimer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = d.clock.NewTimer(wait)
			timeout = timer.C()
		}
		select {
		case <-ctx.Done():
		case <-d.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// DispatchPending runs every posted event and every timer firing that is
// ready at the time of the call, including events posted while draining, and
// returns the number executed.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	if !d.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return 0, ErrAlreadyRunning
	}
	defer d.state.Store(int32(Idle))

	now := d.clock.Now()
	count := 0
	for ctx.Err() == nil {
		ev, ok, _ := d.next(now)
		if !ok {
			break
		}
		d.run(ctx, ev)
		count++
	}
	return count, ctx.Err()
}

// next removes the earliest ready event. When none is ready it reports how
// long until the next timer deadline, or zero when no timer is armed.
func (d *Dispatcher) next(now time.Time) (event, bool, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due *Timer
	if len(d.timers) > 0 && !d.timers[0].next.After(now) {
		due = d.timers[0]
	}
	if d.n > 0 {
		head := d.buf[d.head]
		if due == nil || !head.readyAt.After(due.next) {
			d.buf[d.head] = event{}
			d.head = (d.head + 1) % len(d.buf)
			d.n--
			return head, true, 0
		}
	}
	if due != nil {
		return d.fire(due, now), true, 0
	}
	if len(d.timers) > 0 {
		return event{}, false, d.timers[0].next.Sub(now)
	}
	return event{}, false, 0
}

// fire produces the event for one elapsed period of t. A timer that fell more
// than a queue's worth of periods behind skips the excess firings, which are
// counted as dropped.
func (d *Dispatcher) fire(t *Timer, now time.Time) event {
	if missed := int64(now.Sub(t.next)/t.period) - int64(len(d.buf)); missed > 0 {
		t.next = t.next.Add(time.Duration(missed) * t.period)
		d.dropped.Add(uint64(missed))
		d.metrics.EventDropped(context.Background(), sourceTimer, missed)
	}
	d.seq++
	ev := event{seq: d.seq, readyAt: t.next, source: sourceTimer, task: t.task}
	t.next = t.next.Add(t.period)
	heap.Fix(&d.timers, t.index)
	return ev
}

func (d *Dispatcher) run(ctx context.Context, ev event) {
	start := d.clock.Now()
	err := invoke(ctx, ev.task)
	elapsed := d.clock.Now().Sub(start)

	d.dispatched.Add(1)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("event failed",
			slog.Uint64("seq", ev.seq),
			slog.String("source", ev.source),
			slog.String("error", err.Error()),
		)
	}
	d.metrics.EventDispatched(ctx, ev.source, start.Sub(ev.readyAt), elapsed, err)
}

func invoke(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task(ctx)
}
