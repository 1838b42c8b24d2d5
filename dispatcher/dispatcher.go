// Package dispatcher runs deferred background tasks on a fixed pool of
// workers. Tasks may ask to be run again after a delay, which is how
// backfill and fetch tasks snooze while the system is under pressure.
package dispatcher

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tapstream/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkers is used when a dispatcher is created with no workers
	DefaultWorkers = 1
	// DefaultSlowTask is the run time above which a task is logged as slow
	DefaultSlowTask = 500 * time.Millisecond
)

// TaskID identifies a scheduled task for cancellation.
type TaskID uint64

// Task is a unit of background work. Run returns whether the task wants
// to run again and after what delay.
type Task interface {
	Run(ctx context.Context) (reschedule bool, after time.Duration)
	Description() string
}

type funcTask struct {
	desc string
	fn   func(ctx context.Context) (bool, time.Duration)
}

func (f *funcTask) Run(ctx context.Context) (bool, time.Duration) { return f.fn(ctx) }
func (f *funcTask) Description() string                           { return f.desc }

// Func adapts a function into a Task.
func Func(desc string, fn func(ctx context.Context) (bool, time.Duration)) Task {
	return &funcTask{desc: desc, fn: fn}
}

type entry struct {
	id    TaskID
	task  Task
	when  time.Time
	index int
}

type taskQueue []*entry

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].id < q[j].id
	}
	return q[i].when.Before(q[j].when)
}
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *taskQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Dispatcher is a time-ordered task runner.
type Dispatcher struct {
	name    string
	workers int
	slow    time.Duration

	mu      sync.Mutex
	queue   taskQueue
	entries map[TaskID]*entry
	nextID  atomic.Uint64
	wake    chan struct{}

	running     atomic.Bool
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	executed atomic.Uint64
	slowRuns atomic.Uint64
}

// New creates a dispatcher. It does nothing until Start.
func New(name string, workers int, slow time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if slow <= 0 {
		slow = DefaultSlowTask
	}
	return &Dispatcher{
		name:    name,
		workers: workers,
		slow:    slow,
		entries: make(map[TaskID]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.name }

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running.Load() {
		return
	}
	d.running.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	log.Info().
		Str("dispatcher", d.name).
		Int("workers", d.workers).
		Msg("Starting dispatcher")

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workLoop(ctx)
	}
}

// Stop cancels running tasks and waits for the workers. Pending tasks are
// dropped.
func (d *Dispatcher) Stop() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running.Load() {
		return
	}

	log.Info().Str("dispatcher", d.name).Msg("Stopping dispatcher")
	d.cancel()
	d.wg.Wait()
	d.running.Store(false)

	d.mu.Lock()
	d.queue = nil
	clear(d.entries)
	d.mu.Unlock()

	log.Info().
		Str("dispatcher", d.name).
		Uint64("executed", d.executed.Load()).
		Msg("Dispatcher stopped")
}

// Schedule queues task to run after delay.
func (d *Dispatcher) Schedule(task Task, delay time.Duration) TaskID {
	id := TaskID(d.nextID.Add(1))
	d.push(&entry{id: id, task: task, when: time.Now().Add(delay)})
	return id
}

// Cancel removes a task that has not started yet. A running task is not
// interrupted but will not be rescheduled.
func (d *Dispatcher) Cancel(id TaskID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[id]
	if !ok {
		return false
	}
	delete(d.entries, id)
	if e.index >= 0 {
		heap.Remove(&d.queue, e.index)
	}
	return true
}

// Pending returns the number of tasks waiting to run.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Executed returns the number of task runs completed.
func (d *Dispatcher) Executed() uint64 { return d.executed.Load() }

func (d *Dispatcher) push(e *entry) {
	d.mu.Lock()
	d.entries[e.id] = e
	heap.Push(&d.queue, e)
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// next pops the earliest due task, or reports how long until one is due.
func (d *Dispatcher) next() (*entry, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queue.Len() == 0 {
		return nil, time.Hour
	}
	head := d.queue[0]
	wait := time.Until(head.when)
	if wait > 0 {
		return nil, wait
	}
	heap.Pop(&d.queue)
	head.index = -1
	return head, 0
}

func (d *Dispatcher) workLoop(ctx context.Context) {
	defer d.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e, wait := d.next()
		if e != nil {
			d.run(ctx, e)
			// Another worker may be sleeping on a stale deadline.
			d.signal()
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, e *entry) {
	start := time.Now()
	again, after := d.runSafely(ctx, e.task)
	elapsed := time.Since(start)

	d.executed.Add(1)
	telemetry.DispatcherTaskSeconds.With(d.name).Observe(elapsed.Seconds())
	if elapsed > d.slow {
		d.slowRuns.Add(1)
		telemetry.DispatcherSlowTasksTotal.With(d.name).Inc()
		log.Warn().
			Str("dispatcher", d.name).
			Str("task", e.task.Description()).
			Dur("elapsed", elapsed).
			Msg("Slow task")
	}

	d.mu.Lock()
	_, live := d.entries[e.id]
	if !again || !live || ctx.Err() != nil {
		delete(d.entries, e.id)
		d.mu.Unlock()
		return
	}
	e.when = time.Now().Add(after)
	heap.Push(&d.queue, e)
	d.mu.Unlock()
}

func (d *Dispatcher) runSafely(ctx context.Context, t Task) (again bool, after time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("dispatcher", d.name).
				Str("task", t.Description()).
				Interface("panic", r).
				Msg("Task panicked")
			again = false
		}
	}()
	return t.Run(ctx)
}
