// Package dispatcher implements the single-worker, priority-ordered
// task runner of spec section 4.6 (component C6). Two instances run
// concurrently in the engine: one for I/O-bound callbacks (flush,
// bg-fetch, snapshot, deletion) and one for non-I/O callbacks (vbucket
// state-change notifications), per spec section 5.
package dispatcher

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ledgerwatch/epengine/common"
	"github.com/ledgerwatch/epengine/log"
)

// Priority orders tasks by urgency, highest first, per spec section 4.6.
type Priority int

const (
	BgFetcher Priority = iota
	VKeyStatBgFetcher
	VBucketPersistHigh
	FlusherPriority
	VBucketPersistLow
	VBucketDeletion
	ItemPager
	StatSnap
	NotifyVBStateChange
)

// ValidityCookie signals a task's owning resource has gone away; the
// dispatcher does not interpret it, only threads it through to the
// callback so long-lived backfill-style tasks can check it and exit.
type ValidityCookie struct {
	mu    sync.Mutex
	valid bool
}

func NewValidityCookie() *ValidityCookie { return &ValidityCookie{valid: true} }

func (v *ValidityCookie) Clear() {
	v.mu.Lock()
	v.valid = false
	v.mu.Unlock()
}

func (v *ValidityCookie) Valid() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.valid
}

// TaskID identifies a scheduled task for snooze/cancel calls.
type TaskID uint64

// Callback runs one invocation of a task, returning true to be kept
// (rescheduled per its next readyAt, possibly deferred by Snooze) or
// false to be removed permanently.
type Callback func(d *Dispatcher, id TaskID) bool

type task struct {
	id          TaskID
	callback    Callback
	validity    *ValidityCookie
	priority    Priority
	description string
	readyAt     int64
	isDaemon    bool
	index       int // heap index
}

// taskHeap orders by priority first (lower Priority value = more
// urgent), then by readiness time.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].readyAt < h[j].readyAt
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// State reports dispatcher observability per spec section 4.6.
type State struct {
	Name        string
	TaskRunning bool
	TaskDesc    string
	StartTime   time.Time
}

// Dispatcher runs one worker goroutine draining a priority queue of
// tasks, the way a single dispatcher worker services turbo-geth's
// staged-sync pipeline one stage at a time.
type Dispatcher struct {
	name  string
	clock common.Clock

	mu      sync.Mutex
	pending taskHeap
	byID    map[TaskID]*task
	nextID  TaskID

	wake chan struct{}

	stateMu sync.Mutex
	state   State

	cancel context.CancelFunc
	done   chan struct{}

	log *log.Logger
}

func New(name string, clock common.Clock) *Dispatcher {
	d := &Dispatcher{
		name:  name,
		clock: clock,
		byID:  make(map[TaskID]*task),
		wake:  make(chan struct{}, 1),
		log:   log.New("dispatcher", name),
	}
	heap.Init(&d.pending)
	d.state = State{Name: "Initializing"}
	return d
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.setState(State{Name: "Running"})
	go d.run(ctx)
}

// Stop cancels the worker and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *Dispatcher) setState(s State) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

func (d *Dispatcher) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// Schedule enqueues callback at priority, to first become ready
// delaySeconds from now. isDaemon is recorded on the task; Stop does
// not run or drain pending tasks of either kind.
func (d *Dispatcher) Schedule(callback Callback, validity *ValidityCookie, priority Priority, delaySeconds int64, isDaemon bool, description string) TaskID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	t := &task{
		id:          id,
		callback:    callback,
		validity:    validity,
		priority:    priority,
		description: description,
		readyAt:     d.clock.Now() + delaySeconds,
		isDaemon:    isDaemon,
	}
	d.byID[id] = t
	heap.Push(&d.pending, t)
	d.poke()
	return id
}

// Snooze defers id's next run by seconds, re-homing it in the heap.
func (d *Dispatcher) Snooze(id TaskID, seconds int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.byID[id]
	if !ok {
		return
	}
	t.readyAt = d.clock.Now() + seconds
	heap.Fix(&d.pending, t.index)
}

// Cancel removes id from the queue permanently.
func (d *Dispatcher) Cancel(id TaskID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.byID[id]
	if !ok {
		return
	}
	heap.Remove(&d.pending, t.index)
	delete(d.byID, id)
}

func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// popReady removes and returns the highest-priority ready task, or nil
// along with the soonest wake-up delay if none is ready yet.
func (d *Dispatcher) popReady() (*task, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, time.Hour
	}
	top := d.pending[0]
	now := d.clock.Now()
	if top.readyAt > now {
		return nil, time.Duration(top.readyAt-now) * time.Second
	}
	heap.Pop(&d.pending)
	delete(d.byID, top.id)
	return top, 0
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.setState(State{Name: "Stopped"})
			return
		default:
		}

		t, wait := d.popReady()
		if t == nil {
			select {
			case <-ctx.Done():
				d.setState(State{Name: "Stopped"})
				return
			case <-d.wake:
				continue
			case <-time.After(wait):
				continue
			}
		}

		if t.validity != nil && !t.validity.Valid() {
			d.log.Debug("task invalidated, dropping", "task", t.description)
			continue
		}

		// Re-home the task before running it so Snooze and Cancel calls
		// made from inside the callback find it.
		d.mu.Lock()
		d.byID[t.id] = t
		heap.Push(&d.pending, t)
		d.mu.Unlock()

		d.setState(State{Name: "Running", TaskRunning: true, TaskDesc: t.description, StartTime: time.Now()})
		keep := t.callback(d, t.id)
		d.setState(State{Name: "Running"})

		if !keep {
			d.mu.Lock()
			if _, ok := d.byID[t.id]; ok {
				heap.Remove(&d.pending, t.index)
				delete(d.byID, t.id)
			}
			d.mu.Unlock()
		}
	}
}
