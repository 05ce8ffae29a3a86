// Package loop implements the supervisor's cooperative event loop: a
// single goroutine that serializes every callback so that the service
// registry, condition store, and runlevel state machine never need a
// lock. External sources -- timers, signals, reaped children, path watch
// events, control socket I/O -- are all funneled onto one channel and
// drained one callback at a time, in the order they are posted, matching
// the design's "single-threaded cooperative" scheduling.
package loop

import (
	"container/heap"
	"sync"
	"time"
)

// Handle cancels a timer or periodic registration. Cancellation is
// immediate and safe to call from any callback, including the callback
// of the registration being canceled.
type Handle uint64

type entry struct {
	id       Handle
	deadline time.Time
	period   time.Duration // 0 means one-shot
	fn       func()
	canceled bool
	index    int
}

type timerHeap []*entry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Loop is the process-wide scheduler. It has no intrinsic ordering
// between events of different kinds ready in the same iteration; within
// one kind (e.g. timers), dispatch is FIFO by deadline.
type Loop struct {
	mu     sync.Mutex
	nextID Handle
	timers map[Handle]*entry
	heap   timerHeap

	work chan func()
	quit chan struct{}
	done chan struct{}
}

// New allocates a loop. Run must be called (typically from main) to start
// processing; it returns when Stop is called.
func New() *Loop {
	return &Loop{
		timers: make(map[Handle]*entry),
		work:   make(chan func(), 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run processes callbacks serially until Stop is called. Callbacks must
// not block for more than a few milliseconds; long work belongs in a
// child process whose exit is observed asynchronously.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		wait := l.nextWait()
		tmr := time.NewTimer(wait)
		select {
		case <-l.quit:
			tmr.Stop()
			l.releaseAll()
			return
		case fn := <-l.work:
			tmr.Stop()
			fn()
		case <-tmr.C:
			l.fireDue()
		}
	}
}

// Stop releases every registration and causes Run to return. All
// registrations are released; no further invocations occur after Run
// returns.
func (l *Loop) Stop() {
	close(l.quit)
	<-l.done
}

func (l *Loop) nextWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.heap) > 0 && l.heap[0].canceled {
		heap.Pop(&l.heap)
	}
	if len(l.heap) == 0 {
		return time.Hour
	}
	d := time.Until(l.heap[0].deadline)
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) fireDue() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.heap) == 0 {
			l.mu.Unlock()
			return
		}
		top := l.heap[0]
		if top.canceled {
			heap.Pop(&l.heap)
			l.mu.Unlock()
			continue
		}
		if top.deadline.After(now) {
			l.mu.Unlock()
			return
		}
		heap.Pop(&l.heap)
		if top.period > 0 && !top.canceled {
			top.deadline = now.Add(top.period)
			heap.Push(&l.heap, top)
		} else {
			delete(l.timers, top.id)
		}
		fn := top.fn
		l.mu.Unlock()
		fn()
	}
}

func (l *Loop) releaseAll() {
	l.mu.Lock()
	l.timers = make(map[Handle]*entry)
	l.heap = nil
	l.mu.Unlock()
}

func (l *Loop) schedule(delay, period time.Duration, fn func()) Handle {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	e := &entry{id: id, deadline: time.Now().Add(delay), period: period, fn: fn}
	l.timers[id] = e
	heap.Push(&l.heap, e)
	l.mu.Unlock()
	l.nudge()
	return id
}

// nudge wakes Run so it recomputes its sleep duration after a new,
// possibly-earlier timer is registered from another goroutine.
func (l *Loop) nudge() {
	select {
	case l.work <- func() {}:
	default:
	}
}

// AddTimer schedules fn to run once after delay.
func (l *Loop) AddTimer(delay time.Duration, fn func()) Handle {
	return l.schedule(delay, 0, fn)
}

// AddPeriodic schedules fn to run every period, starting after the first
// period elapses (a repeated one-shot, per the design).
func (l *Loop) AddPeriodic(period time.Duration, fn func()) Handle {
	return l.schedule(period, period, fn)
}

// ScheduleWork is the loop's re-entrancy primitive: any callback may
// enqueue more work to run after delay, including re-registering itself.
func (l *Loop) ScheduleWork(fn func(), delay time.Duration) Handle {
	return l.schedule(delay, 0, fn)
}

// Cancel removes a timer or periodic registration. Safe to call from any
// callback, including the one being canceled.
func (l *Loop) Cancel(h Handle) {
	l.mu.Lock()
	if e, ok := l.timers[h]; ok {
		e.canceled = true
		delete(l.timers, h)
	}
	l.mu.Unlock()
}

// Post enqueues fn to run on the loop goroutine as soon as it is free.
// External sources (signals, child reaping,
// path watch events, control socket reads) call Post from their own
// goroutine to hand an event to the single-threaded scheduler.
func (l *Loop) Post(fn func()) {
	select {
	case l.work <- fn:
	case <-l.quit:
	}
}

// Pump relays every value received on ch into the loop via Post, calling
// cb on the loop goroutine. It returns once ch is closed or the loop
// stops. Used to bridge any external channel-based event source (the
// path watcher, the signal channel) into the
// cooperative scheduler without the source needing to know about Loop
// internals beyond Post.
func Pump[T any](l *Loop, ch <-chan T, cb func(T)) {
	go func() {
		for {
			select {
			case v, ok := <-ch:
				if !ok {
					return
				}
				l.Post(func() { cb(v) })
			case <-l.quit:
				return
			}
		}
	}()
}
