// Package sched provides the single cooperative run loop that executes every
// timer callback and I/O continuation.
//
// Callbacks run one at a time on the loop goroutine. Other goroutines enter
// the loop only through Post. Blocking work is started with Spawn and its
// continuation is posted back when it completes.
//
// A virtual loop (NewVirtual) never sleeps: time moves only through Advance,
// which makes timer-driven code testable without wall-clock waits.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/groutine"
)

var (
	ErrRunning = errors.New("loop is already running")
	ErrVirtual = errors.New("virtual loop is driven by Advance")
)

// idleWait bounds a sleep when no timer is pending; Post wakes the loop earlier
const idleWait = time.Minute

type entry struct {
	name   string
	when   time.Time
	seq    uint64
	period time.Duration
	fn     func()
	index  int
}

type timerQueue []*entry

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Loop is a run loop with a priority queue of delayed callbacks
type Loop struct {
	mu      sync.Mutex
	queue   timerQueue
	seq     uint64
	posted  []func()
	wake    chan struct{}
	running atomic.Bool

	virtual bool
	vnow    time.Time

	logger *logrus.Logger
}

// New creates a loop driven by the wall clock; call Run to start it
func New(logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// NewVirtual creates a loop whose clock starts at start and moves only via Advance
func NewVirtual(start time.Time, logger *logrus.Logger) *Loop {
	l := New(logger)
	l.virtual = true
	l.vnow = start
	return l
}

// Now returns the loop's current time
func (l *Loop) Now() time.Time {
	if !l.virtual {
		return time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vnow
}

// IsVirtual reports whether the loop runs on a simulated clock
func (l *Loop) IsVirtual() bool {
	return l.virtual
}

// Timer is a handle to a scheduled callback
type Timer struct {
	loop  *Loop
	entry *entry
}

// Stop cancels the timer. It returns false if the timer already fired (one-shot) or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.entry == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.entry.index < 0 {
		return false
	}
	heap.Remove(&l.queue, t.entry.index)
	return true
}

// Active reports whether the timer is still queued
func (t *Timer) Active() bool {
	if t == nil || t.entry == nil {
		return false
	}
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.entry.index >= 0
}

// After runs fn once on the loop after d
func (l *Loop) After(name string, d time.Duration, fn func()) *Timer {
	return l.schedule(name, d, 0, fn)
}

// Every runs fn on the loop every period, starting one period from now.
// Firings keep a fixed rate; missed periods are skipped, not replayed.
func (l *Loop) Every(name string, period time.Duration, fn func()) *Timer {
	if period <= 0 {
		panic(fmt.Sprintf("sched: non-positive period for %q", name))
	}
	return l.schedule(name, period, period, fn)
}

func (l *Loop) schedule(name string, d, period time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	now := l.Now()

	l.mu.Lock()
	l.seq++
	e := &entry{name: name, when: now.Add(d), seq: l.seq, period: period, fn: fn}
	heap.Push(&l.queue, e)
	l.mu.Unlock()

	l.notify()
	return &Timer{loop: l, entry: e}
}

// Post queues fn to run on the loop. Safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.notify()
}

// Spawn runs work off the loop and posts the continuation it returns (if any) back to the loop.
// On a virtual loop work runs inline so tests stay deterministic.
func (l *Loop) Spawn(ctx context.Context, name string, work func(ctx context.Context) func()) {
	if l.virtual {
		if cont := work(ctx); cont != nil {
			l.Post(cont)
		}
		return
	}
	groutine.Go(ctx, name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				l.logger.WithFields(logrus.Fields{
					"task":  name,
					"panic": r,
				}).Error("Spawned task panicked")
			}
		}()
		if cont := work(ctx); cont != nil {
			l.Post(cont)
		}
	})
}

// CancelAll drops every pending timer and posted callback
func (l *Loop) CancelAll() {
	l.mu.Lock()
	for _, e := range l.queue {
		e.index = -1
	}
	l.queue = nil
	l.posted = nil
	l.mu.Unlock()
}

// Pending returns the number of queued timers
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run executes callbacks until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	if l.virtual {
		return ErrVirtual
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	l.logger.Debug("Run loop started")
	defer l.logger.Debug("Run loop stopped")

	wait := time.NewTimer(idleWait)
	defer wait.Stop()

	for {
		l.runPosted()
		for {
			fn := l.popDue(time.Now())
			if fn == nil {
				break
			}
			l.invoke(fn)
			l.runPosted()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		wait.Reset(l.nextWait(time.Now()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-wait.C:
		}
	}
}

// Advance moves the virtual clock forward by d, firing every timer that comes due in order
func (l *Loop) Advance(d time.Duration) {
	if !l.virtual {
		panic("sched: Advance on a wall-clock loop")
	}
	l.mu.Lock()
	target := l.vnow.Add(d)
	l.mu.Unlock()

	for {
		l.runPosted()

		l.mu.Lock()
		if len(l.queue) == 0 || l.queue[0].when.After(target) {
			l.vnow = target
			l.mu.Unlock()
			break
		}
		if l.queue[0].when.After(l.vnow) {
			l.vnow = l.queue[0].when
		}
		now := l.vnow
		l.mu.Unlock()

		if fn := l.popDue(now); fn != nil {
			l.invoke(fn)
		}
	}
	l.runPosted()
}

// Flush runs posted callbacks and timers due at the current virtual time
func (l *Loop) Flush() {
	l.Advance(0)
}

func (l *Loop) popDue(now time.Time) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 || l.queue[0].when.After(now) {
		return nil
	}
	e := l.queue[0]
	if e.period > 0 {
		e.when = e.when.Add(e.period)
		for !e.when.After(now) {
			e.when = e.when.Add(e.period)
		}
		heap.Fix(&l.queue, 0)
	} else {
		heap.Pop(&l.queue)
	}
	return e.fn
}

func (l *Loop) nextWait(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.posted) > 0 {
		return 0
	}
	if len(l.queue) == 0 {
		return idleWait
	}
	d := l.queue[0].when.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) runPosted() {
	for {
		l.mu.Lock()
		batch := l.posted
		l.posted = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Loop callback panicked")
		}
	}()
	fn()
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
