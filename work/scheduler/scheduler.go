// Package scheduler provides the repeating/one-shot task abstraction every periodic loop
// in the controller runs on, with a real-time implementation and a manual clock for tests.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Task is a handle on a scheduled function.
type Task interface {
	Cancel()
}

// Scheduler runs functions after a delay or at a fixed interval.
type Scheduler interface {
	Clock
	Every(interval time.Duration, fn func()) Task
	After(delay time.Duration, fn func()) Task
	Stop()
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// Real runs tasks on goroutines driven by time.Ticker / time.Timer.
type Real struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReal creates a real-time scheduler. Stop cancels every task it created and waits
// for their goroutines to exit.
func NewReal() *Real {
	ctx, cancel := context.WithCancel(context.Background())
	return &Real{ctx: ctx, cancel: cancel}
}

// Now returns time.Now.
func (r *Real) Now() time.Time { return time.Now() }

type realTask struct {
	cancel context.CancelFunc
}

func (t *realTask) Cancel() { t.cancel() }

// Every runs fn every interval until the task or scheduler is cancelled.
func (r *Real) Every(interval time.Duration, fn func()) Task {
	ctx, cancel := context.WithCancel(r.ctx)
	if interval <= 0 {
		interval = time.Second
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()

	return &realTask{cancel: cancel}
}

// After runs fn once after delay unless cancelled first.
func (r *Real) After(delay time.Duration, fn func()) Task {
	ctx, cancel := context.WithCancel(r.ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			fn()
		}
	}()

	return &realTask{cancel: cancel}
}

// Stop cancels all tasks and waits for them to return.
func (r *Real) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Manual is a deterministic scheduler whose time only moves on Advance.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTask
}

type manualTask struct {
	id        uint64
	due       time.Time
	interval  time.Duration
	fn        func()
	cancelled atomic.Bool
}

func (t *manualTask) Cancel() { t.cancelled.Store(true) }

// NewManual creates a manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Every registers fn to run at every multiple of interval from now.
func (m *Manual) Every(interval time.Duration, fn func()) Task {
	if interval <= 0 {
		interval = time.Second
	}
	return m.add(interval, interval, fn)
}

// After registers fn to run once when delay has elapsed.
func (m *Manual) After(delay time.Duration, fn func()) Task {
	return m.add(delay, 0, fn)
}

func (m *Manual) add(delay, interval time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{id: m.seq, due: m.now.Add(delay), interval: interval, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves time forward by d, running every task that falls due in order.
// Tasks run on the caller's goroutine without the scheduler lock held.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.due
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			next.cancelled.Store(true)
		}
		m.mu.Unlock()

		next.fn()
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualTask {
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.cancelled.Load() {
			live = append(live, t)
		}
	}
	m.tasks = live

	sort.SliceStable(m.tasks, func(i, j int) bool {
		if m.tasks[i].due.Equal(m.tasks[j].due) {
			return m.tasks[i].id < m.tasks[j].id
		}
		return m.tasks[i].due.Before(m.tasks[j].due)
	})
	if len(m.tasks) == 0 || m.tasks[0].due.After(target) {
		return nil
	}
	return m.tasks[0]
}

// Pending returns the number of live tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.cancelled.Load() {
			n++
		}
	}
	return n
}

// Stop cancels every task.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		t.cancelled.Store(true)
	}
	m.tasks = nil
}
