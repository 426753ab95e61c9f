// Package sched runs callbacks on a clockwork clock: fixed intervals and one-shot delays,
// each behind a cancel handle.
package sched

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of clockwork.Clock the schedulers need.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
	NewTimer(d time.Duration) clockwork.Timer
}

// Task is a scheduled callback that can be cancelled
type Task struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newTask() *Task {
	return &Task{stop: make(chan struct{}), done: make(chan struct{})}
}

// Every calls fn every interval until the task is stopped.
// The ticker is registered with the clock before Every returns.
func Every(clock Clock, interval time.Duration, fn func()) *Task {
	t := newTask()
	ticker := clock.NewTicker(interval)

	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.Chan():
				if t.stopped() {
					return
				}
				fn()
			}
		}
	}()
	return t
}

// After calls fn once after d unless the task is stopped first
func After(clock Clock, d time.Duration, fn func()) *Task {
	t := newTask()
	timer := clock.NewTimer(d)

	go func() {
		defer close(t.done)
		defer timer.Stop()
		select {
		case <-t.stop:
		case <-timer.Chan():
			if !t.stopped() {
				fn()
			}
		}
	}()
	return t
}

// Stop cancels the task. Safe to call more than once, on a nil task, and from inside fn.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
}

// Done is closed once the task's goroutine has exited
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}
