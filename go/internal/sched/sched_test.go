package sched

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

const waitTimeout = 2 * time.Second

func TestEveryFiresOnEachInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fired := make(chan struct{}, 10)

	task := Every(clock, 5*time.Second, func() { fired <- struct{}{} })
	defer task.Stop()

	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Second)
		select {
		case <-fired:
		case <-time.After(waitTimeout):
			t.Fatalf("tick %d did not fire", i+1)
		}
	}
}

func TestEveryStopsFiring(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fired := make(chan struct{}, 10)

	task := Every(clock, time.Second, func() { fired <- struct{}{} })
	task.Stop()
	task.Stop()

	select {
	case <-task.Done():
	case <-time.After(waitTimeout):
		t.Fatal("task goroutine did not exit")
	}

	clock.Advance(3 * time.Second)
	select {
	case <-fired:
		t.Fatal("stopped task fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAfterFiresOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fired := make(chan struct{}, 10)

	After(clock, 500*time.Millisecond, func() { fired <- struct{}{} })

	clock.Advance(499 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("fired before the delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	select {
	case <-fired:
	case <-time.After(waitTimeout):
		t.Fatal("did not fire after the delay")
	}
}

func TestAfterCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fired := make(chan struct{}, 1)

	task := After(clock, time.Second, func() { fired <- struct{}{} })
	task.Stop()
	<-task.Done()

	clock.Advance(2 * time.Second)
	select {
	case <-fired:
		t.Fatal("cancelled task fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopNilTask(t *testing.T) {
	var task *Task
	task.Stop()
}
