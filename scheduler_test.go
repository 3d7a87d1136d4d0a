package fibersched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestSchedulerRunsCallback(t *testing.T) {
	s := NewScheduler(2, false, "test")
	s.Start()

	var ran atomic.Bool
	s.Schedule(func() { ran.Store(true) }, AnyThread)

	waitFor(t, time.Second, ran.Load)
	s.Stop()
}

// Simple yield round-trip: the fiber logs "a", holds, and is externally
// re-scheduled to log "b".
func TestSchedulerYieldRoundTrip(t *testing.T) {
	s := NewScheduler(1, false, "test")
	s.Start()

	var mu sync.Mutex
	var steps []string
	record := func(v string) {
		mu.Lock()
		steps = append(steps, v)
		mu.Unlock()
	}

	f := NewFiber(func() {
		record("a")
		YieldToHold()
		record("b")
	}, 0, false)

	s.ScheduleFiber(f, AnyThread)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(steps) == 1
	})
	waitFor(t, time.Second, func() bool { return f.State() == StateHold })

	s.ScheduleFiber(f, AnyThread)
	waitFor(t, time.Second, func() bool { return f.State() == StateTerm })

	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(steps) != 2 || steps[0] != "a" || steps[1] != "b" {
		t.Fatalf("steps = %v, want [a b]", steps)
	}
}

func TestSchedulerYieldToReadyResumes(t *testing.T) {
	s := NewScheduler(1, false, "test")
	s.Start()

	var count atomic.Int32
	s.Schedule(func() {
		count.Add(1)
		YieldToReady()
		count.Add(1)
	}, AnyThread)

	waitFor(t, time.Second, func() bool { return count.Load() == 2 })
	s.Stop()
}

// Cross-thread pinning: every task pinned to slot 2 observes worker id 2.
func TestSchedulerPinnedThread(t *testing.T) {
	s := NewScheduler(4, false, "test")
	s.Start()

	const tasks = 20
	var wg sync.WaitGroup
	ids := make([]int, tasks)
	for i := 0; i < tasks; i++ {
		i := i
		wg.Add(1)
		s.Schedule(func() {
			ids[i] = GetThreadID()
			wg.Done()
		}, 2)
	}
	wg.Wait()
	s.Stop()

	for i, id := range ids {
		if id != 2 {
			t.Fatalf("task %d ran on worker %d, want 2", i, id)
		}
	}
}

func TestSchedulerBatch(t *testing.T) {
	s := NewScheduler(3, false, "test")
	s.Start()

	const n = 50
	var count atomic.Int32
	cbs := make([]func(), n)
	for i := range cbs {
		cbs[i] = func() { count.Add(1) }
	}
	s.ScheduleBatch(cbs)

	waitFor(t, time.Second, func() bool { return count.Load() == n })
	s.Stop()
}

func TestSchedulerSwitchTo(t *testing.T) {
	s := NewScheduler(3, false, "test")
	s.Start()

	var before, after atomic.Int32
	var done atomic.Bool
	s.Schedule(func() {
		before.Store(int32(GetThreadID()))
		GetScheduler().SwitchTo(1)
		after.Store(int32(GetThreadID()))
		done.Store(true)
	}, 0)

	waitFor(t, time.Second, done.Load)
	s.Stop()

	if before.Load() != 0 {
		t.Fatalf("started on worker %d, want 0", before.Load())
	}
	if after.Load() != 1 {
		t.Fatalf("resumed on worker %d, want 1", after.Load())
	}
}

// Stop drains everything scheduled before it was called.
func TestSchedulerStopDrains(t *testing.T) {
	s := NewScheduler(2, false, "test")
	s.Start()

	const n = 100
	var count atomic.Int32
	for i := 0; i < n; i++ {
		s.Schedule(func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
		}, AnyThread)
	}
	s.Stop()

	if got := count.Load(); got != n {
		t.Fatalf("after Stop: %d tasks ran, want %d", got, n)
	}
	if got := s.activeCount.Load(); got != 0 {
		t.Fatalf("after Stop: activeCount = %d, want 0", got)
	}
}

// A use-caller scheduler with no pool workers runs all work on the
// constructing thread during Stop.
func TestSchedulerUseCallerOnly(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s := NewScheduler(1, true, "caller")
		s.Start()

		var order []int
		var mu sync.Mutex
		for i := 0; i < 5; i++ {
			i := i
			s.Schedule(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}, AnyThread)
		}

		s.Stop()

		mu.Lock()
		defer mu.Unlock()
		if len(order) != 5 {
			t.Errorf("ran %d tasks on caller thread, want 5", len(order))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("use-caller Stop did not return")
	}
}

func TestSchedulerUseCallerWithPool(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s := NewScheduler(3, true, "mixed")
		s.Start()

		var count atomic.Int32
		for i := 0; i < 20; i++ {
			s.Schedule(func() { count.Add(1) }, AnyThread)
		}
		s.Stop()

		if got := count.Load(); got != 20 {
			t.Errorf("ran %d tasks, want 20", got)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("use-caller Stop did not return")
	}
}

func TestGetSchedulerInsideTask(t *testing.T) {
	s := NewScheduler(1, false, "test")
	s.Start()

	var got atomic.Pointer[Scheduler]
	var done atomic.Bool
	s.Schedule(func() {
		got.Store(GetScheduler())
		done.Store(true)
	}, AnyThread)

	waitFor(t, time.Second, done.Load)
	s.Stop()

	if got.Load() != s {
		t.Fatalf("GetScheduler inside task = %p, want %p", got.Load(), s)
	}
}

func TestGetSchedulerOutside(t *testing.T) {
	done := make(chan *Scheduler, 1)
	go func() { done <- GetScheduler() }()
	if s := <-done; s != nil {
		t.Fatalf("GetScheduler outside any scheduler = %p, want nil", s)
	}
}

func TestSchedulerWithLogger(t *testing.T) {
	// Discard writer; the scheduler must behave identically with and
	// without a logger attached.
	logger := logiface.New[logiface.Event](
		logiface.WithWriter[logiface.Event](logiface.NewWriterFunc(func(event logiface.Event) error {
			return nil
		})),
	)

	s := NewScheduler(1, false, "logged", WithLogger(logger))
	s.Start()

	var ran atomic.Bool
	s.Schedule(func() { ran.Store(true) }, AnyThread)
	waitFor(t, time.Second, ran.Load)
	s.Stop()
}

func TestSchedulerZeroThreadsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewScheduler(0, false, ...) did not panic")
		}
	}()
	NewScheduler(0, false, "bad")
}
