package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dijkstracula/kcore/klog"
)

func testScheduler(t *testing.T, numCores int) *Scheduler {
	t.Helper()
	s, err := New(numCores, klog.New("sched_test"))
	require.NoError(t, err)
	return s
}

// occupyCore creates a thread that signals started the moment it is
// actually dispatched (guaranteeing the core's current pointer now
// points at it, not idle), then keeps the core for holdFor by spinning
// without entering the scheduler before exiting.
// Tests use this to enqueue other threads as Ready without racing
// against the Go runtime's own goroutine scheduling.
func occupyCore(t *testing.T, s *Scheduler, affinity uint64, holdFor time.Duration) (*Thread, <-chan struct{}) {
	t.Helper()
	started := make(chan struct{})
	th, err := s.CreateThread("occupier", PrioLowest, affinity, func(th *Thread) {
		close(started)
		deadline := time.Now().Add(holdFor)
		for time.Now().Before(deadline) {
		}
	})
	require.NoError(t, err)
	return th, started
}

func TestCreateThreadRejectsInvalidArgs(t *testing.T) {
	s := testScheduler(t, 1)

	_, err := s.CreateThread("nil-fn", PrioHighest, 1, nil)
	assert.Error(t, err)

	_, err = s.CreateThread("bad-prio", 99, 1, func(*Thread) {})
	assert.Error(t, err)

	_, err = s.CreateThread("bad-affinity", PrioHighest, 0, func(*Thread) {})
	assert.Error(t, err)
}

func TestThreadsRunToCompletionInPriorityOrder(t *testing.T) {
	s := testScheduler(t, 1)

	_, started := occupyCore(t, s, 1, 300*time.Millisecond)
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)

	for i := 0; i < 10; i++ {
		id := i
		_, err := s.CreateThread("worker", id, 1, func(th *Thread) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			wg.Done()
		})
		require.NoError(t, err)
	}

	wg.Wait()

	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, order[i-1], order[i], "threads must drain in non-decreasing priority order")
	}
}

func TestYieldKeepsThreadReadyAndRoundRobins(t *testing.T) {
	s := testScheduler(t, 1)

	var mu sync.Mutex
	var seq []string
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)

	_, err := s.CreateThread("a", 5, 1, func(th *Thread) {
		for i := 0; i < 3; i++ {
			mu.Lock()
			seq = append(seq, "a")
			mu.Unlock()
			s.Yield(th)
		}
		wg.Done()
	})
	require.NoError(t, err)

	_, err = s.CreateThread("b", 5, 1, func(th *Thread) {
		for i := 0; i < 3; i++ {
			mu.Lock()
			seq = append(seq, "b")
			mu.Unlock()
			s.Yield(th)
		}
		wg.Done()
	})
	require.NoError(t, err)

	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("threads never completed")
	}

	assert.Len(t, seq, 6)
}

func TestSleepOrdersWakeupByDeadline(t *testing.T) {
	s := testScheduler(t, 1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	durations := []int64{int64(30 * time.Millisecond), int64(10 * time.Millisecond), int64(20 * time.Millisecond)}
	for i, d := range durations {
		id, dur := i, d
		_, err := s.CreateThread("sleeper", PrioHighest, 1, func(th *Thread) {
			s.Sleep(th, dur)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			wg.Done()
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, []int{1, 2, 0}, order, "sleepers must wake in deadline order, not creation order")
}

func TestJoinReturnsExitValueAndRejectsSecondJoiner(t *testing.T) {
	s := testScheduler(t, 2)

	ready := make(chan struct{})
	target, err := s.CreateThread("target", PrioHighest, 3, func(th *Thread) {
		<-ready
		th.SetExitValue(42)
	})
	require.NoError(t, err)

	var got int64
	var joinErr error
	var wg sync.WaitGroup
	wg.Add(1)
	_, err = s.CreateThread("joiner", PrioHighest, 3, func(th *Thread) {
		got, joinErr = s.Join(nil, th, target)
		wg.Done()
	})
	require.NoError(t, err)

	close(ready)
	wg.Wait()
	require.NoError(t, joinErr)
	assert.Equal(t, int64(42), got)

	var secondErr error
	wg.Add(1)
	_, err = s.CreateThread("second-joiner", PrioHighest, 3, func(th *Thread) {
		_, secondErr = s.Join(nil, th, target)
		wg.Done()
	})
	require.NoError(t, err)
	wg.Wait()
	assert.Error(t, secondErr, "a second joiner must be rejected")
}

// TestCheckPreemptYieldsToHigherPriorityReadyThread exercises the
// preemption path end to end: "hog" never calls Yield/Sleep/Block, only
// CheckPreempt in a tight loop, the way a mutex/semaphore safe point
// would. It must still give up the core to "high" once the per-core
// ticker marks needResched, well before hog would otherwise return.
func TestCheckPreemptYieldsToHigherPriorityReadyThread(t *testing.T) {
	s := testScheduler(t, 1)

	highRan := make(chan struct{})
	hogDone := make(chan struct{})

	_, err := s.CreateThread("hog", PrioLowest, 1, func(th *Thread) {
		for i := 0; i < 1_000_000; i++ {
			CheckPreempt(th)
			select {
			case <-highRan:
				close(hogDone)
				return
			default:
			}
		}
		t.Error("hog looped out without ever being preempted for high to run")
		close(hogDone)
	})
	require.NoError(t, err)

	_, err = s.CreateThread("high", PrioHighest, 1, func(th *Thread) {
		close(highRan)
	})
	require.NoError(t, err)

	select {
	case <-hogDone:
	case <-time.After(3 * time.Second):
		t.Fatal("hog thread never yielded to the higher-priority ready thread")
	}
}

func TestUpdatePriorityReordersReadyQueue(t *testing.T) {
	s := testScheduler(t, 1)

	_, started := occupyCore(t, s, 1, 300*time.Millisecond)
	<-started

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)

	low, err := s.CreateThread("low", 20, 1, func(th *Thread) {
		mu.Lock()
		order = append(order, "low")
		mu.Unlock()
		wg.Done()
	})
	require.NoError(t, err)

	_, err = s.CreateThread("high", 5, 1, func(th *Thread) {
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
		wg.Done()
	})
	require.NoError(t, err)

	// Elevate "low" above "high" while both are still Ready, before the
	// occupying thread releases the core.
	s.UpdatePriority(low, 0)

	wg.Wait()
	assert.Equal(t, []string{"low", "high"}, order, "elevated thread must run first")
}
