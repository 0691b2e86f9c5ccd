package sched

import (
	"context"
	"sync/atomic"

	"github.com/dijkstracula/kcore/internal/ktime"
	"github.com/dijkstracula/kcore/kerrors"
	"github.com/dijkstracula/kcore/klog"
)

// Scheduler owns every core's ready/sleep state and its thread-id
// allocator. Callers get one from New; nothing here is tied to
// goroutine-local storage. It has no teardown method: each core's
// ticker and idle goroutines run for the life of the process.
type Scheduler struct {
	cores  []*Core
	nextID atomic.Uint64
	log    klog.Logger
}

// New constructs a Scheduler with numCores simulated cores, each with
// its own pinned idle thread.
func New(numCores int, log klog.Logger) (*Scheduler, error) {
	if numCores <= 0 || numCores > 64 {
		return nil, kerrors.New("sched.New", kerrors.InvalidValue)
	}
	s := &Scheduler{log: log}
	s.cores = make([]*Core, numCores)
	for i := 0; i < numCores; i++ {
		s.cores[i] = newCore(i, log)
		s.cores[i].idle = s.newIdleThread(s.cores[i])
		go s.cores[i].runTicker()
	}
	return s, nil
}

// NumCores returns the number of simulated cores.
func (s *Scheduler) NumCores() int { return len(s.cores) }

// Core returns the core with the given id.
func (s *Scheduler) Core(id int) *Core {
	if id < 0 || id >= len(s.cores) {
		return nil
	}
	return s.cores[id]
}

func (s *Scheduler) newIdleThread(core *Core) *Thread {
	th := &Thread{
		ID:       s.nextID.Add(1),
		Name:     "idle",
		affinity: bitForCore(core.id),
		core:     core,
		sched:    s,
		resumeCh: make(chan struct{}, 1),
	}
	th.basePrio.Store(PrioIdle)
	th.effPrio.Store(PrioIdle)
	th.setState(StateRunning) // idle "runs" until a real thread preempts it
	core.current = th
	go func() {
		for {
			core.halt()
			core.schedule(th)
		}
	}()
	return th
}

// CreateThread allocates a thread running fn, picking the
// affinity-permitted core with the fewest ready threads (ties broken
// by lowest core id), per §4.3.
func (s *Scheduler) CreateThread(name string, basePrio int, affinity uint64, fn func(*Thread)) (*Thread, error) {
	if fn == nil {
		return nil, kerrors.New("sched.CreateThread", kerrors.NullArgument)
	}
	if !ValidPriority(basePrio) {
		return nil, kerrors.New("sched.CreateThread", kerrors.InvalidValue)
	}
	if affinity == 0 {
		return nil, kerrors.New("sched.CreateThread", kerrors.InvalidValue)
	}

	core := s.pickInitialCore(affinity)
	if core == nil {
		return nil, kerrors.New("sched.CreateThread", kerrors.InvalidValue)
	}

	th := &Thread{
		ID:       s.nextID.Add(1),
		Name:     name,
		affinity: affinity,
		core:     core,
		sched:    s,
		resumeCh: make(chan struct{}, 1),
		fn:       fn,
	}
	th.basePrio.Store(int32(basePrio))
	th.effPrio.Store(int32(basePrio))

	go s.runThread(th)

	saved := core.sec.Enter()
	core.lock.Lock(core.id)
	core.enqueueReadyLocked(th, basePrio)
	core.lock.Unlock()
	core.sec.Exit(saved)

	if core.current == core.idle {
		core.wakeIdleSoon()
	}

	s.log.WithThread(th.ID, th.Name).Info().Int("base_priority", basePrio).Msg("thread created")
	return th, nil
}

func (s *Scheduler) pickInitialCore(affinity uint64) *Core {
	var best *Core
	bestCount := -1
	for _, c := range s.cores {
		if affinity&bitForCore(c.id) == 0 {
			continue
		}
		n := c.ReadyCount()
		if best == nil || n < bestCount {
			best = c
			bestCount = n
		}
	}
	return best
}

func (s *Scheduler) runThread(th *Thread) {
	<-th.resumeCh // park until first dispatched
	th.fn(th)
	s.exitThread(th)
}

func (s *Scheduler) exitThread(th *Thread) {
	th.setState(StateZombie)
	s.log.WithThread(th.ID, th.Name).Info().Msg("thread exiting")

	core := th.core
	core.schedule(th) // dispatches the next thread; does not block for a zombie caller

	if joiner := th.joinWaiter.Load(); joiner != nil && th.joinWaiter.CompareAndSwap(joiner, nil) {
		s.WakeWaiting(joiner, WakeSignalled)
	}
}

// SetExitValue records the value a joiner of th receives. It only
// stores the value; the transition to StateZombie and the joiner
// wakeup happen when th's body returns, in CreateThread's wrapper.
func (th *Thread) SetExitValue(v int64) { th.exitValue.Store(v) }

// Block suspends the calling thread until some other thread calls
// WakeWaiting on it. The caller must already have enlisted th on the
// relevant wait queue and transitioned it to StateWaiting (via
// Thread.BeginWait) before calling — Block itself only drives the
// dispatch handoff, per the suspension-point list of §5.
func Block(th *Thread) {
	th.core.schedule(th)
}

// CheckPreempt is the voluntary half of preemption (§5): a running
// thread calls this at a safe point — a mutex/semaphore operation
// reaching back into the kernel — and, if its core's needResched flag
// is set (by the per-core timer tick, or by WakeWaiting's cross-core
// "more urgent" signal), gives up the CPU immediately instead of
// continuing to run while a higher-priority thread is ready. Neither
// signal source ever forces a suspension directly; this is the only
// place that turns the flag into an actual re-entry into dispatch.
func CheckPreempt(th *Thread) {
	th.core.checkPreempt(th)
}

// Yield gives up the remaining portion of the calling thread's time
// slice without blocking it: it stays READY and is requeued at the
// tail of its priority level (round robin within a level, §4.3 step
// 2). Sleep(0) in the public API is expressed as Yield.
func (s *Scheduler) Yield(th *Thread) {
	th.setState(StateReady)
	th.core.schedule(th)
}

// Sleep parks th for ns nanoseconds, until the deadline
// ktime.NowNS()+ns has passed, or immediately yields if ns <= 0 per §4.3.
func (s *Scheduler) Sleep(th *Thread, ns int64) {
	if ns <= 0 {
		s.Yield(th)
		return
	}
	core := th.core
	deadline := ktime.NowNS() + ns

	saved := core.sec.Enter()
	core.lock.Lock(core.id)
	core.enqueueSleepLocked(th, deadline)
	core.lock.Unlock()
	core.sec.Exit(saved)

	core.schedule(th)
}

// WakeWaiting moves th from StateWaiting back onto its core's ready
// set, stamping reason for it to observe on resume, and nudges the
// core to reschedule soon if th is now more urgent than whatever is
// running there. The caller (internal/futex, or a mutex/semaphore
// directly) must have already removed th from whatever primitive-level
// wait queue it was enlisted on.
func (s *Scheduler) WakeWaiting(th *Thread, reason WakeReason) {
	core := th.core
	th.SetWakeReason(reason)
	th.EndWait()

	saved := core.sec.Enter()
	core.lock.Lock(core.id)
	core.enqueueReadyLocked(th, th.EffectivePriority())
	wasIdle := core.current == core.idle
	moreUrgent := core.current != nil && th.EffectivePriority() < core.current.EffectivePriority()
	if moreUrgent {
		core.requestReschedLocked()
	}
	core.lock.Unlock()
	core.sec.Exit(saved)

	if wasIdle || moreUrgent {
		core.wakeIdleSoon()
	}
}

// UpdatePriority implements §4.3's priority-update algorithm.
func (s *Scheduler) UpdatePriority(th *Thread, newEff int) {
	core := th.core
	saved := core.sec.Enter()
	core.lock.Lock(core.id)
	defer func() {
		core.lock.Unlock()
		core.sec.Exit(saved)
	}()

	oldEff := th.EffectivePriority()
	if oldEff == newEff {
		return
	}

	switch th.State() {
	case StateReady:
		core.removeReadyLocked(th, oldEff)
		th.effPrio.Store(int32(newEff))
		core.enqueueReadyLocked(th, newEff)
		if core.moreUrgentReadyThan(core.current.EffectivePriority()) {
			core.requestReschedLocked()
		}
	case StateWaiting:
		th.effPrio.Store(int32(newEff))
		if th.waitQueue != nil && th.waitNode != nil {
			th.waitQueue.Remove(th.waitNode, false)
			th.waitQueue.PushPriority(th.waitNode, int64(newEff))
		}
	case StateRunning:
		th.effPrio.Store(int32(newEff))
		if core.moreUrgentReadyThan(newEff) {
			core.requestReschedLocked()
		}
	default: // Sleeping, Zombie: no queue reordering, just record the value.
		th.effPrio.Store(int32(newEff))
	}
}

// Join blocks the calling thread until target exits, returning its
// exit value. Exactly one joiner per thread is permitted; a second
// attempt returns kerrors.InvalidValue ("already-joined"). ctx layers
// cancellation on top of what is otherwise an untimed wait, per §5's
// "a timed wait can be layered by combining sleep with a cancelling
// wake" — here the cancelling wake is ctx.Done() rather than a
// handle-based futex wake, since a join has no handle of its own.
func (s *Scheduler) Join(ctx context.Context, caller *Thread, target *Thread) (int64, error) {
	if target == nil {
		return 0, kerrors.New("sched.Join", kerrors.NullArgument)
	}
	// joinTaken is claimed exactly once, permanently, regardless of
	// whether this join has since completed and cleared joinWaiter —
	// that pointer only ever tracks who is currently outstanding, so it
	// cannot by itself reject a second joiner arriving after the first
	// has already been woken.
	if !target.joinTaken.CompareAndSwap(false, true) {
		return 0, kerrors.New("sched.Join", kerrors.InvalidValue)
	}
	target.joinWaiter.Store(caller)

	if target.State() == StateZombie {
		target.joinWaiter.Store(nil)
		return target.exitValue.Load(), nil
	}

	caller.waitReason.Store(int32(WaitJoin))
	caller.setState(StateWaiting)

	if ctx != nil && ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				if target.joinWaiter.CompareAndSwap(caller, nil) {
					s.WakeWaiting(caller, WakeCancelled)
				}
			case <-done:
			}
		}()
	}

	core := caller.core
	core.schedule(caller)

	if caller.TakeWakeReason() == WakeCancelled {
		if ctx != nil {
			return 0, ctx.Err()
		}
		return 0, kerrors.New("sched.Join", kerrors.Cancelled)
	}
	return target.exitValue.Load(), nil
}

// ReadyQueueContains is a test/debug helper reporting whether th is
// currently enlisted on its core's ready set — used to assert the
// scheduler invariant of §8 ("For every thread t in state READY: t
// appears in exactly one ready queue...").
func ReadyQueueContains(th *Thread) bool {
	core := th.core
	saved := core.sec.Enter()
	core.lock.Lock(core.id)
	defer func() {
		core.lock.Unlock()
		core.sec.Exit(saved)
	}()
	return th.readyNode.Enlisted() && th.readyNode.Queue() == &core.ready[th.EffectivePriority()]
}
