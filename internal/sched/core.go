package sched

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dijkstracula/kcore/internal/irq"
	"github.com/dijkstracula/kcore/internal/ktime"
	"github.com/dijkstracula/kcore/internal/waitq"
	"github.com/dijkstracula/kcore/klog"
)

// haltQuantum is how long the idle thread "halts" between checking for
// new work. A real CPU would wake instantly on any interrupt; this is
// the cooperative-scheduling stand-in documented in DESIGN.md.
const haltQuantum = 500 * time.Microsecond

// tickQuantum is the simulated per-core timer-interrupt period of
// spec.md:171's "preemption driven by a periodic timer interrupt per
// core". Every tick that finds a real (non-idle) thread running marks
// it for reschedule exactly as requestReschedLocked already does for
// the cross-core "higher-priority thread became ready" case (the
// IPI-equivalent signalled from WakeWaiting) — neither ever forces a
// suspension directly; both only set needResched for checkPreempt to
// observe.
const tickQuantum = 2 * time.Millisecond

// Core is one simulated CPU: a priority-indexed ready set, a
// deadline-ordered sleep queue, and the dispatch loop that binds them,
// guarded by the composite kernel-lock contract of §4.1.
type Core struct {
	id int

	sec  *irq.Section
	lock *irq.SpinLock

	ready       [NumPriorityLevels]waitq.Queue
	readyBitmap uint64
	readyCount  [NumPriorityLevels]int

	sleepQ waitq.Queue

	idle    *Thread
	current *Thread

	needResched bool
	poke        chan struct{}

	log klog.Logger
}

func newCore(id int, log klog.Logger) *Core {
	return &Core{
		id:   id,
		sec:  irq.NewSection(),
		lock: irq.NewSpinLock(),
		poke: make(chan struct{}, 1),
		log:  log.WithCore(id),
	}
}

// ID returns this core's id.
func (c *Core) ID() int { return c.id }

// ReadyCount returns the number of ready (not running, not waiting,
// not sleeping) threads currently queued on this core. Used by
// CreateThread's initial-placement heuristic.
func (c *Core) ReadyCount() int {
	saved := c.sec.Enter()
	c.lock.Lock(c.id)
	n := 0
	for _, v := range c.readyCount {
		n += v
	}
	c.lock.Unlock()
	c.sec.Exit(saved)
	return n
}

// enqueueReadyLocked enlists th on this core's ready set at prio. Must
// be called with the composite kernel lock held.
func (c *Core) enqueueReadyLocked(th *Thread, prio int) {
	th.readyNode = waitq.Node{Payload: th}
	c.ready[prio].PushTail(&th.readyNode)
	c.readyBitmap |= uint64(1) << uint(prio)
	c.readyCount[prio]++
	th.setState(StateReady)
}

func (c *Core) removeReadyLocked(th *Thread, prio int) {
	c.ready[prio].Remove(&th.readyNode, true)
	c.readyCount[prio]--
	if c.ready[prio].Empty() {
		c.readyBitmap &^= uint64(1) << uint(prio)
	}
}

func (c *Core) popHighestReadyLocked() *Thread {
	lvl := lowestSetBit(c.readyBitmap)
	if lvl < 0 {
		return nil
	}
	n := c.ready[lvl].PopHead()
	c.readyCount[lvl]--
	if c.ready[lvl].Empty() {
		c.readyBitmap &^= uint64(1) << uint(lvl)
	}
	return n.Payload.(*Thread)
}

// drainExpiredSleepersLocked moves every thread whose deadline has
// passed from the sleep queue to the ready set, per §4.3 step 1.
func (c *Core) drainExpiredSleepersLocked(now int64) {
	for {
		n := c.sleepQ.PeekHead()
		if n == nil || n.Key > now {
			return
		}
		c.sleepQ.PopHead()
		th := n.Payload.(*Thread)
		c.enqueueReadyLocked(th, th.EffectivePriority())
	}
}

// enqueueSleepLocked enlists th on the sleep queue ordered by
// ascending deadline.
func (c *Core) enqueueSleepLocked(th *Thread, deadline int64) {
	th.readyNode = waitq.Node{Payload: th}
	th.sleepDeadline.Store(deadline)
	th.setState(StateSleeping)
	c.sleepQ.PushPriority(&th.readyNode, deadline)
}

// requestReschedLocked is the local half of "signal this core": it
// marks needResched so the running thread's next call to checkPreempt
// (or the halt loop, if idle is running) re-enters dispatch.
func (c *Core) requestReschedLocked() {
	c.needResched = true
}

// runTicker is this core's timer-interrupt analogue. It never returns;
// one goroutine runs per core for the process's lifetime, mirroring
// the idle thread's own dispatch goroutine (Scheduler.newIdleThread).
func (c *Core) runTicker() {
	t := time.NewTicker(tickQuantum)
	defer t.Stop()
	for range t.C {
		saved := c.sec.Enter()
		c.lock.Lock(c.id)
		if c.current != nil && c.current != c.idle {
			c.requestReschedLocked()
		}
		c.lock.Unlock()
		c.sec.Exit(saved)
	}
}

// checkPreempt is the consultation half of "signal this core": a
// running thread calls this (via the package-level CheckPreempt) at a
// safe point where it is reaching back into the kernel — a mutex or
// semaphore operation — and, if needResched is set for it, gives up
// the CPU immediately instead of continuing to run. Without this call
// needResched is dead state: requestReschedLocked only ever requests a
// resched, because Go gives no safe way to forcibly suspend an
// arbitrary running goroutine the way a real timer or IPI interrupt
// would.
func (c *Core) checkPreempt(th *Thread) {
	saved := c.sec.Enter()
	c.lock.Lock(c.id)
	resched := c.needResched && c.current == th
	c.lock.Unlock()
	c.sec.Exit(saved)

	if !resched {
		return
	}

	if irq.DebugChecked {
		c.log.Trace().Str("dispatch_storm_id", uuid.New().String()).Uint64("thread", th.ID).Msg("involuntary preemption")
	}

	th.setState(StateReady)
	c.schedule(th)
}

// wakeIdleSoon wakes a halted idle thread early instead of waiting out the
// rest of its quantum, shrinking dispatch latency for newly-readied
// work. Non-blocking: a pending poke is enough.
func (c *Core) wakeIdleSoon() {
	select {
	case c.poke <- struct{}{}:
	default:
	}
}

// halt simulates "halt until next interrupt": the idle thread parks
// for at most haltQuantum, or until woken early by wakeIdleSoon.
func (c *Core) halt() {
	t := time.NewTimer(haltQuantum)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.poke:
	}
}

// schedule is the dispatch algorithm of §4.3. caller is the thread
// giving up the CPU; it must already have updated its own State()
// before calling (e.g. to StateWaiting or StateSleeping) if it is not
// to be requeued as a runnable thread.
func (c *Core) schedule(caller *Thread) {
	// spec.md:173: holding a spinlock while suspending is forbidden,
	// checked in debug builds by verifying the saved-flags stack is
	// empty before releasing the CPU. Every resource-level section
	// (mutex, semaphore, futex table/entry) is already balanced before
	// any call reaches here, so the core's own section is the one that
	// must be at depth zero at this point.
	if irq.DebugChecked && c.sec.Depth() != 0 {
		panic(fmt.Sprintf("sched: core %d thread %d suspending with critical section depth %d held", c.id, caller.ID, c.sec.Depth()))
	}

	saved := c.sec.Enter()
	c.lock.Lock(c.id)

	c.drainExpiredSleepersLocked(ktime.NowNS())

	if caller.State() == StateReady {
		c.enqueueReadyLocked(caller, caller.EffectivePriority())
	}

	next := c.popHighestReadyLocked()
	if next == nil {
		next = c.idle
	}

	c.current = next
	next.setState(StateRunning)
	c.needResched = false

	c.lock.Unlock()
	c.sec.Exit(saved)

	if next == caller {
		return
	}

	c.log.Trace().Uint64("next_thread", next.ID).Uint64("prev_thread", caller.ID).Msg("dispatch")
	next.resumeCh <- struct{}{}

	if caller.State() != StateZombie {
		<-caller.resumeCh
	}
}

// moreUrgentReadyThan reports whether some ready thread is strictly
// more urgent than priority eff.
func (c *Core) moreUrgentReadyThan(eff int) bool {
	lvl := lowestSetBit(c.readyBitmap)
	return lvl >= 0 && lvl < eff
}
