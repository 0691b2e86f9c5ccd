// Package ksync implements the synchronization primitives layered on
// top of the futex table: the counting semaphore (component E) and the
// recursive, priority-inheriting mutex (component F). Both are built
// the same way the futex table's own callers are described in §4.4:
// check an integer piece of state under a spinlock, and only fall
// through to a blocking futex wait when the check fails.
package ksync

import (
	"unsafe"

	"github.com/dijkstracula/kcore/internal/futex"
	"github.com/dijkstracula/kcore/internal/irq"
	"github.com/dijkstracula/kcore/internal/sched"
	"github.com/dijkstracula/kcore/kerrors"
	"github.com/dijkstracula/kcore/klog"
)

// Discipline selects the wait-queue order a primitive uses when more
// than one thread is blocked on it.
type Discipline = sched.Discipline

const (
	FIFO          = sched.FIFO
	PriorityOrder = sched.PriorityOrder
)

// Semaphore is a counting semaphore over the futex table (§4.5).
type Semaphore struct {
	count     int32
	alive     bool
	discipline Discipline
	waiters   int
	sec       *irq.Section
	lock      *irq.SpinLock
	futex     *futex.Table
	log       klog.Logger
}

// NewSemaphore constructs a semaphore starting at initial count, using
// table as its backing futex table.
func NewSemaphore(table *futex.Table, initial int32, discipline Discipline, log klog.Logger) *Semaphore {
	return &Semaphore{
		count:      initial,
		alive:      true,
		discipline: discipline,
		sec:        irq.NewSection(),
		lock:       irq.NewSpinLock(),
		futex:      table,
		log:        log,
	}
}

func (s *Semaphore) handle() unsafe.Pointer { return unsafe.Pointer(&s.count) }

// Handle returns the futex key this semaphore is enlisted under, for
// diagnostics and tests that need to query the futex table directly
// (e.g. Table.Contains) from outside this package.
func (s *Semaphore) Handle() unsafe.Pointer { return s.handle() }

func (s *Semaphore) countSnapshot() int32 {
	saved := s.sec.Enter()
	s.lock.Lock(0)
	v := s.count
	s.lock.Unlock()
	s.sec.Exit(saved)
	return v
}

func (s *Semaphore) isAlive() bool {
	saved := s.sec.Enter()
	s.lock.Lock(0)
	v := s.alive
	s.lock.Unlock()
	s.sec.Exit(saved)
	return v
}

// Post increments count and, if anyone is waiting, wakes one of them
// via the futex, keyed on &count (§4.5).
func (s *Semaphore) Post(caller *sched.Thread) {
	sched.CheckPreempt(caller)

	saved := s.sec.Enter()
	s.lock.Lock(int(caller.ID))
	s.count++
	hasWaiters := s.waiters > 0
	s.lock.Unlock()
	s.sec.Exit(saved)

	if hasWaiters {
		s.futex.Wake(s.handle(), s.countSnapshot, 1, caller)
	}
}

// Wait blocks until count > 0, then decrements it. It loops on
// spurious wakes and retries on cancellation; a DESTROYED wake reason
// surfaces as kerrors.Destroyed.
func (s *Semaphore) Wait(th *sched.Thread) error {
	for {
		sched.CheckPreempt(th)

		saved := s.sec.Enter()
		s.lock.Lock(int(th.ID))
		if s.count > 0 {
			s.count--
			s.lock.Unlock()
			s.sec.Exit(saved)
			return nil
		}
		if !s.alive {
			s.lock.Unlock()
			s.sec.Exit(saved)
			return kerrors.New("semaphore.Wait", kerrors.Destroyed)
		}
		s.waiters++
		s.lock.Unlock()
		s.sec.Exit(saved)

		reason, err := s.futex.Wait(s.handle(), s.countSnapshot, 0, s.isAlive, s.discipline, int64(th.EffectivePriority()), th)

		saved = s.sec.Enter()
		s.lock.Lock(int(th.ID))
		s.waiters--
		s.lock.Unlock()
		s.sec.Exit(saved)

		if err != nil {
			return err
		}
		if reason == futex.Destroyed {
			return kerrors.New("semaphore.Wait", kerrors.Destroyed)
		}
		// NotBlocked, Wake, or Cancelled: recheck count and retry.
	}
}

// TryWait is the non-blocking form of Wait: it returns
// kerrors.Blocked if count is not currently positive.
func (s *Semaphore) TryWait(th *sched.Thread) error {
	saved := s.sec.Enter()
	s.lock.Lock(int(th.ID))
	defer func() {
		s.lock.Unlock()
		s.sec.Exit(saved)
	}()
	if s.count <= 0 {
		return kerrors.New("semaphore.TryWait", kerrors.Blocked)
	}
	s.count--
	return nil
}

// Destroy marks the semaphore dead and wakes every waiter, which
// observe kerrors.Destroyed from Wait.
func (s *Semaphore) Destroy(caller *sched.Thread) {
	saved := s.sec.Enter()
	s.lock.Lock(int(caller.ID))
	s.alive = false
	s.lock.Unlock()
	s.sec.Exit(saved)

	s.futex.WakeAll(s.handle(), sched.WakeDestroyed, caller)
}

// Count returns a snapshot of the current count, for tests and
// diagnostics only.
func (s *Semaphore) Count() int32 { return s.countSnapshot() }
