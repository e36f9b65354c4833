// Package sync provides the kernel's synchronization primitives. Each shared
// subsystem table owns exactly one lock; on a single CPU contention only
// arises between an interrupt handler and the code it preempted. IRQSpinlock
// masks interrupts around its critical section; the subsystem tables are
// guarded by the plain Spinlock.
package sync

import (
	"sync/atomic"

	"hikos/kernel/cpu"
)

// Spinlock implements a test-and-set lock where a task trying to acquire it
// busy-waits until the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock is held by the caller. Re-acquiring a lock
// already held by the current task deadlocks.
func (l *Spinlock) Acquire() {
	for atomic.SwapUint32(&l.state, 1) != 0 {
	}
}

// TryToAcquire attempts to acquire the lock and returns true on success.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock. Releasing a free lock has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock is a Spinlock that masks interrupts for the duration of the
// critical section so that an interrupt handler can never spin against the
// code it preempted.
type IRQSpinlock struct {
	Spinlock
}

// Acquire masks interrupts and takes the lock.
func (l *IRQSpinlock) Acquire() {
	cpu.DisableInterrupts()
	l.Spinlock.Acquire()
}

// Release drops the lock and unmasks interrupts.
func (l *IRQSpinlock) Release() {
	l.Spinlock.Release()
	cpu.EnableInterrupts()
}
