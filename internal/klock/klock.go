// Package klock provides the two lock classes used by the kernel core.
//
// A SpinLock guards short critical sections (list surgery, counter updates)
// and must never be held across a blocking operation. A SleepLock may be held
// across device I/O; waiters are parked instead of spinning.
package klock

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// SpinLock is a test-and-set lock. The holder must not block.
type SpinLock struct {
	name   string
	locked atomic.Bool
}

// NewSpinLock returns an unlocked spin lock with the given debug name.
func NewSpinLock(name string) *SpinLock {
	return &SpinLock{name: name}
}

// Name returns the debug name given at construction.
func (l *SpinLock) Name() string { return l.name }

// Lock spins until the lock is acquired.
func (l *SpinLock) Lock() {
	for !l.locked.CompareAndSwap(false, true) {
		// Let the holder make progress when there are fewer Ps than spinners.
		runtime.Gosched()
	}
}

// Unlock releases the lock. Releasing an unheld lock is fatal.
func (l *SpinLock) Unlock() {
	if !l.locked.CompareAndSwap(true, false) {
		panic("release " + l.name + ": not held")
	}
}

// Holding reports whether the lock is currently held by anyone.
func (l *SpinLock) Holding() bool {
	return l.locked.Load()
}

// SleepLock is a blocking lock that may be held across I/O.
type SleepLock struct {
	name   string
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool
}

// NewSleepLock returns an unlocked sleep lock with the given debug name.
func NewSleepLock(name string) *SleepLock {
	l := &SleepLock{name: name}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock parks the caller until the lock is free, then takes it.
func (l *SleepLock) Lock() {
	l.mu.Lock()
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.mu.Unlock()
}

// Unlock releases the lock and wakes one waiter. Releasing an unheld lock is fatal.
func (l *SleepLock) Unlock() {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		panic("releasesleep " + l.name + ": not held")
	}
	l.locked = false
	l.mu.Unlock()
	l.cond.Signal()
}

// Holding reports whether the lock is held. Go has no goroutine identity, so
// this cannot tell which holder owns it; callers use it to catch use of an
// unlocked buffer.
func (l *SleepLock) Holding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}
