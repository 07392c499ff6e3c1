// Package hosttimer provides deadline timers whose expiry callbacks run on a
// chosen host CPU.
//
// Emulated guest timers (the local APIC timer, the PIT) want their callbacks
// on the core the owning vCPU runs on. When the vCPU moves, the owner calls
// Migrate and the pending deadline is re-armed on the new core.
package hosttimer

import (
	"sync"
	"time"
)

// AnyCPU leaves the callback unbound.
const AnyCPU = -1

// Handle is a scheduled callback.
type Handle interface {
	// Stop prevents the callback from running. It reports whether the
	// callback was still pending.
	Stop() bool
}

// Scheduler runs callbacks after a delay on a given host CPU.
type Scheduler interface {
	Now() time.Time
	AfterFunc(cpu int, d time.Duration, fn func()) Handle
}

// Timer is a one-shot or periodic deadline timer bound to one host CPU.
type Timer struct {
	mu sync.Mutex

	sched Scheduler
	fn    func()

	cpu      int
	deadline time.Time
	period   time.Duration
	armed    bool

	// gen invalidates callbacks that raced with Cancel or Migrate.
	gen    uint64
	handle Handle
}

// New returns a disarmed timer that calls fn on expiry. fn runs without the
// timer's lock held and may re-arm the timer.
func New(sched Scheduler, fn func()) *Timer {
	return &Timer{
		sched: sched,
		fn:    fn,
		cpu:   AnyCPU,
	}
}

// Arm schedules the timer at deadline on cpu. A positive period makes the
// timer periodic; each expiry advances the deadline by one period.
func (t *Timer) Arm(cpu int, deadline time.Time, period time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.cpu = cpu
	t.deadline = deadline
	t.period = period
	t.armed = true
	t.startLocked()
}

// Cancel disarms the timer and reports whether an expiry was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return false
	}
	t.stopLocked()
	t.armed = false
	return true
}

// Migrate moves a pending expiry to cpu, keeping its deadline. Timers that
// are disarmed or already bound to cpu are left alone, so repeated calls
// have no further effect.
func (t *Timer) Migrate(cpu int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		t.cpu = cpu
		return
	}
	if t.cpu == cpu {
		return
	}
	t.stopLocked()
	t.cpu = cpu
	t.startLocked()
}

// CPU returns the host CPU the timer is bound to.
func (t *Timer) CPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpu
}

// Deadline returns the pending deadline, if armed.
func (t *Timer) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline, t.armed
}

// Period returns the reload period, zero for one-shot timers.
func (t *Timer) Period() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.period
}

func (t *Timer) startLocked() {
	t.gen++
	gen := t.gen
	delay := t.deadline.Sub(t.sched.Now())
	if delay < 0 {
		delay = 0
	}
	t.handle = t.sched.AfterFunc(t.cpu, delay, func() { t.expire(gen) })
}

func (t *Timer) stopLocked() {
	t.gen++
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if !t.armed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	if t.period > 0 {
		t.deadline = t.deadline.Add(t.period)
		t.startLocked()
	} else {
		t.armed = false
		t.handle = nil
	}
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}
