// Package lapic models the per-vCPU local APIC: the 256-bit request and
// in-service registers, task priority, the LINT0 vector table entry and the
// APIC timer.
//
// Register access is by method rather than MMIO. The model implements the
// query and acknowledge operations an interrupt arbiter needs; anything
// beyond that (IPIs, logical destination, x2APIC) is left out.
package lapic

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/irqcore/internal/hosttimer"
	"github.com/tinyrange/irqcore/internal/hv"
)

// LVT bits shared by LVT0 and the LVT timer entry.
const (
	LVTVectorMask       uint32 = 0xff
	LVTDeliveryModeMask uint32 = 0x7 << 8
	LVTDeliveryExtINT   uint32 = 0x7 << 8
	LVTLevelTriggered   uint32 = 1 << 15
	LVTMasked           uint32 = 1 << 16
	LVTTimerPeriodic    uint32 = 1 << 17
)

// LVTVirtualWire programs LINT0 the way firmware does for the boot CPU:
// unmasked, ExtINT delivery, so the PIC output reaches the processor.
const LVTVirtualWire = LVTDeliveryExtINT

// firstValidVector is the lowest vector an APIC accepts; 0-15 are reserved.
const firstValidVector = 16

const defaultTimerTick = 10 * time.Nanosecond

// EOIBroadcaster receives the vector of level-triggered interrupts the
// guest has EOI'd.
type EOIBroadcaster interface {
	BroadcastEOI(vector uint8)
}

type vectorSet [4]uint64

func (s *vectorSet) set(v uint8)      { s[v>>6] |= 1 << (v & 63) }
func (s *vectorSet) clear(v uint8)    { s[v>>6] &^= 1 << (v & 63) }
func (s *vectorSet) has(v uint8) bool { return s[v>>6]&(1<<(v&63)) != 0 }

func (s *vectorSet) highest() (uint8, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 0 {
			return uint8(i*64 + bits.Len64(s[i]) - 1), true
		}
	}
	return 0, false
}

func (s *vectorSet) list() []uint8 {
	var out []uint8
	for i, word := range s {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			out = append(out, uint8(i*64+bit))
			word &^= 1 << bit
		}
	}
	return out
}

// LocalAPIC is one vCPU's local interrupt controller.
type LocalAPIC struct {
	mu sync.Mutex

	id uint8

	irr vectorSet
	isr vectorSet
	tmr vectorSet

	tpr       uint8
	lvt0      uint32
	lvtTimer  uint32
	divide    uint32
	initial   uint32
	hwEnabled bool

	sched   hosttimer.Scheduler
	owned   *hosttimer.CoreScheduler
	timer   *hosttimer.Timer
	tick    time.Duration
	hostCPU int

	// timerPending counts expiries not yet queued into IRR. It is written
	// from host timer callbacks.
	timerPending atomic.Int32

	eoi  EOIBroadcaster
	kick func()
	log  *slog.Logger
}

// Option configures a LocalAPIC.
type Option func(*LocalAPIC)

// WithScheduler sets the scheduler backing the APIC timer.
func WithScheduler(s hosttimer.Scheduler) Option {
	return func(a *LocalAPIC) {
		if s != nil {
			a.sched = s
		}
	}
}

// WithTimerTick sets the duration of one timer count at divide-by-1.
func WithTimerTick(d time.Duration) Option {
	return func(a *LocalAPIC) {
		if d > 0 {
			a.tick = d
		}
	}
}

// WithEOIBroadcaster sets where level-triggered EOIs are forwarded.
func WithEOIBroadcaster(b EOIBroadcaster) Option {
	return func(a *LocalAPIC) { a.eoi = b }
}

// WithKick installs a callback run whenever a new interrupt becomes
// pending, used to wake the owning vCPU.
func WithKick(fn func()) Option {
	return func(a *LocalAPIC) { a.kick = fn }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *LocalAPIC) {
		if log != nil {
			a.log = log
		}
	}
}

// New returns a hardware-enabled local APIC in its reset state: LVT
// entries masked, TPR zero, timer disarmed.
func New(id uint8, opts ...Option) *LocalAPIC {
	a := &LocalAPIC{
		id:        id,
		lvt0:      LVTMasked,
		lvtTimer:  LVTMasked,
		divide:    2,
		hwEnabled: true,
		tick:      defaultTimerTick,
		hostCPU:   hosttimer.AnyCPU,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sched == nil {
		a.owned = hosttimer.NewCoreScheduler(a.log)
		a.sched = a.owned
	}
	a.timer = hosttimer.New(a.sched, a.timerExpired)
	return a
}

// ID returns the APIC ID.
func (a *LocalAPIC) ID() uint8 { return a.id }

// Accept latches vector into IRR. Level-triggered vectors are remembered
// in TMR so their EOI is broadcast. Reserved vectors are dropped.
func (a *LocalAPIC) Accept(vector uint8, level bool) {
	if vector < firstValidVector {
		a.log.Warn("lapic: dropping reserved vector", "apic", a.id, "vector", vector)
		return
	}
	a.mu.Lock()
	a.irr.set(vector)
	if level {
		a.tmr.set(vector)
	} else {
		a.tmr.clear(vector)
	}
	kick := a.kick
	a.mu.Unlock()

	if kick != nil {
		kick()
	}
}

// HighestPendingVector returns the highest requested vector that is not
// blocked by the processor priority.
func (a *LocalAPIC) HighestPendingVector() (hv.Vector, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.deliverableLocked()
	return hv.Vector(v), ok
}

// ReadAndAck moves the highest deliverable vector from IRR to ISR and
// returns it.
func (a *LocalAPIC) ReadAndAck() (hv.Vector, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.deliverableLocked()
	if !ok {
		return 0, false
	}
	a.irr.clear(v)
	a.isr.set(v)
	return hv.Vector(v), true
}

func (a *LocalAPIC) deliverableLocked() (uint8, bool) {
	if !a.hwEnabled {
		return 0, false
	}
	v, ok := a.irr.highest()
	if !ok {
		return 0, false
	}
	if v&0xf0 <= a.pprLocked() {
		return 0, false
	}
	return v, true
}

// pprLocked is the processor priority: TPR, or the class of the highest
// in-service vector if that is higher.
func (a *LocalAPIC) pprLocked() uint8 {
	isrv, _ := a.isr.highest()
	if a.tpr&0xf0 >= isrv&0xf0 {
		return a.tpr
	}
	return isrv & 0xf0
}

// EOI retires the highest in-service vector. Level-triggered vectors are
// broadcast so the IOAPIC can clear remote IRR.
func (a *LocalAPIC) EOI() (hv.Vector, bool) {
	a.mu.Lock()
	v, ok := a.isr.highest()
	if !ok {
		a.mu.Unlock()
		return 0, false
	}
	a.isr.clear(v)
	level := a.tmr.has(v)
	eoi := a.eoi
	a.mu.Unlock()

	if level && eoi != nil {
		eoi.BroadcastEOI(v)
	}
	return hv.Vector(v), true
}

// SetTPR writes the task priority register.
func (a *LocalAPIC) SetTPR(tpr uint8) {
	a.mu.Lock()
	a.tpr = tpr
	a.mu.Unlock()
}

// SetHardwareEnabled sets the global enable bit of IA32_APIC_BASE.
func (a *LocalAPIC) SetHardwareEnabled(enabled bool) {
	a.mu.Lock()
	a.hwEnabled = enabled
	a.mu.Unlock()
}

// SetLVT0 writes the LINT0 vector table entry.
func (a *LocalAPIC) SetLVT0(v uint32) {
	a.mu.Lock()
	a.lvt0 = v
	a.mu.Unlock()
}

// AcceptsExtInt reports whether an interrupt from the legacy PIC can reach
// this processor: either the APIC is hardware-disabled, so INTR is wired
// straight through, or LINT0 is unmasked in ExtINT mode.
func (a *LocalAPIC) AcceptsExtInt() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hwEnabled {
		return true
	}
	return a.lvt0&LVTMasked == 0 && a.lvt0&LVTDeliveryModeMask == LVTDeliveryExtINT
}

// SetLVTTimer writes the timer vector table entry. Switching between
// one-shot and periodic restarts a running count.
func (a *LocalAPIC) SetLVTTimer(v uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	restart := (a.lvtTimer^v)&LVTTimerPeriodic != 0
	a.lvtTimer = v
	if restart && a.initial != 0 {
		a.startTimerLocked()
	}
}

// SetTimerDivide sets the timer clock divisor. It must be a power of two
// between 1 and 128.
func (a *LocalAPIC) SetTimerDivide(divisor uint32) error {
	if divisor == 0 || divisor > 128 || divisor&(divisor-1) != 0 {
		return fmt.Errorf("lapic: invalid timer divisor %d", divisor)
	}
	a.mu.Lock()
	a.divide = divisor
	a.mu.Unlock()
	return nil
}

// SetInitialCount starts the timer. A zero count stops it.
func (a *LocalAPIC) SetInitialCount(count uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initial = count
	if count == 0 {
		a.timer.Cancel()
		return
	}
	a.startTimerLocked()
}

func (a *LocalAPIC) startTimerLocked() {
	period := time.Duration(a.initial) * time.Duration(a.divide) * a.tick
	deadline := a.sched.Now().Add(period)
	if a.lvtTimer&LVTTimerPeriodic != 0 {
		a.timer.Arm(a.hostCPU, deadline, period)
	} else {
		a.timer.Arm(a.hostCPU, deadline, 0)
	}
	a.log.Debug("lapic: timer armed",
		"apic", a.id,
		"deadline", deadline,
		"periodic", a.lvtTimer&LVTTimerPeriodic != 0,
		"cpu", a.hostCPU,
	)
}

func (a *LocalAPIC) timerExpired() {
	a.timerPending.Add(1)
	if a.kick != nil {
		a.kick()
	}
}

// TimerDue reports whether an expiry is waiting to be queued.
func (a *LocalAPIC) TimerDue() bool {
	return a.timerPending.Load() > 0
}

// QueueTimerInterrupt turns outstanding timer expiries into one request
// for the LVT timer vector. Expiries while the entry is masked are dropped.
func (a *LocalAPIC) QueueTimerInterrupt() {
	if a.timerPending.Swap(0) <= 0 {
		return
	}
	a.mu.Lock()
	lvt := a.lvtTimer
	if lvt&LVTMasked == 0 && uint8(lvt&LVTVectorMask) >= firstValidVector {
		v := uint8(lvt & LVTVectorMask)
		a.irr.set(v)
		a.tmr.clear(v)
	}
	a.mu.Unlock()
}

// Migrate rebinds the timer's expiry callback to hostCPU, keeping the
// pending deadline.
func (a *LocalAPIC) Migrate(hostCPU int) {
	a.mu.Lock()
	a.hostCPU = hostCPU
	a.mu.Unlock()
	a.timer.Migrate(hostCPU)
}

// TimerDeadline returns the armed deadline and the host CPU it fires on.
func (a *LocalAPIC) TimerDeadline() (time.Time, int, bool) {
	deadline, armed := a.timer.Deadline()
	return deadline, a.timer.CPU(), armed
}

// Stop disarms the timer. A scheduler the APIC created for itself is
// closed; one passed with WithScheduler is left to its owner.
func (a *LocalAPIC) Stop() {
	a.timer.Cancel()
	if a.owned != nil {
		a.owned.Close()
	}
}

// State is a snapshot of the architecturally visible registers.
type State struct {
	ID           uint8
	Enabled      bool
	TPR          uint8
	PPR          uint8
	IRR          []uint8
	ISR          []uint8
	LVT0         uint32
	LVTTimer     uint32
	TimerPending int32
	HostCPU      int
}

// State captures the current register state.
func (a *LocalAPIC) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		ID:           a.id,
		Enabled:      a.hwEnabled,
		TPR:          a.tpr,
		PPR:          a.pprLocked(),
		IRR:          a.irr.list(),
		ISR:          a.isr.list(),
		LVT0:         a.lvt0,
		LVTTimer:     a.lvtTimer,
		TimerPending: a.timerPending.Load(),
		HostCPU:      a.hostCPU,
	}
}
