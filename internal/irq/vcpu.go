// Package irq decides, each time a vCPU is about to enter the guest,
// whether an interrupt is pending, whether it may be injected now, and
// which vector to deliver.
//
// Sources are arbitrated in a fixed order. With no in-kernel local APIC the
// only source is a vector queued directly on the vCPU. Otherwise ExtINT
// (the split-mode external register, or the PIC output in kernel mode)
// always wins over the local APIC, and the local APIC is consulted last.
//
// Every method except InjectExternal must be called from the vCPU's own
// goroutine. InjectExternal may run concurrently from any goroutine.
package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/irqcore/internal/hv"
)

var (
	// ErrInjectionRejected is returned by InjectExternal when the irqchip
	// mode has no external vector register to write.
	ErrInjectionRejected = errors.New("irq: external injection rejected")
	// ErrAsyncInjectionRejected is returned when an asynchronous injection
	// route is not allowed for the irqchip mode.
	ErrAsyncInjectionRejected = errors.New("irq: async injection not allowed")
	// ErrMissingController is returned by NewVCPU when the mode needs a
	// controller the config does not provide.
	ErrMissingController = errors.New("irq: missing controller")
)

// LegacyController is the in-kernel PIC as seen from one vCPU.
type LegacyController interface {
	// OutputAsserted reports whether the INT output line is high.
	OutputAsserted() bool
	// ReadAndAck runs an acknowledge cycle and returns the vector.
	ReadAndAck() hv.Vector
}

// MigratableTimer is a timer whose expiry runs on a chosen host CPU.
type MigratableTimer interface {
	Migrate(hostCPU int)
}

// LocalController is the vCPU's in-kernel local APIC.
type LocalController interface {
	// AcceptsExtInt reports whether LINT0 lets PIC interrupts through.
	AcceptsExtInt() bool
	HighestPendingVector() (hv.Vector, bool)
	// ReadAndAck moves the highest pending vector from IRR to ISR.
	ReadAndAck() (hv.Vector, bool)
	TimerDue() bool
	QueueTimerInterrupt()
	MigratableTimer
}

// Config describes one vCPU's view of the machine. Mode and Acceleration
// are captured at construction and never change.
type Config struct {
	ID           int
	Mode         hv.IRQChipMode
	Acceleration hv.Acceleration

	// Local is required when Mode keeps the local APIC in the kernel.
	Local LocalController
	// Legacy is required for hv.IRQChipKernel.
	Legacy LegacyController

	// PlatformTimer is the PIT. It follows the boot vCPU only.
	PlatformTimer MigratableTimer
	// Vendor is an optional implementation-specific timer, such as a
	// preemption timer emulated in software.
	Vendor MigratableTimer

	Metrics *Metrics
	Logger  *slog.Logger
}

// VCPU holds the interrupt arbitration state of one virtual CPU.
type VCPU struct {
	id     int
	mode   hv.IRQChipMode
	accel  hv.Acceleration
	local  LocalController
	legacy LegacyController

	platformTimer MigratableTimer
	vendor        MigratableTimer

	injected InjectedInterrupt
	// pendingExternal is the split-mode ExtINT register; -1 when empty.
	pendingExternal atomic.Int32
	nested          bool
	hostCPU         int

	events  chan struct{}
	metrics *Metrics
	log     *slog.Logger
}

// NewVCPU validates cfg against its irqchip mode and returns a vCPU with
// nothing pending.
func NewVCPU(cfg Config) (*VCPU, error) {
	switch cfg.Mode {
	case hv.IRQChipNone, hv.IRQChipSplit, hv.IRQChipKernel:
	default:
		return nil, fmt.Errorf("irq: vcpu %d: %w: %v", cfg.ID, hv.ErrInvalidIRQChipMode, cfg.Mode)
	}
	if cfg.Mode.LAPICInKernel() && cfg.Local == nil {
		return nil, fmt.Errorf("irq: vcpu %d: %w: mode %s needs a local APIC", cfg.ID, ErrMissingController, cfg.Mode)
	}
	if cfg.Mode.FullyInKernel() && cfg.Legacy == nil {
		return nil, fmt.Errorf("irq: vcpu %d: %w: mode %s needs a PIC", cfg.ID, ErrMissingController, cfg.Mode)
	}
	if cfg.Acceleration.APICVirtualization && !cfg.Mode.LAPICInKernel() {
		return nil, fmt.Errorf("irq: vcpu %d: APIC virtualization requires an in-kernel local APIC", cfg.ID)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	v := &VCPU{
		id:            cfg.ID,
		mode:          cfg.Mode,
		accel:         cfg.Acceleration,
		local:         cfg.Local,
		legacy:        cfg.Legacy,
		platformTimer: cfg.PlatformTimer,
		vendor:        cfg.Vendor,
		hostCPU:       -1,
		events:        make(chan struct{}, 1),
		metrics:       cfg.Metrics,
		log:           log.With("vcpu", cfg.ID),
	}
	v.pendingExternal.Store(hv.NoVector)
	return v, nil
}

// ID returns the vCPU index.
func (v *VCPU) ID() int { return v.id }

// Mode returns the irqchip mode captured at construction.
func (v *VCPU) Mode() hv.IRQChipMode { return v.mode }

// Events is signalled when something that may need injection arrives from
// another goroutine. It has capacity one; a pending signal absorbs later
// ones.
func (v *VCPU) Events() <-chan struct{} { return v.events }

// Kick signals Events without blocking.
func (v *VCPU) Kick() {
	select {
	case v.events <- struct{}{}:
	default:
	}
}

// EnterNestedGuest marks the vCPU as running an L2 guest. While nested,
// local APIC interrupts are reported as injectable even with APIC
// virtualization, since L1 must observe them to synthesize exits.
func (v *VCPU) EnterNestedGuest() { v.nested = true }

// LeaveNestedGuest returns to L1.
func (v *VCPU) LeaveNestedGuest() { v.nested = false }

// InNestedGuest reports whether an L2 guest is running.
func (v *VCPU) InNestedGuest() bool { return v.nested }
