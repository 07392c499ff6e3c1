package hv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidIRQChipMode = errors.New("invalid irqchip mode")
	ErrInvalidVCPUCount   = errors.New("invalid vCPU count")
)

// Vector is an interrupt vector delivered to a vCPU.
type Vector uint8

// NoVector is what logs print when no vector was selected.
const NoVector = -1

// LogValue returns the vector as a plain int, or NoVector when ok is false.
func LogValue(v Vector, ok bool) int {
	if !ok {
		return NoVector
	}
	return int(v)
}

// IRQChipMode describes where the interrupt controllers of a virtual machine
// are emulated.
type IRQChipMode uint8

const (
	// IRQChipNone has no in-kernel local APIC. Interrupts are queued
	// directly on the vCPU by the management layer.
	IRQChipNone IRQChipMode = iota
	// IRQChipSplit keeps the local APIC in the kernel while the PIC and
	// IOAPIC live outside it. ExtINT vectors arrive through a single
	// latched register per vCPU.
	IRQChipSplit
	// IRQChipKernel emulates the local APIC, PIC and IOAPIC in the kernel.
	IRQChipKernel
)

func (m IRQChipMode) String() string {
	switch m {
	case IRQChipNone:
		return "none"
	case IRQChipSplit:
		return "split"
	case IRQChipKernel:
		return "kernel"
	default:
		return fmt.Sprintf("IRQChipMode(%d)", uint8(m))
	}
}

// LAPICInKernel reports whether a local APIC is emulated in the kernel.
func (m IRQChipMode) LAPICInKernel() bool {
	return m == IRQChipSplit || m == IRQChipKernel
}

// Split reports whether PIC/IOAPIC routing happens outside the kernel.
func (m IRQChipMode) Split() bool { return m == IRQChipSplit }

// FullyInKernel reports whether every interrupt controller is in the kernel.
func (m IRQChipMode) FullyInKernel() bool { return m == IRQChipKernel }

// ParseIRQChipMode accepts the forms produced by String.
func ParseIRQChipMode(s string) (IRQChipMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off", "":
		return IRQChipNone, nil
	case "split":
		return IRQChipSplit, nil
	case "kernel", "full", "on":
		return IRQChipKernel, nil
	default:
		return IRQChipNone, fmt.Errorf("%w: %q", ErrInvalidIRQChipMode, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m IRQChipMode) MarshalText() ([]byte, error) {
	if m > IRQChipKernel {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIRQChipMode, uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *IRQChipMode) UnmarshalText(text []byte) error {
	mode, err := ParseIRQChipMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Acceleration describes hardware interrupt delivery features of a vCPU.
type Acceleration struct {
	// APICVirtualization means the CPU delivers local APIC interrupts to
	// the guest without the hypervisor's involvement.
	APICVirtualization bool
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times across multiple threads.

	CPUCount() int
	IRQChip() IRQChipMode
	Acceleration() Acceleration
	IOAPICPins() int
}

type SimpleVMConfig struct {
	NumCPUs int
	Mode    IRQChipMode
	APICv   bool
	Pins    int
}

func (c SimpleVMConfig) CPUCount() int        { return c.NumCPUs }
func (c SimpleVMConfig) IRQChip() IRQChipMode { return c.Mode }
func (c SimpleVMConfig) Acceleration() Acceleration {
	return Acceleration{APICVirtualization: c.APICv}
}
func (c SimpleVMConfig) IOAPICPins() int {
	if c.Pins <= 0 {
		return 24
	}
	return c.Pins
}

// Validate checks the configuration for values no machine can be built from.
func (c SimpleVMConfig) Validate() error {
	if c.NumCPUs <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidVCPUCount, c.NumCPUs)
	}
	if c.Mode > IRQChipKernel {
		return fmt.Errorf("%w: %d", ErrInvalidIRQChipMode, uint8(c.Mode))
	}
	if c.APICv && !c.Mode.LAPICInKernel() {
		return fmt.Errorf("hv: APIC virtualization requires an in-kernel local APIC (irqchip=%s)", c.Mode)
	}
	return nil
}

var (
	_ VMConfig = SimpleVMConfig{}
)
