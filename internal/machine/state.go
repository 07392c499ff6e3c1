package machine

import (
	x86chipset "github.com/tinyrange/irqcore/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqcore/internal/devices/amd64/lapic"
	"github.com/tinyrange/irqcore/internal/hv"
	"github.com/tinyrange/irqcore/internal/irq"
)

// State is a snapshot of the machine's interrupt plumbing for diagnostics.
type State struct {
	Mode     hv.IRQChipMode
	PIC      x86chipset.PICState
	PICStats x86chipset.PICStats
	IOAPIC   *x86chipset.IOAPICStats
	PITFired uint64
	CPUs     []CPUState
}

// CPUState is the per-vCPU part of State.
type CPUState struct {
	ID              int
	HostCPU         int
	Injected        irq.InjectedInterrupt
	ExternalPending bool
	APIC            *lapic.State
}

// State captures the machine. vCPU fields are only consistent while no
// vCPU loop is running.
func (m *Machine) State() State {
	s := State{
		Mode:     m.mode,
		PIC:      m.pic.State(),
		PICStats: m.pic.Stats(),
		PITFired: m.pit.Fired(),
	}
	if m.ioapic != nil {
		stats := m.ioapic.Stats()
		s.IOAPIC = &stats
	}
	for _, c := range m.cpus {
		cs := CPUState{
			ID:              c.VCPU.ID(),
			HostCPU:         c.VCPU.HostCPU(),
			Injected:        c.VCPU.Injected(),
			ExternalPending: c.VCPU.ExternalPending(),
		}
		if c.APIC != nil {
			apic := c.APIC.State()
			cs.APIC = &apic
		}
		s.CPUs = append(s.CPUs, cs)
	}
	return s
}
