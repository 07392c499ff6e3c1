package irq

import (
	"fmt"

	"github.com/tinyrange/irqcore/internal/hv"
)

// Source names where a delivered vector came from.
type Source uint8

const (
	SourceNone Source = iota
	// SourceInjected is the vCPU's directly injected slot.
	SourceInjected
	// SourceExternal is the split-mode external vector register.
	SourceExternal
	// SourceLegacy is the in-kernel PIC.
	SourceLegacy
	// SourceLocal is the local APIC.
	SourceLocal
	// SourcePosted is a local APIC vector taken by APIC virtualization
	// rather than injected by the hypervisor.
	SourcePosted
)

func (s Source) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceInjected:
		return "injected"
	case SourceExternal:
		return "external"
	case SourceLegacy:
		return "pic"
	case SourceLocal:
		return "lapic"
	case SourcePosted:
		return "posted"
	default:
		return fmt.Sprintf("Source(%d)", uint8(s))
	}
}

// Delivery is the outcome of one GetInterrupt call.
type Delivery struct {
	Vector hv.Vector
	Source Source
}

// HasPendingTimer reports whether the in-kernel local APIC has a timer
// expiry that has not yet been queued.
func (v *VCPU) HasPendingTimer() bool {
	if !v.mode.LAPICInKernel() {
		return false
	}
	return v.local.TimerDue()
}

// hasExtInt reports whether an ExtINT-class interrupt is waiting. Callers
// only reach it with an in-kernel local APIC.
func (v *VCPU) hasExtInt() bool {
	if !v.local.AcceptsExtInt() {
		return false
	}
	if v.mode.Split() {
		return v.pendingExternal.Load() != hv.NoVector
	}
	return v.legacy.OutputAsserted()
}

// HasInjectableInterrupt reports whether the hypervisor must inject an
// interrupt on the next entry. With APIC virtualization active outside a
// nested guest, local APIC interrupts are delivered by hardware and are not
// reported here.
func (v *VCPU) HasInjectableInterrupt() bool {
	if !v.mode.LAPICInKernel() {
		return v.injected.IsSet()
	}
	if v.hasExtInt() {
		return true
	}
	if !v.nested && v.accel.APICVirtualization {
		v.metrics.apicvShortCircuit(v.id)
		return false
	}
	_, ok := v.local.HighestPendingVector()
	return ok
}

// HasInterrupt reports whether any interrupt is pending, ignoring APIC
// virtualization. It acknowledges nothing.
func (v *VCPU) HasInterrupt() bool {
	if !v.mode.LAPICInKernel() {
		return v.injected.IsSet()
	}
	if v.hasExtInt() {
		return true
	}
	_, ok := v.local.HighestPendingVector()
	return ok
}

// DeliverPosted acknowledges the highest local APIC vector on behalf of
// APIC virtualization. It only acts in the case HasInjectableInterrupt
// hides: virtualization on, no nested guest and no ExtINT waiting.
func (v *VCPU) DeliverPosted() (Delivery, bool) {
	if !v.accel.APICVirtualization || v.nested || v.hasExtInt() {
		return Delivery{}, false
	}
	vec, ok := v.local.ReadAndAck()
	if !ok {
		return Delivery{}, false
	}
	d := Delivery{Vector: vec, Source: SourcePosted}
	v.metrics.delivered(v.id, d.Source)
	v.log.Debug("irq: posting interrupt", "vector", d.Vector)
	return d, true
}

// GetInterrupt selects and acknowledges the vector to deliver. It returns
// false when nothing is pending; that is a normal outcome.
func (v *VCPU) GetInterrupt() (hv.Vector, bool) {
	d, ok := v.Deliver()
	return d.Vector, ok
}

// Deliver is GetInterrupt with the source of the vector attached.
//
// Without an in-kernel local APIC the injected slot is returned as is and
// left in place. Otherwise an ExtINT is consumed first: the split-mode
// register is read and cleared, or the PIC runs an acknowledge cycle. Only
// then is the local APIC acknowledged.
func (v *VCPU) Deliver() (Delivery, bool) {
	d, ok := v.deliver()
	if ok {
		v.metrics.delivered(v.id, d.Source)
		v.log.Debug("irq: delivering interrupt", "vector", d.Vector, "source", d.Source)
	}
	return d, ok
}

func (v *VCPU) deliver() (Delivery, bool) {
	if !v.mode.LAPICInKernel() {
		if !v.injected.IsSet() {
			return Delivery{}, false
		}
		return Delivery{Vector: v.injected.Vector, Source: SourceInjected}, true
	}

	if v.hasExtInt() {
		if v.mode.Split() {
			if raw := v.pendingExternal.Swap(hv.NoVector); raw != hv.NoVector {
				return Delivery{Vector: hv.Vector(raw), Source: SourceExternal}, true
			}
		} else {
			return Delivery{Vector: v.legacy.ReadAndAck(), Source: SourceLegacy}, true
		}
	}

	vec, ok := v.local.ReadAndAck()
	if !ok {
		return Delivery{}, false
	}
	return Delivery{Vector: vec, Source: SourceLocal}, true
}
