package irq

import (
	"fmt"

	"github.com/tinyrange/irqcore/internal/hv"
)

// InjectExternal hands an externally sourced vector to the vCPU.
//
// With no in-kernel local APIC the vector is queued in the injected slot;
// this must be done from the vCPU's goroutine. In split mode the vector is
// latched into the external register and the vCPU is kicked; this may be
// called from any goroutine, and a value not yet consumed is overwritten.
// In kernel mode the PIC owns ExtINT and the call is rejected; drive the
// PIC input line instead.
func (v *VCPU) InjectExternal(vec hv.Vector) error {
	switch v.mode {
	case hv.IRQChipNone:
		v.injected = InjectedInterrupt{State: InjectedQueued, Vector: vec}
		return nil
	case hv.IRQChipSplit:
		if prev := v.pendingExternal.Swap(int32(vec)); prev != hv.NoVector {
			v.metrics.overwritten(v.id)
			v.log.Debug("irq: external vector overwritten", "old", prev, "new", vec)
		}
		v.Kick()
		return nil
	default:
		return fmt.Errorf("%w: vcpu %d in %s mode", ErrInjectionRejected, v.id, v.mode)
	}
}

// ExternalPending reports whether the split-mode register holds a vector.
func (v *VCPU) ExternalPending() bool {
	return v.pendingExternal.Load() != hv.NoVector
}
