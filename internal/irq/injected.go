package irq

import (
	"fmt"

	"github.com/tinyrange/irqcore/internal/hv"
)

// InjectedState tags the directly injected vector slot.
type InjectedState uint8

const (
	// InjectedNone means the slot is empty.
	InjectedNone InjectedState = iota
	// InjectedQueued holds a vector the management layer queued that has
	// not been handed to the guest yet.
	InjectedQueued
	// InjectedDelivered holds a vector whose delivery side effects were
	// already applied, e.g. one being re-injected after an aborted entry.
	// Its pending-ness must not be re-derived from controller state.
	InjectedDelivered
)

func (s InjectedState) String() string {
	switch s {
	case InjectedNone:
		return "none"
	case InjectedQueued:
		return "queued"
	case InjectedDelivered:
		return "delivered"
	default:
		return fmt.Sprintf("InjectedState(%d)", uint8(s))
	}
}

// InjectedInterrupt is the vCPU's directly injected vector slot. It is
// only consulted when no local APIC is emulated in the kernel.
//
// Queued and Delivered both count as "set", so a Delivered vector that is
// being re-injected for a nested guest is indistinguishable from a fresh
// one to the arbitration queries. That ambiguity is known and kept:
// callers that re-inject must not also requeue the same vector.
type InjectedInterrupt struct {
	State  InjectedState
	Vector hv.Vector
}

// IsSet reports whether the slot holds a vector.
func (i InjectedInterrupt) IsSet() bool { return i.State != InjectedNone }

// Injected returns the current injected slot.
func (v *VCPU) Injected() InjectedInterrupt { return v.injected }

// MarkDelivered records that the queued vector's side effects have been
// applied. It is a no-op when nothing is queued.
func (v *VCPU) MarkDelivered() {
	if v.injected.State == InjectedQueued {
		v.injected.State = InjectedDelivered
	}
}

// ClearInjected empties the slot, typically after a successful entry.
func (v *VCPU) ClearInjected() {
	v.injected = InjectedInterrupt{}
}
