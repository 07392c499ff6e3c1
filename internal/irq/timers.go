package irq

// InjectPendingTimerInterrupts queues outstanding local APIC timer expiries
// as a normal APIC request, where HasInjectableInterrupt and GetInterrupt
// will find them.
func (v *VCPU) InjectPendingTimerInterrupts() {
	if !v.mode.LAPICInKernel() {
		return
	}
	if v.local.TimerDue() {
		v.local.QueueTimerInterrupt()
		v.metrics.timerInjected(v.id)
	}
}

// Load records that the vCPU is about to run on hostCPU. Timers are only
// migrated when the core actually changed.
func (v *VCPU) Load(hostCPU int) {
	if hostCPU == v.hostCPU {
		return
	}
	prev := v.hostCPU
	v.hostCPU = hostCPU
	v.log.Debug("irq: vcpu moved", "from", prev, "to", hostCPU)
	v.MigrateTimers()
}

// HostCPU returns the core recorded by the last Load.
func (v *VCPU) HostCPU() int { return v.hostCPU }

// MigrateTimers re-arms every core-bound timer on the vCPU's current host
// core with its existing deadline: the local APIC timer, the PIT when this
// is the boot vCPU, and the vendor timer. Calling it again without moving
// has no further effect.
func (v *VCPU) MigrateTimers() {
	cpu := v.hostCPU
	if v.mode.LAPICInKernel() {
		v.local.Migrate(cpu)
	}
	if v.id == 0 && v.platformTimer != nil {
		v.platformTimer.Migrate(cpu)
	}
	if v.vendor != nil {
		v.vendor.Migrate(cpu)
	}
	v.metrics.migrated(v.id)
}
