package irq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/irqcore/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqcore/internal/devices/amd64/lapic"
	"github.com/tinyrange/irqcore/internal/hosttimer"
	"github.com/tinyrange/irqcore/internal/hv"
)

func TestPendingTimerFeedsArbitration(t *testing.T) {
	local := &fakeLocal{timerDue: true, timerVector: 0xec}
	metrics := newMetrics(t)
	v := newVCPU(t, Config{Mode: hv.IRQChipSplit, Local: local, Metrics: metrics})

	require.True(t, v.HasPendingTimer())
	require.False(t, v.HasInjectableInterrupt(), "expiry is not a request until queued")

	v.InjectPendingTimerInterrupts()
	require.False(t, v.HasPendingTimer())
	require.True(t, v.HasInjectableInterrupt())

	d, ok := v.Deliver()
	require.True(t, ok)
	require.Equal(t, Delivery{Vector: 0xec, Source: SourceLocal}, d)

	v.InjectPendingTimerInterrupts()
	_, ok = v.GetInterrupt()
	require.False(t, ok)
}

func TestTimerQueriesWithoutLocalAPIC(t *testing.T) {
	local := &fakeLocal{timerDue: true, timerVector: 0xec}
	v := newVCPU(t, Config{Mode: hv.IRQChipNone, Local: local})

	require.False(t, v.HasPendingTimer())
	v.InjectPendingTimerInterrupts()
	require.True(t, local.timerDue, "no-op without an in-kernel local APIC")

	v.Load(3)
	require.Empty(t, local.migrations)
}

func TestLoadMigratesOnlyOnCoreChange(t *testing.T) {
	local := &fakeLocal{}
	pit := &fakeTimer{}
	vendor := &fakeTimer{}
	metrics := newMetrics(t)
	v := newVCPU(t, Config{
		Mode:          hv.IRQChipKernel,
		Local:         local,
		Legacy:        &fakeLegacy{},
		PlatformTimer: pit,
		Vendor:        vendor,
		Metrics:       metrics,
	})

	require.Equal(t, -1, v.HostCPU())
	v.Load(2)
	v.Load(2)
	v.Load(5)

	require.Equal(t, 5, v.HostCPU())
	require.Equal(t, []int{2, 5}, local.migrations)
	require.Equal(t, []int{2, 5}, pit.migrations)
	require.Equal(t, []int{2, 5}, vendor.migrations)
	require.Equal(t, 2.0, metrics.Migrations(0))
}

func TestPlatformTimerFollowsBootVCPUOnly(t *testing.T) {
	pit := &fakeTimer{}
	local := &fakeLocal{}
	v := newVCPU(t, Config{ID: 1, Mode: hv.IRQChipKernel, Local: local, Legacy: &fakeLegacy{}, PlatformTimer: pit})

	v.Load(4)
	require.Equal(t, []int{4}, local.migrations)
	require.Empty(t, pit.migrations)
}

func TestMigrateTimersIsIdempotent(t *testing.T) {
	start := time.Unix(100, 0)
	sched := hosttimer.NewManual(start)
	apic := lapic.New(0, lapic.WithScheduler(sched), lapic.WithTimerTick(time.Microsecond))
	pit := chipset.NewPIT(nil, chipset.WithPITScheduler(sched), chipset.WithPITTick(time.Microsecond))
	t.Cleanup(func() {
		apic.Stop()
		pit.Stop()
	})

	v := newVCPU(t, Config{Mode: hv.IRQChipSplit, Local: apic, PlatformTimer: pit})
	v.Load(1)

	apic.SetLVTTimer(0xec | lapic.LVTTimerPeriodic)
	require.NoError(t, apic.SetTimerDivide(1))
	apic.SetInitialCount(500)
	require.NoError(t, pit.WriteIOPort(0x43, []byte{0x34}))
	require.NoError(t, pit.WriteIOPort(0x40, []byte{0xe8}))
	require.NoError(t, pit.WriteIOPort(0x40, []byte{0x03}))

	sched.Advance(100 * time.Microsecond)
	v.Load(3)
	once := sched.Pending()
	v.MigrateTimers()
	twice := sched.Pending()

	require.Equal(t, once, twice)
	require.Equal(t, []hosttimer.Pending{
		{CPU: 3, When: start.Add(500 * time.Microsecond)},
		{CPU: 3, When: start.Add(1000 * time.Microsecond)},
	}, twice)

	sched.Advance(400 * time.Microsecond)
	require.True(t, v.HasPendingTimer())
}
