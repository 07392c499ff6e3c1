package irq

import (
	"sort"

	"github.com/tinyrange/irqcore/internal/hv"
)

type fakeLocal struct {
	acceptsExtInt bool
	pending       []hv.Vector
	inService     []hv.Vector
	timerDue      bool
	timerVector   hv.Vector
	migrations    []int
}

func (f *fakeLocal) AcceptsExtInt() bool { return f.acceptsExtInt }

func (f *fakeLocal) HighestPendingVector() (hv.Vector, bool) {
	if len(f.pending) == 0 {
		return 0, false
	}
	sort.Slice(f.pending, func(i, j int) bool { return f.pending[i] < f.pending[j] })
	return f.pending[len(f.pending)-1], true
}

func (f *fakeLocal) ReadAndAck() (hv.Vector, bool) {
	v, ok := f.HighestPendingVector()
	if !ok {
		return 0, false
	}
	f.pending = f.pending[:len(f.pending)-1]
	f.inService = append(f.inService, v)
	return v, true
}

func (f *fakeLocal) TimerDue() bool { return f.timerDue }

func (f *fakeLocal) QueueTimerInterrupt() {
	if !f.timerDue {
		return
	}
	f.timerDue = false
	f.pending = append(f.pending, f.timerVector)
}

func (f *fakeLocal) Migrate(cpu int) { f.migrations = append(f.migrations, cpu) }

type fakeLegacy struct {
	asserted bool
	vector   hv.Vector
	acks     int
}

func (f *fakeLegacy) OutputAsserted() bool { return f.asserted }

func (f *fakeLegacy) ReadAndAck() hv.Vector {
	f.acks++
	f.asserted = false
	return f.vector
}

type fakeTimer struct {
	migrations []int
}

func (f *fakeTimer) Migrate(cpu int) { f.migrations = append(f.migrations, cpu) }
