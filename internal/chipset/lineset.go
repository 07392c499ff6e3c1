package chipset

import "sync"

// LineSet hands out interrupt line handles, fans EOIs out to the IOAPIC and
// runs ack callbacks registered per GSI.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink

	eoiTarget EOITarget

	lines map[uint8]*lineState
	acks  map[uint32]map[uint64]func()
	next  uint64
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]*lineState),
		acks:  make(map[uint32]map[uint64]func()),
	}
}

// AttachEOITarget wires EOI broadcasts to any target exposing HandleEOI(uint32).
func (l *LineSet) AttachEOITarget(target EOITarget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoiTarget = target
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the last level driven through a handle for irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.lines[irq]; state != nil {
		return state.level
	}
	return false
}

// RegisterAckCallback runs fn whenever an interrupt that arrived on gsi is
// acknowledged. The returned func removes the callback.
func (l *LineSet) RegisterAckCallback(gsi uint32, fn func()) (unregister func()) {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	if l.acks[gsi] == nil {
		l.acks[gsi] = make(map[uint64]func())
	}
	l.acks[gsi][id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.acks[gsi], id)
		if len(l.acks[gsi]) == 0 {
			delete(l.acks, gsi)
		}
	}
}

// NotifyAck implements AckNotifier.
func (l *LineSet) NotifyAck(gsi uint32) {
	l.mu.Lock()
	callbacks := make([]func(), 0, len(l.acks[gsi]))
	for _, fn := range l.acks[gsi] {
		callbacks = append(callbacks, fn)
	}
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// BroadcastEOI forwards a local APIC EOI for vector to the EOI target.
func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	target := l.eoiTarget
	l.mu.Unlock()
	if target != nil {
		target.HandleEOI(uint32(vector))
	}
}

// EOITarget is the minimal interface for receivers of EOI broadcasts (e.g. IOAPIC).
type EOITarget interface {
	HandleEOI(uint32)
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint8, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, high)
	}
}

func (l *LineSet) pulse(irq uint8) {
	l.mu.Lock()
	if state := l.lines[irq]; state != nil {
		state.level = false
	}
	l.mu.Unlock()
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}

var _ AckNotifier = (*LineSet)(nil)
