package chipset

import (
	"fmt"
	"sync"
)

const (
	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1
	// DeliveryModeExtINT routes the pin through the PIC's INTA cycle.
	DeliveryModeExtINT = 0x7

	defaultIOAPICPins = 24
)

// Redirection is the decoded form of one IO-APIC redirection table entry.
type Redirection struct {
	Vector       uint8
	Dest         uint8
	LogicalDest  bool
	DeliveryMode uint8
	Level        bool
	Masked       bool
}

func (r Redirection) encode() redirectionEntry {
	var value uint64
	value |= uint64(r.Vector)
	value |= uint64(r.DeliveryMode&0x7) << 8
	if r.LogicalDest {
		value |= 1 << 11
	}
	if r.Level {
		value |= 1 << 15
	}
	if r.Masked {
		value |= 1 << 16
	}
	value |= uint64(r.Dest) << 56
	return redirectionEntry{value: value}
}

func (r redirectionEntry) decode() Redirection {
	return Redirection{
		Vector:       r.vector(),
		Dest:         r.destination(),
		LogicalDest:  r.destinationModeLogical(),
		DeliveryMode: r.deliveryMode(),
		Level:        r.triggerModeLevel(),
		Masked:       r.masked(),
	}
}

// IOAPIC models the redirection logic of an x86 IO-APIC.
type IOAPIC struct {
	mu sync.Mutex

	entries []irqRedirection

	routing IoApicRouting
	acks    AckNotifier
	stats   IOAPICStats
}

// IoApicRouting allows the IO-APIC to notify the rest of the VMM when an
// interrupt should be injected into a vCPU.
type IoApicRouting interface {
	// Assert requests an interrupt injection.
	// vector: The IDT vector (0-255).
	// dest: The target CPU ID or APIC ID.
	// destMode: 0 for Physical, 1 for Logical.
	// deliveryMode: 0 for Fixed, 1 for LowestPriority, 7 for ExtINT.
	// level: true when the redirection entry is configured for level-triggered delivery.
	Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)
}

// IoApicRoutingFunc adapts a simple function to IoApicRouting.
type IoApicRoutingFunc func(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)

// Assert implements IoApicRouting.
func (f IoApicRoutingFunc) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	if f != nil {
		f(vector, dest, destMode, deliveryMode, level)
	}
}

type noopIoApicRouting struct{}

func (noopIoApicRouting) Assert(uint8, uint8, uint8, uint8, bool) {}

// IOAPICStats counts interrupts forwarded per pin.
type IOAPICStats struct {
	Interrupts uint64
	PerPin     []uint64
}

// NewIOAPIC builds an IO-APIC exposing numEntries redirection slots.
func NewIOAPIC(numEntries int) *IOAPIC {
	if numEntries <= 0 {
		numEntries = defaultIOAPICPins
	}
	entries := make([]irqRedirection, numEntries)
	for i := range entries {
		entries[i] = newIRQRedirection()
	}
	return &IOAPIC{
		entries: entries,
		routing: noopIoApicRouting{},
		stats: IOAPICStats{
			PerPin: make([]uint64, numEntries),
		},
	}
}

// Pins returns the number of redirection entries.
func (i *IOAPIC) Pins() int {
	return len(i.entries)
}

// SetRouting overrides the destination used when an interrupt fires.
func (i *IOAPIC) SetRouting(r IoApicRouting) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r == nil {
		i.routing = noopIoApicRouting{}
	} else {
		i.routing = r
	}
}

// SetAckNotifier installs the receiver notified when a level-triggered pin
// is acknowledged by EOI.
func (i *IOAPIC) SetAckNotifier(n AckNotifier) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.acks = n
}

// Program writes the redirection entry for pin. Unmasking a pin whose line
// is already high delivers it.
func (i *IOAPIC) Program(pin int, r Redirection) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pin < 0 || pin >= len(i.entries) {
		return fmt.Errorf("ioapic: pin %d out of range (have %d)", pin, len(i.entries))
	}
	entry := &i.entries[pin]
	wasMasked := entry.redirection.masked()
	remote := entry.redirection.remoteIRR()
	entry.redirection = r.encode()
	entry.redirection.setRemoteIRR(remote && r.Level)

	forceEdge := wasMasked && !r.Masked && entry.lineLevel
	entry.evaluate(i.routing, &i.stats, uint8(pin), forceEdge)
	return nil
}

// Redirection returns the programmed entry for pin.
func (i *IOAPIC) Redirection(pin int) (Redirection, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pin < 0 || pin >= len(i.entries) {
		return Redirection{}, false
	}
	return i.entries[pin].redirection.decode(), true
}

// RemoteIRR reports whether a level-triggered pin is awaiting EOI.
func (i *IOAPIC) RemoteIRR(pin int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pin < 0 || pin >= len(i.entries) {
		return false
	}
	return i.entries[pin].redirection.remoteIRR()
}

// HandleEOI clears remote-IRR for any line that was targeting the supplied
// vector and re-evaluates pending level-triggered interrupts. Ack
// notifications run before the pin is re-evaluated so a resampler can drop
// the line first.
func (i *IOAPIC) HandleEOI(vector uint32) {
	i.mu.Lock()
	var pins []int
	for line := range i.entries {
		entry := &i.entries[line]
		if entry.redirection.vector() == uint8(vector) && entry.redirection.remoteIRR() {
			pins = append(pins, line)
		}
	}
	notifier := i.acks
	i.mu.Unlock()

	if len(pins) == 0 {
		return
	}
	if notifier != nil {
		for _, pin := range pins {
			notifier.NotifyAck(uint32(pin))
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for _, pin := range pins {
		entry := &i.entries[pin]
		entry.redirection.setRemoteIRR(false)
		entry.evaluate(i.routing, &i.stats, uint8(pin), false)
	}
}

// SetIRQ changes the level of a given IO-APIC input pin.
func (i *IOAPIC) SetIRQ(line uint8, high bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if int(line) >= len(i.entries) {
		return
	}
	entry := &i.entries[line]
	if high {
		entry.assert(i.routing, &i.stats, line)
	} else {
		entry.deassert()
	}
}

// Stats returns a copy of the delivery counters.
func (i *IOAPIC) Stats() IOAPICStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.stats
	out.PerPin = append([]uint64(nil), i.stats.PerPin...)
	return out
}

type irqRedirection struct {
	redirection redirectionEntry
	lineLevel   bool
}

func newIRQRedirection() irqRedirection {
	return irqRedirection{
		redirection: newRedirectionEntry(),
	}
}

func (r *irqRedirection) assert(router IoApicRouting, stats *IOAPICStats, line uint8) {
	edge := !r.lineLevel
	r.lineLevel = true
	r.evaluate(router, stats, line, edge)
}

func (r *irqRedirection) deassert() {
	r.lineLevel = false
}

func (r *irqRedirection) evaluate(router IoApicRouting, stats *IOAPICStats, line uint8, edge bool) {
	if r.redirection.masked() {
		return
	}
	isLevel := r.redirection.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.redirection.remoteIRR()):
		return
	case !isLevel && !edge:
		return
	}

	r.redirection.setRemoteIRR(isLevel)
	stats.Interrupts++
	if int(line) < len(stats.PerPin) {
		stats.PerPin[line]++
	}

	destMode := uint8(0) // Physical
	if r.redirection.destinationModeLogical() {
		destMode = 1
	}

	router.Assert(
		r.redirection.vector(),
		r.redirection.destination(),
		destMode,
		r.redirection.deliveryMode(),
		isLevel,
	)
}

type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	return redirectionEntry{value: 1 << 16}
}

func (r redirectionEntry) destination() uint8 {
	return uint8((r.value >> 56) & 0xFF)
}

func (r redirectionEntry) vector() uint8 {
	return uint8(r.value & 0xff)
}

func (r redirectionEntry) deliveryMode() uint8 {
	return uint8((r.value >> 8) & 0x7)
}

func (r redirectionEntry) masked() bool {
	return (r.value>>16)&1 == 1
}

func (r redirectionEntry) remoteIRR() bool {
	return (r.value>>14)&1 == 1
}

func (r *redirectionEntry) setRemoteIRR(val bool) {
	if val {
		r.value |= 1 << 14
	} else {
		r.value &^= 1 << 14
	}
}

func (r redirectionEntry) triggerModeLevel() bool {
	return (r.value>>15)&1 == 1
}

func (r redirectionEntry) destinationModeLogical() bool {
	return (r.value>>11)&1 == 1
}

func (r redirectionEntry) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}
