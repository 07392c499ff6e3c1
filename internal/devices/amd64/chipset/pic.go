package chipset

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/irqcore/internal/hv"
)

const (
	primaryPicCommandPort   uint16 = 0x20
	primaryPicDataPort      uint16 = 0x21
	secondaryPicCommandPort uint16 = 0xa0
	secondaryPicDataPort    uint16 = 0xa1
	primaryPicELCRPort      uint16 = 0x4d0
	secondaryPicELCRPort    uint16 = 0x4d1

	picChainCommunicationIRQ = 2
	picIRQMask               = 0x7
	picSpuriousIRQ           = 7
)

// PICStats counts acknowledge cycles seen by the PIC pair.
type PICStats struct {
	Spurious     uint64
	Acknowledges uint64
	PerIRQ       [16]uint64
}

// DualPIC implements the classic pair of cascaded 8259A controllers.
//
// The INT output is exposed both as a line (SetReadyLine) and as a level
// that can be polled with OutputAsserted. ReadAndAck performs the INTA
// cycle the CPU issues when it accepts the interrupt.
type DualPIC struct {
	mu     sync.Mutex
	ready  LineInterrupt
	output bool

	pics [2]*pic

	acks AckNotifier
	log  *slog.Logger

	stats PICStats
}

// NewDualPIC returns an uninitialised PIC pair. Guests program it through
// the ICW sequence on ports 0x20/0x21 and 0xa0/0xa1.
func NewDualPIC(log *slog.Logger) *DualPIC {
	if log == nil {
		log = slog.Default()
	}
	return &DualPIC{
		ready: LineInterruptDetached(),
		log:   log,
		pics: [2]*pic{
			newPic(true),
			newPic(false),
		},
	}
}

// SetReadyLine sets the interrupt line used for INT output.
func (p *DualPIC) SetReadyLine(line LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		p.ready = LineInterruptDetached()
	} else {
		p.ready = line
	}
	p.ready.SetLevel(p.output)
}

// SetAckNotifier installs the receiver for end-of-interrupt notifications.
// It is called with the ISA GSI whose in-service bit was cleared.
func (p *DualPIC) SetAckNotifier(n AckNotifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acks = n
}

// Reset returns both controllers to their power-on state. Edge/level
// configuration is preserved.
func (p *DualPIC) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pics[0].reset(false, true)
	p.pics[1].reset(false, true)
	p.stats = PICStats{}
	p.syncOutputsLocked()
}

// IOPorts lists the ports the PIC pair decodes.
func (p *DualPIC) IOPorts() []uint16 {
	return []uint16{
		primaryPicCommandPort,
		primaryPicDataPort,
		secondaryPicCommandPort,
		secondaryPicDataPort,
		primaryPicELCRPort,
		secondaryPicELCRPort,
	}
}

func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid read size %d", len(data))
	}
	p.mu.Lock()
	var acked []uint32
	switch port {
	case primaryPicCommandPort:
		data[0], acked = p.pollLocked(0)
	case primaryPicDataPort:
		data[0] = p.pics[0].imr
	case secondaryPicCommandPort:
		data[0], acked = p.pollLocked(1)
	case secondaryPicDataPort:
		data[0] = p.pics[1].imr
	case primaryPicELCRPort:
		data[0] = p.pics[0].elcr
	case secondaryPicELCRPort:
		data[0] = p.pics[1].elcr
	default:
		p.mu.Unlock()
		return fmt.Errorf("pic: invalid read port 0x%04x", port)
	}
	p.syncOutputsLocked()
	notifier := p.acks
	p.mu.Unlock()

	p.notify(notifier, acked)
	return nil
}

func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid write size %d", len(data))
	}

	p.mu.Lock()
	var eoi []int
	switch port {
	case primaryPicCommandPort:
		if line, ok := p.pics[0].writeCommand(data[0]); ok {
			eoi = append(eoi, line)
		}
	case primaryPicDataPort:
		p.pics[0].writeData(data[0])
	case secondaryPicCommandPort:
		if line, ok := p.pics[1].writeCommand(data[0]); ok {
			eoi = append(eoi, 8+line)
		}
	case secondaryPicDataPort:
		p.pics[1].writeData(data[0])
	case primaryPicELCRPort:
		p.pics[0].elcr = data[0]
	case secondaryPicELCRPort:
		p.pics[1].elcr = data[0]
	default:
		p.mu.Unlock()
		return fmt.Errorf("pic: invalid write port 0x%04x", port)
	}
	p.syncOutputsLocked()
	notifier := p.acks
	p.mu.Unlock()

	var acked []uint32
	for _, line := range eoi {
		if line == picChainCommunicationIRQ {
			continue
		}
		acked = append(acked, uint32(line))
	}
	p.notify(notifier, acked)
	return nil
}

// notify runs outside p.mu: receivers commonly drop a level-triggered line
// back into SetIRQ.
func (p *DualPIC) notify(n AckNotifier, gsis []uint32) {
	if n == nil {
		return
	}
	for _, gsi := range gsis {
		n.NotifyAck(gsi)
	}
}

func (p *DualPIC) syncOutputsLocked() {
	cascade := p.pics[1].interruptPending()
	p.pics[0].setIRQ(picChainCommunicationIRQ, cascade)
	level := p.pics[0].interruptPending()
	if level != p.output {
		p.output = level
		p.ready.SetLevel(level)
	}
}

// SetIRQ drives ISA line 0-15. Lines 8-15 reach the secondary controller.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 16 {
		return
	}
	if line >= 8 {
		p.pics[1].setIRQ(line-8, level)
	} else {
		p.pics[0].setIRQ(line, level)
	}
	p.syncOutputsLocked()
}

// OutputAsserted reports whether the INT output is currently high.
func (p *DualPIC) OutputAsserted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

// ReadAndAck performs an interrupt acknowledge cycle and returns the vector
// placed on the bus. When nothing is pending the controller answers with its
// spurious vector (IRQ7 or IRQ15 relative to the programmed base).
func (p *DualPIC) ReadAndAck() hv.Vector {
	_, vec := p.Acknowledge()
	return hv.Vector(vec)
}

// Acknowledge reports whether a real interrupt was pending and the vector
// delivered to the CPU.
func (p *DualPIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()
	requested, vec, gsi := p.acknowledgeLocked()
	p.syncOutputsLocked()
	auto := requested && p.autoEOI(gsi)
	notifier := p.acks
	p.mu.Unlock()

	if !requested {
		p.log.Debug("pic: spurious interrupt acknowledge", "vector", vec)
	}
	if auto {
		p.notify(notifier, []uint32{uint32(gsi)})
	}
	return requested, vec
}

func (p *DualPIC) acknowledgeLocked() (bool, uint8, int) {
	requested, line, vec := p.pics[0].acknowledgeInterrupt()
	gsi := int(line)
	if requested && line == picChainCommunicationIRQ {
		requested, line, vec = p.pics[1].acknowledgeInterrupt()
		gsi = 8 + int(line)
	}
	if !requested {
		p.stats.Spurious++
		return false, vec, -1
	}
	p.stats.Acknowledges++
	p.stats.PerIRQ[gsi]++
	return true, vec, gsi
}

func (p *DualPIC) autoEOI(gsi int) bool {
	if gsi >= 8 {
		return p.pics[1].autoEOI
	}
	return p.pics[0].autoEOI
}

// pollLocked implements the OCW3 poll command: an acknowledge cycle whose
// result is read through the command port.
func (p *DualPIC) pollLocked(idx int) (byte, []uint32) {
	pc := p.pics[idx]
	if !pc.ocw3.poll() {
		return pc.readStatus(), nil
	}
	pc.ocw3.setPoll(false)
	requested, line, _ := pc.acknowledgeInterrupt()
	if !requested {
		return 0, nil
	}
	var acked []uint32
	if pc.autoEOI {
		gsi := uint32(line)
		if idx == 1 {
			gsi += 8
		}
		acked = append(acked, gsi)
	}
	return 0x80 | line, acked
}

// Stats returns a copy of the acknowledge counters.
func (p *DualPIC) Stats() PICStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// PICState is a point-in-time view of both controllers.
type PICState struct {
	Output    bool
	Primary   PICRegisters
	Secondary PICRegisters
}

// PICRegisters holds the architecturally visible registers of one 8259A.
type PICRegisters struct {
	Base byte
	IRR  byte
	ISR  byte
	IMR  byte
	ELCR byte
}

// State captures the controller registers.
func (p *DualPIC) State() PICState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PICState{
		Output:    p.output,
		Primary:   p.pics[0].registers(),
		Secondary: p.pics[1].registers(),
	}
}

func (p *DualPIC) String() string {
	s := p.State()
	return fmt.Sprintf("PIC(output=%v primary=%+v secondary=%+v)", s.Output, s.Primary, s.Secondary)
}

// pic models a single 8259A.
type pic struct {
	primary bool

	initStage initStage
	icw2      byte
	icw4      byte
	imr       byte
	ocw3      ocw3
	isr       byte
	elcr      byte
	lines     byte
	// latched holds requests from rising edges on edge-triggered lines.
	latched byte

	autoEOI     bool
	specialMask bool
}

func newPic(primary bool) *pic {
	icw2 := byte(0x08)
	if !primary {
		icw2 = 0x70
	}
	return &pic{
		primary:   primary,
		initStage: initUninitialized,
		icw2:      icw2,
	}
}

func (p *pic) reset(preserveLines, preserveELCR bool) {
	lines := p.lines
	elcr := p.elcr
	*p = *newPic(p.primary)
	if preserveLines {
		p.lines = lines
	}
	if preserveELCR {
		p.elcr = elcr
	}
}

func (p *pic) registers() PICRegisters {
	return PICRegisters{
		Base: p.icw2,
		IRR:  p.irr(),
		ISR:  p.isr,
		IMR:  p.imr,
		ELCR: p.elcr,
	}
}

// irr is the request register: level lines are pending while high, edge
// lines only after a low-to-high transition that has not been acknowledged.
func (p *pic) irr() byte {
	level := p.elcr
	if p.primary {
		level |= 1 << picChainCommunicationIRQ
	}
	return p.lines&level | p.latched&^level
}

func (p *pic) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		if p.lines&bit == 0 {
			p.latched |= bit
		}
		p.lines |= bit
	} else {
		p.lines &^= bit
	}
}

func (p *pic) readyVec() byte {
	highestISR := lowestSetBit(p.isr)
	higherNotISR := highestISR - 1
	maskedIRR := p.irr() &^ p.imr
	if p.specialMask {
		// Special mask mode only blocks lines that are themselves in service.
		return maskedIRR &^ p.isr
	}
	return maskedIRR & higherNotISR
}

func (p *pic) interruptPending() bool {
	return p.readyVec() != 0
}

func (p *pic) acknowledgeInterrupt() (bool, byte, uint8) {
	vec := p.readyVec()
	if vec == 0 {
		return false, picSpuriousIRQ, p.icw2 | picSpuriousIRQ
	}
	line := byte(bits.TrailingZeros8(vec))
	bit := byte(1 << line)
	p.latched &^= bit
	if !p.autoEOI {
		p.isr |= bit
	}
	return true, line, p.icw2 | line
}

// eoi clears one in-service bit and returns the line it belonged to.
func (p *pic) eoi(specific *byte) (int, bool) {
	var mask byte
	if specific != nil {
		mask = 1 << *specific
	} else {
		mask = lowestSetBit(p.isr)
	}
	if p.isr&mask == 0 {
		return 0, false
	}
	p.isr &^= mask
	return bits.TrailingZeros8(mask), true
}

func (p *pic) readStatus() byte {
	if p.ocw3.ris() {
		return p.isr
	}
	return p.irr()
}

// writeCommand handles ICW1, OCW2 and OCW3. It returns the line whose
// in-service bit an EOI command cleared.
func (p *pic) writeCommand(value byte) (int, bool) {
	const (
		initBit    = 0x10
		commandBit = 0x08
	)

	if value&initBit != 0 {
		p.reset(true, true)
		p.initStage = initExpectingICW2
		return 0, false
	}
	if p.initStage != initInitialized {
		return 0, false
	}

	if value&commandBit == 0 {
		ocw := ocw2(value)
		if !ocw.EOI() {
			return 0, false
		}
		if ocw.SL() {
			level := ocw.Level()
			return p.eoi(&level)
		}
		return p.eoi(nil)
	}

	ocw := ocw3(value)
	if ocw.SpecialMaskEnabled() {
		p.specialMask = ocw.SpecialMask()
	}
	p.ocw3 = ocw
	return 0, false
}

func (p *pic) writeData(value byte) {
	switch p.initStage {
	case initUninitialized, initInitialized:
		p.imr = value
	case initExpectingICW2:
		p.icw2 = value &^ picIRQMask
		p.initStage = initExpectingICW3
	case initExpectingICW3:
		p.initStage = initExpectingICW4
	case initExpectingICW4:
		p.icw4 = value
		p.autoEOI = value&0x02 != 0
		p.initStage = initInitialized
	}
}

type initStage int

const (
	initUninitialized initStage = iota
	initExpectingICW2
	initExpectingICW3
	initExpectingICW4
	initInitialized
)

type ocw2 byte

type ocw3 byte

func (o ocw2) Level() byte { return byte(o) & 0x07 }
func (o ocw2) SL() bool    { return byte(o)&0x40 != 0 }
func (o ocw2) EOI() bool   { return byte(o)&0x20 != 0 }

func (o ocw3) ris() bool  { return byte(o)&0x01 != 0 }
func (o ocw3) poll() bool { return byte(o)&0x04 != 0 }
func (o *ocw3) setPoll(v bool) {
	if v {
		*o |= 0x04
	} else {
		*o &^= 0x04
	}
}
func (o ocw3) SpecialMask() bool        { return byte(o)&0x20 != 0 }
func (o ocw3) SpecialMaskEnabled() bool { return byte(o)&0x40 != 0 }

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}
