package chipset

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/irqcore/internal/hosttimer"
)

const (
	pitChannel0Port uint16 = 0x40
	pitChannel1Port uint16 = 0x41
	pitChannel2Port uint16 = 0x42
	pitControlPort  uint16 = 0x43
	pitPort61       uint16 = 0x61

	pitInputFrequency = 1193182
)

var pitTickDuration = time.Second / pitInputFrequency

// PIT emulates the legacy 8254 programmable interval timer used by x86 PCs.
//
// Channel 0 drives ISA IRQ0 from a hosttimer.Timer bound to the host CPU of
// the boot vCPU; Migrate follows that vCPU around. Channels 1 and 2 only
// count, channel 2 being gated through port 0x61.
type PIT struct {
	mu sync.Mutex

	sched    hosttimer.Scheduler
	owned    *hosttimer.CoreScheduler
	tick     time.Duration
	channels [3]*pitChannel
	port61   byte
	irq      irqLine
	log      *slog.Logger

	timer *hosttimer.Timer
	cpu   int
	fired uint64
}

// PITOption customises the PIT instance, mainly for tests.
type PITOption func(*PIT)

// WithPITScheduler overrides the scheduler that drives channel 0 and
// provides the time base for counter reads.
func WithPITScheduler(s hosttimer.Scheduler) PITOption {
	return func(p *PIT) {
		if s != nil {
			p.sched = s
		}
	}
}

// WithPITTick overrides the duration of a single PIT tick.
func WithPITTick(d time.Duration) PITOption {
	return func(p *PIT) {
		if d > 0 {
			p.tick = d
		}
	}
}

// WithPITLogger sets the logger used for programming events.
func WithPITLogger(log *slog.Logger) PITOption {
	return func(p *PIT) {
		if log != nil {
			p.log = log
		}
	}
}

// NewPIT builds a programmable interval timer backed by the supplied IRQ sink.
func NewPIT(irq irqLine, opts ...PITOption) *PIT {
	pit := &PIT{
		tick: pitTickDuration,
		irq:  irq,
		log:  slog.Default(),
		cpu:  hosttimer.AnyCPU,
	}
	if pit.irq == nil {
		pit.irq = noopIRQLine{}
	}
	for i := range pit.channels {
		pit.channels[i] = newPitChannel()
	}
	for _, opt := range opts {
		opt(pit)
	}
	if pit.sched == nil {
		pit.owned = hosttimer.NewCoreScheduler(pit.log)
		pit.sched = pit.owned
	}
	pit.timer = hosttimer.New(pit.sched, pit.handleChannel0Expiry)
	return pit
}

// IOPorts lists the ports the PIT decodes.
func (p *PIT) IOPorts() []uint16 {
	return []uint16{pitChannel0Port, pitChannel1Port, pitChannel2Port, pitControlPort, pitPort61}
}

func (p *PIT) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid read size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.sched.Now()
	switch port {
	case pitChannel0Port, pitChannel1Port, pitChannel2Port:
		data[0] = p.channels[port-pitChannel0Port].read(now, p.tick)
	case pitControlPort:
		data[0] = 0xff
	case pitPort61:
		p.channels[2].currentCount(now, p.tick)
		value := p.port61 &^ (1 << 5)
		if p.channels[2].outputHigh {
			value |= 1 << 5
		}
		data[0] = value
	default:
		return fmt.Errorf("pit: invalid read port 0x%04x", port)
	}
	return nil
}

func (p *PIT) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid write size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.sched.Now()
	switch port {
	case pitChannel0Port, pitChannel1Port, pitChannel2Port:
		idx := int(port - pitChannel0Port)
		if p.channels[idx].write(now, p.tick, data[0]) && idx == 0 {
			p.armChannel0Locked(now)
		}
	case pitControlPort:
		p.writeControlLocked(now, data[0])
	case pitPort61:
		p.port61 = data[0] & 0x0f
		p.channels[2].gate = data[0]&1 != 0
	default:
		return fmt.Errorf("pit: invalid write port 0x%04x", port)
	}
	return nil
}

// Migrate moves channel 0's pending expiry to host CPU cpu. The deadline
// is unchanged.
func (p *PIT) Migrate(cpu int) {
	p.mu.Lock()
	p.cpu = cpu
	p.mu.Unlock()
	p.timer.Migrate(cpu)
}

// HostCPU reports the CPU channel 0 expiries are bound to.
func (p *PIT) HostCPU() int {
	return p.timer.CPU()
}

// Fired returns how many channel 0 expiries raised IRQ0.
func (p *PIT) Fired() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fired
}

// Stop disarms channel 0 and closes the scheduler the PIT created when
// none was supplied.
func (p *PIT) Stop() {
	p.timer.Cancel()
	if p.owned != nil {
		p.owned.Close()
	}
}

func (p *PIT) writeControlLocked(now time.Time, value byte) {
	selectField := (value >> 6) & 0x3
	if selectField == 0x3 {
		p.handleReadBackLocked(now, value)
		return
	}

	idx := int(selectField)
	access := pitAccessMode((value >> 4) & 0x3)
	if access == pitAccessLatch {
		p.channels[idx].latchCount(now, p.tick)
		return
	}
	mode := pitMode((value >> 1) & 0x7)
	if mode >= 6 {
		mode -= 4
	}
	p.channels[idx].setControl(access, mode, value&1 == 1)
	if idx == 0 {
		p.timer.Cancel()
	}
}

func (p *PIT) handleReadBackLocked(now time.Time, value byte) {
	command := readBackCommand(value)
	for idx := range p.channels {
		if !command.selects(idx) {
			continue
		}
		if command.status() {
			p.channels[idx].latchStatus()
		}
		if command.count() {
			p.channels[idx].latchCount(now, p.tick)
		}
	}
}

func (p *PIT) armChannel0Locked(now time.Time) {
	ch := p.channels[0]
	period := time.Duration(ch.effectiveReload()) * p.tick
	if period <= 0 {
		p.timer.Cancel()
		return
	}
	switch ch.control.mode {
	case pitMode2, pitMode3:
		p.timer.Arm(p.cpu, now.Add(period), period)
	default:
		p.timer.Arm(p.cpu, now.Add(period), 0)
	}
	p.log.Debug("pit: channel 0 armed",
		"reload", ch.reload,
		"mode", ch.control.mode,
		"period", period,
		"cpu", p.cpu,
	)
}

func (p *PIT) handleChannel0Expiry() {
	p.mu.Lock()
	ch := p.channels[0]
	if !ch.running {
		p.mu.Unlock()
		return
	}
	now := p.sched.Now()
	switch ch.control.mode {
	case pitMode2, pitMode3:
		ch.lastReload = now
	default:
		ch.running = false
		ch.outputHigh = true
	}
	p.fired++
	irq := p.irq
	p.mu.Unlock()

	irq.SetIRQ(0, true)
	irq.SetIRQ(0, false)
}

type pitAccessMode uint8

const (
	pitAccessLatch   pitAccessMode = 0
	pitAccessLow     pitAccessMode = 1
	pitAccessHigh    pitAccessMode = 2
	pitAccessLowHigh pitAccessMode = 3
)

type pitMode uint8

const (
	pitMode0 pitMode = 0
	pitMode2 pitMode = 2
	pitMode3 pitMode = 3
)

type pitControl struct {
	access pitAccessMode
	mode   pitMode
	bcd    bool
}

type pitChannel struct {
	control pitControl

	pendingValue uint16
	expectHigh   bool

	reload     uint16
	lastReload time.Time
	running    bool
	nullCount  bool
	outputHigh bool
	gate       bool

	latched      bool
	latchValue   uint16
	latchHigh    bool
	status       *byte
	readHigh     bool
	readHighByte byte
}

func newPitChannel() *pitChannel {
	return &pitChannel{
		control:    pitControl{access: pitAccessLowHigh, mode: pitMode3},
		nullCount:  true,
		outputHigh: true,
	}
}

func (ch *pitChannel) setControl(access pitAccessMode, mode pitMode, bcd bool) {
	gate := ch.gate
	*ch = *newPitChannel()
	ch.control = pitControl{access: access, mode: mode, bcd: bcd}
	ch.gate = gate
	ch.outputHigh = mode != pitMode0
}

// write loads a byte of the count and reports whether the count is complete.
func (ch *pitChannel) write(now time.Time, tick time.Duration, value byte) bool {
	switch ch.control.access {
	case pitAccessLow:
		ch.pendingValue = uint16(value)
	case pitAccessHigh:
		ch.pendingValue = uint16(value) << 8
	case pitAccessLowHigh:
		if !ch.expectHigh {
			ch.pendingValue = (ch.pendingValue & 0xff00) | uint16(value)
			ch.expectHigh = true
			return false
		}
		ch.pendingValue = uint16(value)<<8 | (ch.pendingValue & 0x00ff)
		ch.expectHigh = false
	default:
		return false
	}

	ch.reload = ch.pendingValue
	ch.lastReload = now
	ch.running = true
	ch.nullCount = false
	ch.readHigh = false
	ch.latched = false
	ch.status = nil
	ch.outputHigh = ch.control.mode != pitMode0
	return true
}

func (ch *pitChannel) read(now time.Time, tick time.Duration) byte {
	if ch.status != nil {
		value := *ch.status
		ch.status = nil
		return value
	}

	var value uint16
	if ch.latched {
		value = ch.latchValue
		if ch.control.access == pitAccessLowHigh && !ch.latchHigh {
			ch.latchHigh = true
		} else {
			ch.latched = false
		}
	} else {
		value = ch.currentCount(now, tick)
	}

	switch ch.control.access {
	case pitAccessLow:
		return byte(value)
	case pitAccessHigh:
		return byte(value >> 8)
	default:
		if !ch.readHigh {
			ch.readHigh = true
			ch.readHighByte = byte(value >> 8)
			return byte(value)
		}
		ch.readHigh = false
		return ch.readHighByte
	}
}

func (ch *pitChannel) currentCount(now time.Time, tick time.Duration) uint16 {
	if !ch.running {
		if ch.control.mode == pitMode0 && ch.outputHigh {
			return 0
		}
		return ch.reload
	}
	elapsed := now.Sub(ch.lastReload)
	if elapsed < 0 {
		elapsed = 0
	}
	ticks := uint64(elapsed / tick)
	period := uint64(ch.effectiveReload())
	if ticks >= period {
		if ch.control.mode == pitMode0 {
			ch.outputHigh = true
			ch.running = false
			return 0
		}
		ticks %= period
	}
	return uint16(period - ticks)
}

func (ch *pitChannel) latchCount(now time.Time, tick time.Duration) {
	if ch.latched {
		return
	}
	ch.latchValue = ch.currentCount(now, tick)
	ch.latched = true
	ch.latchHigh = false
}

func (ch *pitChannel) latchStatus() {
	if ch.status != nil {
		return
	}
	status := byte(ch.control.access&0x3)<<4 | byte(ch.control.mode&0x7)<<1
	if ch.outputHigh {
		status |= 1 << 7
	}
	if ch.nullCount {
		status |= 1 << 6
	}
	if ch.control.bcd {
		status |= 1
	}
	ch.status = &status
}

func (ch *pitChannel) effectiveReload() uint32 {
	if ch.reload == 0 {
		return 1 << 16
	}
	return uint32(ch.reload)
}

type readBackCommand byte

func (c readBackCommand) selects(idx int) bool { return (byte(c)>>(1+idx))&1 == 1 }

// Status and count latch bits are active low.
func (c readBackCommand) status() bool { return (byte(c)>>4)&1 == 0 }
func (c readBackCommand) count() bool  { return (byte(c)>>5)&1 == 0 }
