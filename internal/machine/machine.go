// Package machine wires the interrupt controllers of a virtual x86 machine
// to its vCPUs according to the irqchip mode.
//
// In every mode the dual PIC decodes ISA GSIs 0-15 and the PIT drives GSI 0.
// With an in-kernel local APIC (split or kernel mode) the IOAPIC receives
// every GSI as well and routes fixed-mode vectors to the local APICs. The
// PIC reaches the boot vCPU differently per mode:
//
//   - none: the machine acknowledges the PIC and queues the vector
//     directly on the vCPU.
//   - split: the machine acknowledges the PIC and latches the vector into
//     the vCPU's external register.
//   - kernel: the vCPU's arbiter reads the PIC itself.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	corechipset "github.com/tinyrange/irqcore/internal/chipset"
	x86chipset "github.com/tinyrange/irqcore/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqcore/internal/devices/amd64/lapic"
	"github.com/tinyrange/irqcore/internal/hosttimer"
	"github.com/tinyrange/irqcore/internal/hv"
	"github.com/tinyrange/irqcore/internal/irq"
)

const (
	isaIRQs       = 16
	broadcastDest = 0xff
)

// ErrNoSuchCPU is returned for vCPU indices outside the machine.
var ErrNoSuchCPU = errors.New("machine: no such vCPU")

type options struct {
	sched     hosttimer.Scheduler
	log       *slog.Logger
	metrics   *irq.Metrics
	apicTick  int64
	pitOpts   []x86chipset.PITOption
	apicOpts  []lapic.Option
	vendorFor func(cpu int) irq.MigratableTimer
}

// Option configures a Machine.
type Option func(*options)

// WithScheduler drives every emulated timer from s. Without it the machine
// creates a CoreScheduler and closes it in Close.
func WithScheduler(s hosttimer.Scheduler) Option {
	return func(o *options) { o.sched = s }
}

// WithLogger sets the logger shared by all components.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics records arbitration metrics for every vCPU.
func WithMetrics(m *irq.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPITOptions passes extra options to the PIT.
func WithPITOptions(opts ...x86chipset.PITOption) Option {
	return func(o *options) { o.pitOpts = append(o.pitOpts, opts...) }
}

// WithLAPICOptions passes extra options to every local APIC.
func WithLAPICOptions(opts ...lapic.Option) Option {
	return func(o *options) { o.apicOpts = append(o.apicOpts, opts...) }
}

// WithVendorTimers attaches an implementation-specific timer to each vCPU.
func WithVendorTimers(fn func(cpu int) irq.MigratableTimer) Option {
	return func(o *options) { o.vendorFor = fn }
}

// CPU pairs a vCPU's arbiter with its local APIC. APIC is nil when the
// machine has no in-kernel local APIC.
type CPU struct {
	VCPU *irq.VCPU
	APIC *lapic.LocalAPIC

	// aborted is set by AbortEntry and consumed by the next EnterGuest.
	aborted bool
}

// Machine is a set of vCPUs and the interrupt controllers they share.
type Machine struct {
	mode hv.IRQChipMode
	log  *slog.Logger

	sched      hosttimer.Scheduler
	ownedSched io.Closer

	pic    *x86chipset.DualPIC
	ioapic *x86chipset.IOAPIC
	pit    *x86chipset.PIT
	lines  *corechipset.LineSet
	bus    *corechipset.Chipset

	cpus []*CPU

	// legacyMu serialises moving the PIC output into vCPU 0.
	legacyMu sync.Mutex

	routesMu sync.Mutex
	routes   map[uint32]*AsyncRoute
}

// New builds a machine for cfg.
func New(cfg hv.VMConfig, opts ...Option) (*Machine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("machine: nil config")
	}
	if simple, ok := cfg.(hv.SimpleVMConfig); ok {
		if err := simple.Validate(); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
	} else if cfg.CPUCount() <= 0 {
		return nil, fmt.Errorf("machine: %w: %d", hv.ErrInvalidVCPUCount, cfg.CPUCount())
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	m := &Machine{
		mode:   cfg.IRQChip(),
		log:    o.log,
		sched:  o.sched,
		routes: make(map[uint32]*AsyncRoute),
	}
	if m.sched == nil {
		core := hosttimer.NewCoreScheduler(o.log)
		m.sched = core
		m.ownedSched = core
	}

	m.pic = x86chipset.NewDualPIC(o.log)
	pitOpts := append([]x86chipset.PITOption{
		x86chipset.WithPITScheduler(m.sched),
		x86chipset.WithPITLogger(o.log),
	}, o.pitOpts...)
	m.pit = x86chipset.NewPIT(x86chipset.IRQLineFunc(m.setIRQLine), pitOpts...)

	pins := isaIRQs
	if m.mode.LAPICInKernel() {
		m.ioapic = x86chipset.NewIOAPIC(cfg.IOAPICPins())
		if p := m.ioapic.Pins(); p > pins {
			pins = p
		}
	}

	builder := corechipset.NewBuilder()
	if err := builder.RegisterPorts("pic", m.pic.IOPorts(), m.pic); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if err := builder.RegisterPorts("pit", m.pit.IOPorts(), m.pit); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	for gsi := 0; gsi < pins; gsi++ {
		if gsi < isaIRQs {
			if err := builder.RouteGSI(uint32(gsi), m.pic); err != nil {
				return nil, fmt.Errorf("machine: %w", err)
			}
		}
		if m.ioapic != nil {
			if err := builder.RouteGSI(uint32(gsi), m.ioapic); err != nil {
				return nil, fmt.Errorf("machine: %w", err)
			}
		}
	}
	bus, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("machine: build chipset: %w", err)
	}
	m.bus = bus

	m.lines = corechipset.NewLineSet(bus)
	m.pic.SetAckNotifier(m.lines)
	if m.ioapic != nil {
		m.lines.AttachEOITarget(m.ioapic)
		m.ioapic.SetAckNotifier(m.lines)
		m.ioapic.SetRouting(x86chipset.IoApicRoutingFunc(m.routeIOAPIC))
	}

	for id := 0; id < cfg.CPUCount(); id++ {
		c, err := m.newCPU(id, cfg, o)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.cpus = append(m.cpus, c)
	}

	boot := m.cpus[0]
	m.pic.SetReadyLine(x86chipset.LineInterruptFromFunc(func(level bool) {
		if level {
			boot.VCPU.Kick()
		}
	}))

	m.log.Info("machine: created",
		"irqchip", m.mode,
		"vcpus", len(m.cpus),
		"gsis", len(bus.RoutedGSIs()),
		"apicv", cfg.Acceleration().APICVirtualization,
	)
	return m, nil
}

func (m *Machine) newCPU(id int, cfg hv.VMConfig, o options) (*CPU, error) {
	c := &CPU{}
	icfg := irq.Config{
		ID:            id,
		Mode:          m.mode,
		Acceleration:  cfg.Acceleration(),
		PlatformTimer: m.pit,
		Metrics:       o.metrics,
		Logger:        o.log,
	}
	if o.vendorFor != nil {
		icfg.Vendor = o.vendorFor(id)
	}
	if m.mode.LAPICInKernel() {
		apicOpts := append([]lapic.Option{
			lapic.WithScheduler(m.sched),
			lapic.WithLogger(o.log),
			lapic.WithEOIBroadcaster(m.lines),
			lapic.WithKick(func() { c.VCPU.Kick() }),
		}, o.apicOpts...)
		c.APIC = lapic.New(uint8(id), apicOpts...)
		if id == 0 {
			c.APIC.SetLVT0(lapic.LVTVirtualWire)
		}
		icfg.Local = c.APIC
	}
	if m.mode.FullyInKernel() {
		icfg.Legacy = m.pic
	}
	vcpu, err := irq.NewVCPU(icfg)
	if err != nil {
		if c.APIC != nil {
			c.APIC.Stop()
		}
		return nil, fmt.Errorf("machine: %w", err)
	}
	c.VCPU = vcpu
	return c, nil
}

// Mode returns the irqchip mode.
func (m *Machine) Mode() hv.IRQChipMode { return m.mode }

// NumCPUs returns the vCPU count.
func (m *Machine) NumCPUs() int { return len(m.cpus) }

// CPU returns vCPU id.
func (m *Machine) CPU(id int) (*CPU, error) {
	if id < 0 || id >= len(m.cpus) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchCPU, id)
	}
	return m.cpus[id], nil
}

// PIC returns the legacy controller.
func (m *Machine) PIC() *x86chipset.DualPIC { return m.pic }

// IOAPIC returns the IOAPIC, or nil without an in-kernel local APIC.
func (m *Machine) IOAPIC() *x86chipset.IOAPIC { return m.ioapic }

// PIT returns the interval timer.
func (m *Machine) PIT() *x86chipset.PIT { return m.pit }

// Lines returns the machine's line set, for devices that need a
// LineInterrupt handle or ack callbacks.
func (m *Machine) Lines() *corechipset.LineSet { return m.lines }

// SetIRQ drives a GSI on every controller it is routed to.
func (m *Machine) SetIRQ(gsi uint32, level bool) error {
	if err := m.bus.SetGSI(gsi, level); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	return nil
}

func (m *Machine) setIRQLine(line uint8, level bool) {
	if err := m.bus.SetGSI(uint32(line), level); err != nil {
		m.log.Warn("machine: dropped interrupt", "gsi", line, "error", err)
	}
}

// HandlePIO dispatches a port access from the guest.
func (m *Machine) HandlePIO(port uint16, data []byte, isWrite bool) error {
	return m.bus.HandlePIO(port, data, isWrite)
}

// routeIOAPIC delivers an IOAPIC message to local APICs. Destinations are
// APIC IDs, which equal vCPU indices. Logical mode uses the flat model.
func (m *Machine) routeIOAPIC(vector, dest, destMode, deliveryMode uint8, level bool) {
	if deliveryMode == x86chipset.DeliveryModeExtINT {
		// The PIC decodes the same GSI and delivers through LINT0.
		return
	}
	var targets []*CPU
	for id, c := range m.cpus {
		switch {
		case dest == broadcastDest:
		case destMode == 0 && int(dest) == id:
		case destMode == 1 && id < 8 && dest&(1<<id) != 0:
		default:
			continue
		}
		targets = append(targets, c)
	}
	if len(targets) == 0 {
		m.log.Debug("machine: ioapic message has no destination", "vector", vector, "dest", dest, "logical", destMode == 1)
		return
	}
	if deliveryMode == 1 {
		targets = targets[:1]
	}
	for _, c := range targets {
		c.APIC.Accept(vector, level)
	}
}

// EnterGuest prepares vCPU id to run on hostCPU and returns the interrupt
// to inject, if any. It mirrors the order of a guest entry: retire the
// previous entry's injected vector, migrate timers when the core changed,
// queue expired APIC timers, forward the PIC output when it is not read by
// the arbiter directly, then arbitrate.
//
// With APIC virtualization outside a nested guest, local APIC vectors are
// not injected; the APIC is acknowledged directly and the delivery is
// reported with irq.SourcePosted.
func (m *Machine) EnterGuest(id, hostCPU int) (irq.Delivery, bool, error) {
	c, err := m.CPU(id)
	if err != nil {
		return irq.Delivery{}, false, err
	}
	v := c.VCPU
	if c.aborted {
		c.aborted = false
	} else if v.Injected().State == irq.InjectedDelivered {
		v.ClearInjected()
	}
	v.Load(hostCPU)
	v.InjectPendingTimerInterrupts()
	if id == 0 {
		if err := m.forwardLegacy(c); err != nil {
			return irq.Delivery{}, false, err
		}
	}
	if !v.HasInjectableInterrupt() {
		if v.HasInterrupt() {
			d, ok := v.DeliverPosted()
			return d, ok, nil
		}
		return irq.Delivery{}, false, nil
	}
	d, ok := v.Deliver()
	if ok && d.Source == irq.SourceInjected {
		// The slot stays Delivered until the next entry commits it.
		v.MarkDelivered()
	}
	return d, ok, nil
}

// AbortEntry records that the last EnterGuest on vCPU id never reached the
// guest. A Delivered injected vector is then handed out again by the next
// EnterGuest instead of being retired. Vectors already acknowledged from a
// controller are not replayed.
func (m *Machine) AbortEntry(id int) error {
	c, err := m.CPU(id)
	if err != nil {
		return err
	}
	c.aborted = true
	return nil
}

// EnterNestedGuest marks vCPU id as running an L2 guest. Call it from the
// vCPU's own goroutine.
func (m *Machine) EnterNestedGuest(id int) error {
	c, err := m.CPU(id)
	if err != nil {
		return err
	}
	c.VCPU.EnterNestedGuest()
	return nil
}

// LeaveNestedGuest returns vCPU id to L1.
func (m *Machine) LeaveNestedGuest(id int) error {
	c, err := m.CPU(id)
	if err != nil {
		return err
	}
	c.VCPU.LeaveNestedGuest()
	return nil
}

// forwardLegacy moves an asserted PIC output into the boot vCPU in the
// modes where the PIC lives outside the kernel.
func (m *Machine) forwardLegacy(c *CPU) error {
	if m.mode.FullyInKernel() {
		return nil
	}
	m.legacyMu.Lock()
	defer m.legacyMu.Unlock()

	if !m.pic.OutputAsserted() {
		return nil
	}
	switch m.mode {
	case hv.IRQChipNone:
		if c.VCPU.Injected().IsSet() {
			return nil
		}
	case hv.IRQChipSplit:
		if c.VCPU.ExternalPending() || !c.APIC.AcceptsExtInt() {
			return nil
		}
	}
	vec := m.pic.ReadAndAck()
	if err := c.VCPU.InjectExternal(vec); err != nil {
		return fmt.Errorf("machine: forward PIC vector %#x: %w", vec, err)
	}
	return nil
}

// EOI signals end of interrupt for d from vCPU id's guest. Local APIC
// deliveries, posted or injected, retire through the APIC; everything else
// came from the PIC and gets a non-specific EOI on the controller that
// raised it. A zero Delivery is ignored.
func (m *Machine) EOI(id int, d irq.Delivery) error {
	c, err := m.CPU(id)
	if err != nil {
		return err
	}
	switch d.Source {
	case irq.SourceNone:
		return nil
	case irq.SourceLocal, irq.SourcePosted:
		if got, ok := c.APIC.EOI(); ok && got != d.Vector {
			m.log.Debug("machine: EOI retired a different vector", "vcpu", id, "want", d.Vector, "got", got)
		}
		return nil
	}
	const nonSpecificEOI = 0x20
	regs := m.pic.State()
	if d.Vector&^0x7 == hv.Vector(regs.Secondary.Base) {
		if err := m.bus.HandlePIO(0xa0, []byte{nonSpecificEOI}, true); err != nil {
			return err
		}
	}
	return m.bus.HandlePIO(0x20, []byte{nonSpecificEOI}, true)
}

// Close stops every timer and asynchronous route.
func (m *Machine) Close() error {
	m.routesMu.Lock()
	routes := make([]*AsyncRoute, 0, len(m.routes))
	for _, r := range m.routes {
		routes = append(routes, r)
	}
	m.routesMu.Unlock()
	for _, r := range routes {
		r.Close()
	}

	m.pit.Stop()
	for _, c := range m.cpus {
		if c.APIC != nil {
			c.APIC.Stop()
		}
	}
	if m.ownedSched != nil {
		return m.ownedSched.Close()
	}
	return nil
}
