package chipset

import (
	"fmt"
	"sort"
)

type portBinding struct {
	device  string
	handler PortIOHandler
}

// ChipsetBuilder collects port handlers and GSI sinks before creating a
// Chipset.
type ChipsetBuilder struct {
	devices map[string]struct{}
	pio     map[uint16]portBinding
	gsis    map[uint32][]InterruptSink
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]struct{}),
		pio:     make(map[uint16]portBinding),
		gsis:    make(map[uint32][]InterruptSink),
	}
}

// RegisterPorts claims ports for a named device.
func (b *ChipsetBuilder) RegisterPorts(name string, ports []uint16, handler PortIOHandler) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if handler == nil {
		return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}
	for _, port := range ports {
		if existing, exists := b.pio[port]; exists {
			return fmt.Errorf("device %q: PIO port 0x%x already registered by %q", name, port, existing.device)
		}
	}
	for _, port := range ports {
		b.pio[port] = portBinding{device: name, handler: handler}
	}
	b.devices[name] = struct{}{}
	return nil
}

// RouteGSI adds sink as a destination of gsi. A GSI may fan out to several
// controllers, e.g. ISA IRQs reach both the PIC and the IOAPIC. The sink
// sees the line number it was registered with.
func (b *ChipsetBuilder) RouteGSI(gsi uint32, sink InterruptSink) error {
	if sink == nil {
		return fmt.Errorf("interrupt sink for GSI %d is nil", gsi)
	}
	if gsi > 0xff {
		return fmt.Errorf("GSI %d out of range", gsi)
	}
	b.gsis[gsi] = append(b.gsis[gsi], sink)
	return nil
}

// Build finalizes the layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	pio := make(map[uint16]portBinding, len(b.pio))
	for port, binding := range b.pio {
		pio[port] = binding
	}

	gsis := make(map[uint32][]InterruptSink, len(b.gsis))
	for gsi, sinks := range b.gsis {
		gsis[gsi] = append([]InterruptSink(nil), sinks...)
	}

	return &Chipset{
		pio:  pio,
		gsis: gsis,
	}, nil
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	pio  map[uint16]portBinding
	gsis map[uint32][]InterruptSink
}

// RoutedGSIs lists every GSI with at least one sink.
func (c *Chipset) RoutedGSIs() []uint32 {
	out := make([]uint32, 0, len(c.gsis))
	for gsi := range c.gsis {
		out = append(out, gsi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
