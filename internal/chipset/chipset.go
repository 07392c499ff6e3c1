package chipset

import (
	"fmt"
)

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	binding, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	if isWrite {
		if err := binding.handler.WriteIOPort(port, data); err != nil {
			return fmt.Errorf("chipset: %s: %w", binding.device, err)
		}
		return nil
	}
	if err := binding.handler.ReadIOPort(port, data); err != nil {
		return fmt.Errorf("chipset: %s: %w", binding.device, err)
	}
	return nil
}

// SetGSI drives every sink routed to gsi.
func (c *Chipset) SetGSI(gsi uint32, level bool) error {
	sinks, ok := c.gsis[gsi]
	if !ok {
		return fmt.Errorf("chipset: GSI %d is not routed", gsi)
	}
	for _, sink := range sinks {
		sink.SetIRQ(uint8(gsi), level)
	}
	return nil
}

// SetIRQ implements InterruptSink so a Chipset can back a LineSet. Writes
// to unrouted lines are dropped.
func (c *Chipset) SetIRQ(line uint8, level bool) {
	_ = c.SetGSI(uint32(line), level)
}

var _ InterruptSink = (*Chipset)(nil)
