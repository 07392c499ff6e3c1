// Package config loads the YAML topology of a simulated machine: vCPU
// count, irqchip mode, interval timer rate and the devices that raise
// interrupts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/irqcore/internal/hv"
)

// MaxTopologySize bounds the file Load will read.
const MaxTopologySize = 1024 * 1024

const (
	defaultIOAPICPins = 24
	isaIRQs           = 16
	broadcastDest     = 0xff
)

var ErrInvalidTopology = errors.New("config: invalid topology")

// Topology describes one simulated machine.
type Topology struct {
	VCPUs int `yaml:"vcpus"`
	// IRQChip defaults to kernel when omitted.
	IRQChip    *hv.IRQChipMode `yaml:"irqchip"`
	APICv      bool            `yaml:"apicv"`
	IOAPICPins int             `yaml:"ioapic_pins"`

	PIT   PIT   `yaml:"pit"`
	LAPIC LAPIC `yaml:"lapic"`

	Devices []Device `yaml:"devices"`
}

// PIT programs channel 0 as a rate generator. Zero leaves it idle.
type PIT struct {
	HZ int `yaml:"hz"`
}

// LAPIC programs every local APIC's timer in periodic mode.
type LAPIC struct {
	TimerVector uint8         `yaml:"timer_vector"`
	TimerPeriod time.Duration `yaml:"timer_period"`
}

// Device is an interrupt source driven at a fixed rate.
type Device struct {
	Name string `yaml:"name"`
	GSI  uint32 `yaml:"gsi"`
	// Rate is in interrupts per second; Burst lets a device catch up after
	// a stall.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`

	// Async injects from the device's own goroutine through an async
	// route instead of the machine's SetIRQ.
	Async    bool `yaml:"async"`
	Resample bool `yaml:"resample"`

	// Vector, when set, programs the IOAPIC pin for the GSI.
	Vector uint8 `yaml:"vector"`
	Dest   uint8 `yaml:"dest"`
	Level  bool  `yaml:"level"`
}

// Mode returns the irqchip mode with the default applied.
func (t *Topology) Mode() hv.IRQChipMode {
	if t.IRQChip == nil {
		return hv.IRQChipKernel
	}
	return *t.IRQChip
}

// VMConfig returns the machine shape as an hv.VMConfig.
func (t *Topology) VMConfig() hv.SimpleVMConfig {
	return hv.SimpleVMConfig{
		NumCPUs: t.VCPUs,
		Mode:    t.Mode(),
		APICv:   t.APICv,
		Pins:    t.IOAPICPins,
	}
}

// Load reads and validates the topology at path.
func Load(path string) (*Topology, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if info.Size() > MaxTopologySize {
		return nil, fmt.Errorf("config: %s is %d bytes, limit is %d", path, info.Size(), MaxTopologySize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("config: loaded topology", "path", path, "vcpus", t.VCPUs, "irqchip", t.Mode(), "devices", len(t.Devices))
	return t, nil
}

// Parse decodes a topology document, applies defaults and validates it.
// Unknown keys are errors.
func Parse(data []byte) (*Topology, error) {
	if len(data) > MaxTopologySize {
		return nil, fmt.Errorf("config: topology is %d bytes, limit is %d", len(data), MaxTopologySize)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t Topology
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) applyDefaults() {
	if t.VCPUs == 0 {
		t.VCPUs = 1
	}
	if t.IOAPICPins == 0 {
		t.IOAPICPins = defaultIOAPICPins
	}
	for i := range t.Devices {
		d := &t.Devices[i]
		if d.Burst == 0 {
			d.Burst = 1
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("gsi%d", d.GSI)
		}
	}
}

// Validate reports every problem in the topology at once.
func (t *Topology) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidTopology}, args...)...))
	}

	if err := t.VMConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidTopology, err))
	}
	if t.IOAPICPins < isaIRQs || t.IOAPICPins > 256 {
		fail("ioapic_pins %d outside [%d, 256]", t.IOAPICPins, isaIRQs)
	}
	if t.PIT.HZ < 0 || t.PIT.HZ > 1193182 {
		fail("pit.hz %d out of range", t.PIT.HZ)
	}
	if t.LAPIC.TimerPeriod < 0 {
		fail("lapic.timer_period is negative")
	}
	if t.LAPIC.TimerPeriod > 0 {
		if !t.Mode().LAPICInKernel() {
			fail("lapic timer needs an in-kernel local APIC (irqchip=%s)", t.Mode())
		}
		if t.LAPIC.TimerVector < 16 {
			fail("lapic.timer_vector %#x is reserved", t.LAPIC.TimerVector)
		}
	}

	gsis := t.IOAPICPins
	if !t.Mode().LAPICInKernel() {
		gsis = isaIRQs
	}
	names := make(map[string]bool)
	for _, d := range t.Devices {
		if names[d.Name] {
			fail("duplicate device %q", d.Name)
		}
		names[d.Name] = true

		if int(d.GSI) >= gsis {
			fail("device %q: gsi %d not routed (machine has %d)", d.Name, d.GSI, gsis)
		}
		if d.GSI == 0 && t.PIT.HZ > 0 {
			fail("device %q: gsi 0 belongs to the PIT", d.Name)
		}
		if d.Rate <= 0 {
			fail("device %q: rate must be positive", d.Name)
		}
		if d.Burst < 0 {
			fail("device %q: negative burst", d.Name)
		}
		if d.Resample && !d.Async {
			fail("device %q: resample needs async", d.Name)
		}
		if d.Vector != 0 {
			if !t.Mode().LAPICInKernel() {
				fail("device %q: vector needs an IOAPIC (irqchip=%s)", d.Name, t.Mode())
			}
			if d.Vector < 16 {
				fail("device %q: vector %#x is reserved", d.Name, d.Vector)
			}
			if d.Dest != broadcastDest && int(d.Dest) >= t.VCPUs {
				fail("device %q: dest %d has no vCPU", d.Name, d.Dest)
			}
		}
	}
	return errors.Join(errs...)
}
