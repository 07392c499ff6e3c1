package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/irqcore/internal/hv"
)

func TestLoadExampleTopology(t *testing.T) {
	topo, err := Load(filepath.Join("testdata", "topology.yaml"))
	require.NoError(t, err)

	require.Equal(t, hv.SimpleVMConfig{NumCPUs: 2, Mode: hv.IRQChipSplit, Pins: 24}, topo.VMConfig())
	require.Equal(t, 100, topo.PIT.HZ)
	require.Equal(t, LAPIC{TimerVector: 0xec, TimerPeriod: 4 * time.Millisecond}, topo.LAPIC)
	require.Len(t, topo.Devices, 3)

	nic := topo.Devices[1]
	require.Equal(t, Device{Name: "nic", GSI: 20, Rate: 500, Burst: 4, Async: true, Vector: 0x41, Dest: 1}, nic)
	require.Equal(t, 1, topo.Devices[0].Burst, "burst defaults to 1")
	require.Equal(t, uint8(0xff), topo.Devices[2].Dest)
}

func TestParseDefaults(t *testing.T) {
	topo, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, 1, topo.VCPUs)
	require.Equal(t, hv.IRQChipKernel, topo.Mode())
	require.Equal(t, 24, topo.VMConfig().IOAPICPins())

	topo, err = Parse([]byte("irqchip: none\ndevices:\n  - gsi: 3\n    rate: 1\n"))
	require.NoError(t, err)
	require.Equal(t, hv.IRQChipNone, topo.Mode())
	require.Equal(t, "gsi3", topo.Devices[0].Name)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":        "vcpu: 2\n",
		"bad mode":           "irqchip: userspace\n",
		"negative vcpus":     "vcpus: -1\n",
		"apicv without apic": "irqchip: none\napicv: true\n",
		"too few pins":       "ioapic_pins: 8\n",
		"lapic timer in none mode": `
irqchip: none
lapic: {timer_vector: 0xec, timer_period: 1ms}
`,
		"reserved timer vector": "lapic: {timer_vector: 3, timer_period: 1ms}\n",
		"gsi beyond isa without ioapic": `
irqchip: none
devices: [{name: a, gsi: 16, rate: 1}]
`,
		"gsi beyond pins": "devices: [{name: a, gsi: 24, rate: 1}]\n",
		"pit conflict":    "pit: {hz: 100}\ndevices: [{name: a, gsi: 0, rate: 1}]\n",
		"zero rate":       "devices: [{name: a, gsi: 3}]\n",
		"duplicate name": `
devices:
  - {name: a, gsi: 3, rate: 1}
  - {name: a, gsi: 4, rate: 1}
`,
		"resample without async": "devices: [{name: a, gsi: 3, rate: 1, resample: true}]\n",
		"vector without ioapic": `
irqchip: none
devices: [{name: a, gsi: 3, rate: 1, vector: 0x40}]
`,
		"reserved vector": "devices: [{name: a, gsi: 3, rate: 1, vector: 2}]\n",
		"missing dest":    "devices: [{name: a, gsi: 3, rate: 1, vector: 0x40, dest: 4}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
devices:
  - {name: a, gsi: 30, rate: 1}
  - {name: b, gsi: 3, rate: 0}
`))
	require.ErrorIs(t, err, ErrInvalidTopology)
	require.Contains(t, err.Error(), `"a"`)
	require.Contains(t, err.Error(), `"b"`)
}

func TestLoadSizeCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.yaml")
	require.NoError(t, os.WriteFile(path, []byte("# "+strings.Repeat("x", MaxTopologySize)), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "limit")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
