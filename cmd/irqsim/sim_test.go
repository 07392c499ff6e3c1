package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/irqcore/internal/config"
	"github.com/tinyrange/irqcore/internal/irq"
	"github.com/tinyrange/irqcore/internal/machine"
)

func runTopology(t *testing.T, doc string, d time.Duration) (*simulation, *prometheus.Registry) {
	t.Helper()
	topo, err := config.Parse([]byte(doc))
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	metrics, err := irq.NewMetrics(reg)
	require.NoError(t, err)
	m, err := machine.New(topo.VMConfig(), machine.WithLogger(log), machine.WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	sim, err := newSimulation(m, topo, log)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, sim.run(ctx, 10*time.Millisecond))
	return sim, reg
}

func TestSimulationPerMode(t *testing.T) {
	docs := map[string]string{
		"none": `
irqchip: none
pit: {hz: 1000}
devices: [{name: kbd, gsi: 1, rate: 500}]
`,
		"split": `
vcpus: 2
irqchip: split
pit: {hz: 1000}
lapic: {timer_vector: 0xec, timer_period: 1ms}
devices:
  - {name: kbd, gsi: 1, rate: 500}
  - {name: nic, gsi: 20, rate: 500, async: true, vector: 0x41, dest: 1}
`,
		"kernel": `
vcpus: 2
irqchip: kernel
lapic: {timer_vector: 0xec, timer_period: 1ms}
devices:
  - {name: nic, gsi: 20, rate: 500, async: true, resample: true, vector: 0x41, dest: 0xff, level: true}
  - {name: ata, gsi: 14, rate: 500, async: true}
`,
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			sim, _ := runTopology(t, doc, 200*time.Millisecond)
			for _, d := range sim.devices {
				require.Positive(t, d.raised.Load(), "device %s", d.cfg.Name)
			}
			var total uint64
			for _, st := range sim.stats {
				for _, n := range st.bySource {
					total += n
				}
			}
			require.Positive(t, total)
		})
	}
}

func TestSimulationPostsWithAPICv(t *testing.T) {
	sim, reg := runTopology(t, `
vcpus: 2
irqchip: kernel
apicv: true
lapic: {timer_vector: 0xec, timer_period: 1ms}
devices:
  - {name: nic, gsi: 20, rate: 500, async: true, resample: true, vector: 0x41, dest: 0xff, level: true}
`, 200*time.Millisecond)

	for id, st := range sim.stats {
		require.Positive(t, st.bySource[irq.SourcePosted], "vcpu %d", id)
		require.Zero(t, st.bySource[irq.SourceLocal], "vcpu %d", id)
	}
	require.Positive(t, sim.devices[0].raised.Load())

	var out bytes.Buffer
	require.NoError(t, writeMetrics(&out, reg))
	require.Contains(t, out.String(), `irqcore_interrupts_delivered_total{source="posted",vcpu="0"}`)
}

func TestReportAndMetrics(t *testing.T) {
	sim, reg := runTopology(t, `
irqchip: split
devices: [{name: kbd, gsi: 1, rate: 1000}]
`, 100*time.Millisecond)

	var out bytes.Buffer
	sim.report(&out, time.Second)
	require.Contains(t, out.String(), "ran 1s on split")
	require.Contains(t, out.String(), "device kbd: gsi=1")
	require.Contains(t, out.String(), "external=")

	out.Reset()
	require.NoError(t, writeMetrics(&out, reg))
	require.Contains(t, out.String(), `irqcore_interrupts_delivered_total{source="external",vcpu="0"}`)
}
