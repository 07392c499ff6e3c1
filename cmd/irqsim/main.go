// Command irqsim runs a simulated x86 machine's interrupt plumbing: vCPU
// loops arbitrate and acknowledge interrupts raised by timers and paced
// devices described in a YAML topology.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/term"

	"github.com/tinyrange/irqcore/internal/config"
	"github.com/tinyrange/irqcore/internal/hv"
	"github.com/tinyrange/irqcore/internal/irq"
	"github.com/tinyrange/irqcore/internal/machine"
)

type Globals struct {
	LogLevel  string `enum:"debug,info,warn,error" default:"info" help:"Minimum log level (${enum})."`
	LogFormat string `enum:"auto,text,json" default:"auto" help:"Log format; auto picks text on a terminal."`
}

func (g *Globals) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	format := g.LogFormat
	if format == "auto" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

type runCmd struct {
	Topology     string        `arg:"" type:"existingfile" help:"YAML topology file."`
	Duration     time.Duration `default:"1s" help:"How long the guest runs."`
	MigrateEvery time.Duration `help:"Move each vCPU to the next host core at this interval (0 disables)."`
	Metrics      bool          `help:"Print arbitration metrics in the Prometheus text format."`
	Dump         bool          `help:"Dump controller and vCPU state after the run."`
}

func (c *runCmd) Run(g *Globals) error {
	log := g.logger()
	slog.SetDefault(log)

	topo, err := config.Load(c.Topology)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := irq.NewMetrics(reg)
	if err != nil {
		return err
	}

	m, err := machine.New(topo.VMConfig(), machine.WithLogger(log), machine.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer m.Close()

	sim, err := newSimulation(m, topo, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration)
	defer cancel()

	start := time.Now()
	if err := sim.run(ctx, c.MigrateEvery); err != nil {
		return fmt.Errorf("irqsim: %w", err)
	}
	sim.report(os.Stdout, time.Since(start))

	if c.Dump {
		dumper.Fdump(os.Stdout, m.State())
	}
	if c.Metrics {
		if err := writeMetrics(os.Stdout, reg); err != nil {
			return err
		}
	}
	return nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("irqsim: gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

type checkCmd struct {
	Topology string `arg:"" type:"existingfile" help:"YAML topology file."`
}

func (c *checkCmd) Run(g *Globals) error {
	topo, err := config.Load(c.Topology)
	if err != nil {
		return err
	}
	dumper.Fdump(os.Stdout, topo.VMConfig())
	dumper.Fdump(os.Stdout, topo.Devices)
	return nil
}

type modesCmd struct{}

func (modesCmd) Run() error {
	fmt.Printf("%-8s %-14s %-6s %s\n", "IRQCHIP", "LAPIC-IN-KERN", "ASYNC", "RESAMPLE")
	for _, mode := range []hv.IRQChipMode{hv.IRQChipNone, hv.IRQChipSplit, hv.IRQChipKernel} {
		fmt.Printf("%-8s %-14v %-6v %v\n",
			mode,
			mode.LAPICInKernel(),
			irq.AllowAsyncInjection(mode, false),
			irq.AllowAsyncInjection(mode, true),
		)
	}
	return nil
}

var cli struct {
	Globals

	Run   runCmd   `cmd:"" help:"Run a topology."`
	Check checkCmd `cmd:"" help:"Validate a topology and print the resolved machine."`
	Modes modesCmd `cmd:"" help:"List irqchip modes and which async injection they admit."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("irqsim"),
		kong.Description("Simulate per-vCPU interrupt arbitration."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
