package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tinyrange/irqcore/internal/config"
	x86chipset "github.com/tinyrange/irqcore/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqcore/internal/devices/amd64/lapic"
	"github.com/tinyrange/irqcore/internal/irq"
	"github.com/tinyrange/irqcore/internal/machine"
)

const (
	pitHz         = 1193182
	primaryBase   = 0x20
	secondaryBase = 0x28
)

type device struct {
	cfg    config.Device
	route  *machine.AsyncRoute
	raised atomic.Uint64
}

type vcpuStats struct {
	bySource   map[irq.Source]uint64
	migrations int
}

type simulation struct {
	m       *machine.Machine
	log     *slog.Logger
	devices []*device
	stats   []vcpuStats
}

// newSimulation programs the machine the way a guest's firmware and
// drivers would: PIC initialisation, PIT rate, LAPIC timers and IOAPIC
// entries. It then opens async routes for devices that ask for them.
func newSimulation(m *machine.Machine, topo *config.Topology, log *slog.Logger) (*simulation, error) {
	s := &simulation{m: m, log: log, stats: make([]vcpuStats, m.NumCPUs())}
	for i := range s.stats {
		s.stats[i].bySource = make(map[irq.Source]uint64)
	}

	if err := s.guestWrite([]pioWrite{
		{0x20, 0x11}, {0x21, primaryBase}, {0x21, 0x04}, {0x21, 0x01},
		{0xa0, 0x11}, {0xa1, secondaryBase}, {0xa1, 0x02}, {0xa1, 0x01},
		{0x21, 0x00}, {0xa1, 0x00},
	}); err != nil {
		return nil, fmt.Errorf("program PIC: %w", err)
	}

	if topo.PIT.HZ > 0 {
		reload := pitHz / topo.PIT.HZ
		if reload > 0xffff {
			reload = 0
		}
		if err := s.guestWrite([]pioWrite{
			{0x43, 0x34},
			{0x40, byte(reload)},
			{0x40, byte(reload >> 8)},
		}); err != nil {
			return nil, fmt.Errorf("program PIT: %w", err)
		}
	}

	if topo.LAPIC.TimerPeriod > 0 {
		for id := 0; id < m.NumCPUs(); id++ {
			c, err := m.CPU(id)
			if err != nil {
				return nil, err
			}
			if err := programLAPICTimer(c.APIC, topo.LAPIC); err != nil {
				return nil, err
			}
		}
	}

	for _, d := range topo.Devices {
		dev := &device{cfg: d}
		if d.Vector != 0 {
			err := m.IOAPIC().Program(int(d.GSI), x86chipset.Redirection{
				Vector: d.Vector,
				Dest:   d.Dest,
				Level:  d.Level,
			})
			if err != nil {
				return nil, fmt.Errorf("device %q: %w", d.Name, err)
			}
		}
		if d.Async {
			route, err := m.RegisterAsyncInjection(d.GSI, d.Resample)
			if err != nil {
				return nil, fmt.Errorf("device %q: %w", d.Name, err)
			}
			dev.route = route
		}
		s.devices = append(s.devices, dev)
	}
	s.log.Info("irqsim: guest programmed",
		"pit_hz", topo.PIT.HZ,
		"lapic_timer", topo.LAPIC.TimerPeriod,
		"devices", len(s.devices),
	)
	return s, nil
}

type pioWrite struct {
	port uint16
	data byte
}

func (s *simulation) guestWrite(writes []pioWrite) error {
	for _, w := range writes {
		if err := s.m.HandlePIO(w.port, []byte{w.data}, true); err != nil {
			return err
		}
	}
	return nil
}

// programLAPICTimer picks the smallest divisor whose count fits 32 bits.
func programLAPICTimer(apic *lapic.LocalAPIC, cfg config.LAPIC) error {
	const tick = 10 * time.Nanosecond
	ticks := uint64(cfg.TimerPeriod / tick)
	divisor := uint32(1)
	for ticks/uint64(divisor) > 0xffffffff && divisor < 128 {
		divisor <<= 1
	}
	if err := apic.SetTimerDivide(divisor); err != nil {
		return err
	}
	apic.SetLVTTimer(uint32(cfg.TimerVector) | lapic.LVTTimerPeriodic)
	apic.SetInitialCount(uint32(ticks / uint64(divisor)))
	return nil
}

// run drives every vCPU loop and device until ctx is done.
func (s *simulation) run(ctx context.Context, migrateEvery time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < s.m.NumCPUs(); id++ {
		g.Go(func() error { return s.runVCPU(ctx, id, migrateEvery) })
	}
	for _, d := range s.devices {
		g.Go(func() error { return s.runDevice(ctx, d) })
	}
	err := g.Wait()
	for _, d := range s.devices {
		if d.route != nil {
			d.route.Close()
		}
	}
	return err
}

func (s *simulation) runVCPU(ctx context.Context, id int, migrateEvery time.Duration) error {
	c, err := s.m.CPU(id)
	if err != nil {
		return err
	}
	stats := &s.stats[id]
	ncpu := runtime.NumCPU()
	host := id % ncpu

	var migrate <-chan time.Time
	if migrateEvery > 0 {
		t := time.NewTicker(migrateEvery)
		defer t.Stop()
		migrate = t.C
	}

	for {
		for {
			d, ok, err := s.m.EnterGuest(id, host)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			stats.bySource[d.Source]++
			if err := s.m.EOI(id, d); err != nil {
				return fmt.Errorf("vcpu %d: %w", id, err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.VCPU.Events():
		case <-migrate:
			host = (host + 1) % ncpu
			stats.migrations++
		}
	}
}

func (s *simulation) runDevice(ctx context.Context, d *device) error {
	lim := rate.NewLimiter(rate.Limit(d.cfg.Rate), d.cfg.Burst)
	for {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("device %q: %w", d.cfg.Name, err)
		}
		if err := s.raise(d); err != nil {
			return fmt.Errorf("device %q: %w", d.cfg.Name, err)
		}
		d.raised.Add(1)

		if d.route != nil && d.cfg.Resample {
			select {
			case <-d.route.Resampled():
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *simulation) raise(d *device) error {
	if d.route != nil {
		err := d.route.Trigger()
		if errors.Is(err, machine.ErrRouteClosed) {
			return nil
		}
		return err
	}
	if err := s.m.SetIRQ(d.cfg.GSI, true); err != nil {
		return err
	}
	return s.m.SetIRQ(d.cfg.GSI, false)
}

func (s *simulation) report(w io.Writer, elapsed time.Duration) {
	fmt.Fprintf(w, "ran %s on %s\n", elapsed.Round(time.Millisecond), s.m.Mode())
	for id, st := range s.stats {
		sources := make([]irq.Source, 0, len(st.bySource))
		for src := range st.bySource {
			sources = append(sources, src)
		}
		sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

		fmt.Fprintf(w, "vcpu %d: migrations=%d", id, st.migrations)
		for _, src := range sources {
			fmt.Fprintf(w, " %s=%d", src, st.bySource[src])
		}
		fmt.Fprintln(w)
	}
	for _, d := range s.devices {
		fmt.Fprintf(w, "device %s: gsi=%d raised=%d async=%v\n", d.cfg.Name, d.cfg.GSI, d.raised.Load(), d.route != nil)
	}
}
