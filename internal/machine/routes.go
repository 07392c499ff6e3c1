package machine

import (
	"errors"
	"fmt"
	"sync"

	corechipset "github.com/tinyrange/irqcore/internal/chipset"
	"github.com/tinyrange/irqcore/internal/irq"
)

var (
	// ErrRouteExists is returned when a GSI already has an asynchronous
	// injection route.
	ErrRouteExists = errors.New("machine: GSI already has an async route")
	// ErrRouteClosed is returned by Trigger after Close.
	ErrRouteClosed = errors.New("machine: async route closed")
)

// AsyncRoute lets a device thread raise a GSI without exiting to the vCPU
// loop. A resampling route holds the line asserted until the guest
// acknowledges the interrupt, then drops it and signals Resampled so the
// device can re-check its condition.
type AsyncRoute struct {
	m        *Machine
	gsi      uint32
	resample bool
	line     corechipset.LineInterrupt

	resampled  chan struct{}
	unregister func()

	mu     sync.Mutex
	closed bool
}

// RegisterAsyncInjection creates an async route for gsi. Routes are only
// available when the controllers the GSI reaches can be driven outside the
// vCPU loop; resampling additionally needs every controller in the kernel.
func (m *Machine) RegisterAsyncInjection(gsi uint32, resample bool) (*AsyncRoute, error) {
	if !irq.AllowAsyncInjection(m.mode, resample) {
		return nil, fmt.Errorf("%w: irqchip=%s resample=%v", irq.ErrAsyncInjectionRejected, m.mode, resample)
	}
	if !m.routed(gsi) {
		return nil, fmt.Errorf("machine: GSI %d is not routed", gsi)
	}

	m.routesMu.Lock()
	defer m.routesMu.Unlock()
	if _, ok := m.routes[gsi]; ok {
		return nil, fmt.Errorf("%w: %d", ErrRouteExists, gsi)
	}
	r := &AsyncRoute{
		m:         m,
		gsi:       gsi,
		resample:  resample,
		line:      m.lines.AllocateLine(uint8(gsi)),
		resampled: make(chan struct{}, 1),
	}
	if resample {
		r.unregister = m.lines.RegisterAckCallback(gsi, r.onAck)
	}
	m.routes[gsi] = r
	m.log.Debug("machine: async route registered", "gsi", gsi, "resample", resample)
	return r, nil
}

func (m *Machine) routed(gsi uint32) bool {
	for _, g := range m.bus.RoutedGSIs() {
		if g == gsi {
			return true
		}
	}
	return false
}

// GSI returns the line the route drives.
func (r *AsyncRoute) GSI() uint32 { return r.gsi }

// Trigger raises the interrupt. Edge routes pulse the line; resampling
// routes assert it until the guest's acknowledge. Close waits for an
// in-flight Trigger.
func (r *AsyncRoute) Trigger() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRouteClosed
	}
	if r.resample {
		r.line.SetLevel(true)
	} else {
		r.line.PulseInterrupt()
	}
	return nil
}

// Resampled delivers a value each time the guest acknowledged a resampling
// route's interrupt. Notifications coalesce. The channel never fires for
// edge routes.
func (r *AsyncRoute) Resampled() <-chan struct{} { return r.resampled }

func (r *AsyncRoute) onAck() {
	r.line.SetLevel(false)
	select {
	case r.resampled <- struct{}{}:
	default:
	}
}

// Close releases the GSI and deasserts the line.
func (r *AsyncRoute) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if r.unregister != nil {
		r.unregister()
	}
	r.line.SetLevel(false)

	r.m.routesMu.Lock()
	if r.m.routes[r.gsi] == r {
		delete(r.m.routes, r.gsi)
	}
	r.m.routesMu.Unlock()
}
