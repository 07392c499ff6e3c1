package irq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/irqcore/internal/hv"
)

func TestAllowAsyncInjection(t *testing.T) {
	cases := []struct {
		mode     hv.IRQChipMode
		resample bool
		want     bool
	}{
		{hv.IRQChipNone, false, false},
		{hv.IRQChipNone, true, false},
		{hv.IRQChipSplit, false, true},
		{hv.IRQChipSplit, true, false},
		{hv.IRQChipKernel, false, true},
		{hv.IRQChipKernel, true, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, AllowAsyncInjection(tc.mode, tc.resample), "mode=%s resample=%v", tc.mode, tc.resample)
	}
}

func TestInjectExternalRejectedInKernelMode(t *testing.T) {
	v := newVCPU(t, Config{Mode: hv.IRQChipKernel, Local: &fakeLocal{acceptsExtInt: true}, Legacy: &fakeLegacy{}})
	err := v.InjectExternal(0x30)
	require.ErrorIs(t, err, ErrInjectionRejected)
	require.False(t, v.ExternalPending())
}

func TestInjectExternalKicksVCPU(t *testing.T) {
	v := newVCPU(t, Config{Mode: hv.IRQChipSplit, Local: &fakeLocal{acceptsExtInt: true}})

	require.NoError(t, v.InjectExternal(0x30))
	require.NoError(t, v.InjectExternal(0x31))

	select {
	case <-v.Events():
	default:
		t.Fatal("expected a pending event")
	}
	select {
	case <-v.Events():
		t.Fatal("events must coalesce")
	default:
	}
}

func TestNewVCPUValidation(t *testing.T) {
	_, err := NewVCPU(Config{Mode: hv.IRQChipSplit})
	require.ErrorIs(t, err, ErrMissingController)

	_, err = NewVCPU(Config{Mode: hv.IRQChipKernel, Local: &fakeLocal{}})
	require.ErrorIs(t, err, ErrMissingController)

	_, err = NewVCPU(Config{Mode: hv.IRQChipMode(9)})
	require.ErrorIs(t, err, hv.ErrInvalidIRQChipMode)

	_, err = NewVCPU(Config{Mode: hv.IRQChipNone, Acceleration: hv.Acceleration{APICVirtualization: true}})
	require.Error(t, err)

	v, err := NewVCPU(Config{ID: 3, Mode: hv.IRQChipNone})
	require.NoError(t, err)
	require.Equal(t, 3, v.ID())
	require.Equal(t, hv.IRQChipNone, v.Mode())
}

// An injector on another goroutine races the vCPU loop. Every vector the
// vCPU receives was injected, and none is delivered twice.
func TestConcurrentExternalInjection(t *testing.T) {
	v := newVCPU(t, Config{Mode: hv.IRQChipSplit, Local: &fakeLocal{acceptsExtInt: true}})

	const injections = 2000
	var delivered atomic.Int32
	seen := make(map[hv.Vector]int)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		for i := 0; i < injections; i++ {
			if err := v.InjectExternal(hv.Vector(0x20 + i%0xd0)); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for {
			if vec, ok := v.GetInterrupt(); ok {
				seen[vec]++
				delivered.Add(1)
				continue
			}
			select {
			case <-done:
				if vec, ok := v.GetInterrupt(); ok {
					seen[vec]++
					delivered.Add(1)
				}
				return nil
			case <-v.Events():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	require.NoError(t, g.Wait())

	require.LessOrEqual(t, int(delivered.Load()), injections)
	require.Positive(t, delivered.Load())
	for vec := range seen {
		require.GreaterOrEqual(t, vec, hv.Vector(0x20))
	}
	require.False(t, v.ExternalPending())
}
