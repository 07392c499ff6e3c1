package irq

import "github.com/tinyrange/irqcore/internal/hv"

// AllowAsyncInjection reports whether an asynchronous injection route may
// be registered. Resampling routes need the IOAPIC in the kernel to see
// EOIs, so they require hv.IRQChipKernel. Plain routes only need an
// in-kernel local APIC.
func AllowAsyncInjection(mode hv.IRQChipMode, resample bool) bool {
	if resample {
		return mode.FullyInKernel()
	}
	return mode.LAPICInKernel()
}
