//go:build linux

package hosttimer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinCurrentThread restricts the calling OS thread to cpu.
func pinCurrentThread(cpu int) error {
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("hosttimer: pin thread to cpu %d: %w", cpu, err)
	}
	return nil
}
