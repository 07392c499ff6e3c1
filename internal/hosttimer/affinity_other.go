//go:build !linux

package hosttimer

func pinCurrentThread(cpu int) error {
	if cpu < 0 {
		return nil
	}
	return errPinUnsupported
}
