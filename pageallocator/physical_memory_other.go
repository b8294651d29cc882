//go:build !linux && !darwin

package pageallocator

func mapPhysicalMemory(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapPhysicalMemory(memory []byte) error {
	return nil
}
