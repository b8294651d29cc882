//go:build linux || darwin

package pageallocator

import "golang.org/x/sys/unix"

// mapPhysicalMemory reserves an anonymous, private mapping that stands in for the machine's RAM.
func mapPhysicalMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapPhysicalMemory(memory []byte) error {
	return unix.Munmap(memory)
}
