package disk

import (
	"unsafe"

	"github.com/ncw/directio"
)

var alignment = uintptr(directio.AlignSize)

// returns offset of the starting address of buffer from the previous alignment boundary.
func findOffset(buffer []byte) uintptr {
	return uintptr(unsafe.Pointer(&buffer[0])) % alignment
}

// isAligned reports whether buffer starts on a boundary direct I/O accepts. Platforms that need no alignment
// (AlignSize 0) and empty buffers are always aligned.
func isAligned(buffer []byte) bool {

	if alignment == 0 || len(buffer) == 0 {
		return true
	}

	return findOffset(buffer) == 0
}
