package buffercache

import "fmt"

var (
	ErrNoBuffers     = fmt.Errorf("buffercache: no buffers")
	ErrNotHeld       = fmt.Errorf("buffercache: buffer content lock not held")
	ErrNotPinned     = fmt.Errorf("buffercache: unpin of unreferenced buffer")
	ErrInvalidLayout = fmt.Errorf("buffercache: invalid cache layout")
)
