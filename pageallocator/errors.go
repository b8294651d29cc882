package pageallocator

import "fmt"

var (
	ErrBadFree      = fmt.Errorf("pageallocator: freeing invalid page address")
	ErrBadAddress   = fmt.Errorf("pageallocator: page address outside physical memory")
	ErrBadCPU       = fmt.Errorf("pageallocator: invalid cpu id")
	ErrInvalidSizes = fmt.Errorf("pageallocator: invalid memory layout")
)
