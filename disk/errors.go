package disk

import "fmt"

var (
	ErrUnknownDevice    = fmt.Errorf("disk: unknown device")
	ErrBlockOutOfRange  = fmt.Errorf("disk: block number out of range")
	ErrBadBufferSize    = fmt.Errorf("disk: buffer size does not match block size")
	ErrIncompleteRead   = fmt.Errorf("disk: incomplete read")
	ErrIncompleteWrite  = fmt.Errorf("disk: incomplete write")
	ErrUnalignedBlock   = fmt.Errorf("disk: block size not aligned for direct I/O")
	ErrDuplicateDevice  = fmt.Errorf("disk: duplicate device id")
	ErrInvalidBlockSize = fmt.Errorf("disk: invalid block size")
)
