package disk

// BlockDevice synchronously transfers one block between a device and memory.
// data must be exactly one block long. A transfer either completes or returns an error, there is no partial transfer.
type BlockDevice interface {

	// ReadBlock fills data with the contents of block blockNo of device dev.
	ReadBlock(dev uint32, blockNo uint32, data []byte) error

	// WriteBlock writes data to block blockNo of device dev.
	WriteBlock(dev uint32, blockNo uint32, data []byte) error

	// BlockSize returns the size of one block in bytes.
	BlockSize() int

	Close() error
}

// Device describes one block device backed by a file.
type Device struct {
	ID       uint32
	Path     string
	Blocks   uint32
	DirectIO bool
}
