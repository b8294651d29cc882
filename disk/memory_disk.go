package disk

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryDisk keeps the blocks of its devices in memory. It counts transfers, which makes it useful for checking
// when a cache goes to disk.
type MemoryDisk struct {
	blockSize int

	mutex   *sync.Mutex
	devices map[uint32][][]byte

	reads  atomic.Uint64
	writes atomic.Uint64

	// readErr, when set, is returned by every ReadBlock call.
	readErr error
}

func NewMemoryDisk(blockSize int, devices []Device) (*MemoryDisk, error) {

	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, blockSize)
	}

	disk := &MemoryDisk{
		blockSize: blockSize,
		mutex:     &sync.Mutex{},
		devices:   make(map[uint32][][]byte, len(devices)),
	}

	for _, device := range devices {

		if _, exists := disk.devices[device.ID]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateDevice, device.ID)
		}

		disk.devices[device.ID] = make([][]byte, device.Blocks)
	}

	return disk, nil
}

func (disk *MemoryDisk) BlockSize() int {
	return disk.blockSize
}

// block returns the stored block, allocating it on first use. The caller must hold disk.mutex.
func (disk *MemoryDisk) block(dev uint32, blockNo uint32, data []byte) ([]byte, error) {

	blocks, exists := disk.devices[dev]

	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, dev)
	}

	if int(blockNo) >= len(blocks) {
		return nil, fmt.Errorf("%w: block %d of device %d with %d blocks", ErrBlockOutOfRange, blockNo, dev, len(blocks))
	}

	if len(data) != disk.blockSize {
		return nil, fmt.Errorf("%w: %d != %d", ErrBadBufferSize, len(data), disk.blockSize)
	}

	if blocks[blockNo] == nil {
		blocks[blockNo] = make([]byte, disk.blockSize)
	}

	return blocks[blockNo], nil
}

func (disk *MemoryDisk) ReadBlock(dev uint32, blockNo uint32, data []byte) error {

	disk.mutex.Lock()
	defer disk.mutex.Unlock()

	if disk.readErr != nil {
		return disk.readErr
	}

	block, err := disk.block(dev, blockNo, data)

	if err != nil {
		return err
	}

	copy(data, block)
	disk.reads.Add(1)

	return nil
}

func (disk *MemoryDisk) WriteBlock(dev uint32, blockNo uint32, data []byte) error {

	disk.mutex.Lock()
	defer disk.mutex.Unlock()

	block, err := disk.block(dev, blockNo, data)

	if err != nil {
		return err
	}

	copy(block, data)
	disk.writes.Add(1)

	return nil
}

// FailReads makes every following ReadBlock return err. A nil err restores normal reads.
func (disk *MemoryDisk) FailReads(err error) {

	disk.mutex.Lock()
	disk.readErr = err
	disk.mutex.Unlock()
}

// Reads returns the number of completed block reads.
func (disk *MemoryDisk) Reads() uint64 {
	return disk.reads.Load()
}

// Writes returns the number of completed block writes.
func (disk *MemoryDisk) Writes() uint64 {
	return disk.writes.Load()
}

func (disk *MemoryDisk) Close() error {
	return nil
}
