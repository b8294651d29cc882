package disk

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

type deviceFile struct {
	file     *os.File
	blocks   uint32
	directIO bool
}

// FileDisk serves block devices backed by image files, one file per device.
//
// Devices opened with DirectIO bypass the kernel page cache, this keeps the block contents from being cached
// twice, once by the OS and once in the buffer cache, and means a completed write has reached the disk controller.
type FileDisk struct {
	blockSize int
	devices   map[uint32]*deviceFile
}

// NewFileDisk opens (creating if needed) the image file of every device and sizes it to hold all of its blocks.
func NewFileDisk(blockSize int, devices []Device) (*FileDisk, error) {

	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, blockSize)
	}

	disk := &FileDisk{
		blockSize: blockSize,
		devices:   make(map[uint32]*deviceFile, len(devices)),
	}

	for _, device := range devices {

		if _, exists := disk.devices[device.ID]; exists {
			_ = disk.Close()
			return nil, fmt.Errorf("%w: %d", ErrDuplicateDevice, device.ID)
		}

		file, err := disk.open(device)

		if err != nil {
			_ = disk.Close()
			return nil, err
		}

		disk.devices[device.ID] = file
	}

	return disk, nil
}

func (disk *FileDisk) open(device Device) (*deviceFile, error) {

	var (
		file *os.File
		err  error
	)

	if device.DirectIO {

		if disk.blockSize%directio.BlockSize != 0 {
			return nil, fmt.Errorf("%w: %d is not a multiple of %d", ErrUnalignedBlock, disk.blockSize, directio.BlockSize)
		}

		slog.Info("Opening device in DIRECT I/O mode", "device", device.ID, "path", device.Path, "function", "open", "at", "FileDisk")
		file, err = directio.OpenFile(device.Path, os.O_RDWR|os.O_CREATE, 0644)

	} else {

		slog.Info("Opening device", "device", device.ID, "path", device.Path, "function", "open", "at", "FileDisk")
		file, err = os.OpenFile(device.Path, os.O_RDWR|os.O_CREATE, 0644)
	}

	if err != nil {
		slog.Error("Failed to open device", "device", device.ID, "error", err.Error(), "function", "open", "at", "FileDisk")
		return nil, errors.Wrapf(err, "opening device %d at %s", device.ID, device.Path)
	}

	// grow the image so that every block of the device can be read.
	size := int64(device.Blocks) * int64(disk.blockSize)

	stats, err := file.Stat()

	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "stat of device %d", device.ID)
	}

	if stats.Size() < size {

		slog.Info("Growing device image", "device", device.ID, "from", stats.Size(), "to", size, "function", "open", "at", "FileDisk")

		if err := file.Truncate(size); err != nil {
			_ = file.Close()
			return nil, errors.Wrapf(err, "growing device %d to %d bytes", device.ID, size)
		}
	}

	return &deviceFile{
		file:     file,
		blocks:   device.Blocks,
		directIO: device.DirectIO,
	}, nil
}

func (disk *FileDisk) BlockSize() int {
	return disk.blockSize
}

func (disk *FileDisk) lookup(dev uint32, blockNo uint32, data []byte) (*deviceFile, error) {

	device, exists := disk.devices[dev]

	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, dev)
	}

	if blockNo >= device.blocks {
		return nil, fmt.Errorf("%w: block %d of device %d with %d blocks", ErrBlockOutOfRange, blockNo, dev, device.blocks)
	}

	if len(data) != disk.blockSize {
		return nil, fmt.Errorf("%w: %d != %d", ErrBadBufferSize, len(data), disk.blockSize)
	}

	return device, nil
}

// ReadBlock reads one block with pread, so concurrent transfers to the same device do not share a file offset.
func (disk *FileDisk) ReadBlock(dev uint32, blockNo uint32, data []byte) error {

	device, err := disk.lookup(dev, blockNo, data)

	if err != nil {
		return err
	}

	slog.Debug("Reading block", "device", dev, "block", blockNo, "function", "ReadBlock", "at", "FileDisk")

	target := data

	// direct I/O transfers need memory aligned buffers, bounce through one if the caller's is not.
	if device.directIO && !isAligned(data) {
		target = directio.AlignedBlock(disk.blockSize)
	}

	n, err := device.file.ReadAt(target, int64(blockNo)*int64(disk.blockSize))

	if err != nil {
		slog.Error("Failed to read block", "device", dev, "block", blockNo, "error", err.Error(), "function", "ReadBlock", "at", "FileDisk")
		return errors.Wrapf(err, "reading block %d of device %d", blockNo, dev)
	}

	if n != len(target) {
		return fmt.Errorf("%w: block %d of device %d", ErrIncompleteRead, blockNo, dev)
	}

	if &target[0] != &data[0] {
		copy(data, target)
	}

	return nil
}

// WriteBlock writes one block with pwrite.
func (disk *FileDisk) WriteBlock(dev uint32, blockNo uint32, data []byte) error {

	device, err := disk.lookup(dev, blockNo, data)

	if err != nil {
		return err
	}

	slog.Debug("Writing block", "device", dev, "block", blockNo, "function", "WriteBlock", "at", "FileDisk")

	source := data

	if device.directIO && !isAligned(data) {
		source = directio.AlignedBlock(disk.blockSize)
		copy(source, data)
	}

	n, err := device.file.WriteAt(source, int64(blockNo)*int64(disk.blockSize))

	if err != nil {
		slog.Error("Failed to write block", "device", dev, "block", blockNo, "error", err.Error(), "function", "WriteBlock", "at", "FileDisk")
		return errors.Wrapf(err, "writing block %d of device %d", blockNo, dev)
	}

	if n != len(source) {
		return fmt.Errorf("%w: block %d of device %d", ErrIncompleteWrite, blockNo, dev)
	}

	return nil
}

// Close closes every device file and reports all failures together.
func (disk *FileDisk) Close() error {

	slog.Info("Closing FileDisk...", "devices", len(disk.devices), "function", "Close", "at", "FileDisk")

	var result *multierror.Error

	for dev, device := range disk.devices {

		if err := device.file.Close(); err != nil {
			slog.Error("Failed to close device", "device", dev, "error", err.Error(), "function", "Close", "at", "FileDisk")
			result = multierror.Append(result, errors.Wrapf(err, "closing device %d", dev))
		}
		delete(disk.devices, dev)
	}

	return result.ErrorOrNil()
}
