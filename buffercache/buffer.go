package buffercache

import "fmt"

// Buffer holds the cached contents of one disk block.
//
// dev, blockNo, attached and refCount belong to the bucket the buffer sits in and are only read or written
// under that bucket's lock. data and valid belong to whoever holds the content lock.
type Buffer struct {

	// index of the buffer in the cache's arena, also its node in the bucket lists.
	id int

	dev      uint32
	blockNo  uint32
	attached bool
	refCount int

	// valid is true once data holds the block read from disk.
	valid bool
	data  []byte

	lock *sleepLock
}

func newBuffer(id int, data []byte) *Buffer {
	return &Buffer{
		id:   id,
		data: data,
		lock: newSleepLock(fmt.Sprintf("buffer%d", id)),
	}
}

// Dev returns the device of the block held in the buffer.
func (buf *Buffer) Dev() uint32 {
	return buf.dev
}

// BlockNo returns the number of the block held in the buffer.
func (buf *Buffer) BlockNo() uint32 {
	return buf.blockNo
}

// Data returns the block contents. It may only be used while the buffer is locked.
func (buf *Buffer) Data() []byte {
	return buf.data
}

// bind attaches a free buffer to (dev, blockNo). The caller must hold the lock of the bucket the buffer will sit in.
func (buf *Buffer) bind(dev uint32, blockNo uint32) {

	buf.dev = dev
	buf.blockNo = blockNo
	buf.attached = true
	buf.valid = false
	buf.refCount = 1
}

func (buf *Buffer) holds(dev uint32, blockNo uint32) bool {
	return buf.attached && buf.dev == dev && buf.blockNo == blockNo
}
