package buffercache

import (
	"log/slog"
)

// WriteGuard provides exclusive access to one cached block.
type WriteGuard struct {

	// active is used to prevent users from using a write guard once its Done function has been called.
	active bool
	buf    *Buffer
	cache  *BufferCache
}

// NewWriteGuard reads block blockNo of device dev through the cache and returns an active guard holding it locked.
func (cache *BufferCache) NewWriteGuard(dev uint32, blockNo uint32) (*WriteGuard, error) {

	buf, err := cache.Read(dev, blockNo)

	if err != nil {
		slog.Error("Failed to read block for write guard", "dev", dev, "block", blockNo, "error", err.Error())
		return nil, err
	}

	return &WriteGuard{
		active: true,
		buf:    buf,
		cache:  cache,
	}, nil
}

// GetBlockNo returns the block number of the guarded block.
func (guard *WriteGuard) GetBlockNo() uint32 {

	if !guard.active {
		return 0
	}

	return guard.buf.blockNo
}

// GetData returns the contents of the guarded block, or nil once the guard is done.
func (guard *WriteGuard) GetData() []byte {

	if !guard.active {
		return nil
	}
	return guard.buf.data
}

func (guard *WriteGuard) IsActive() bool {
	return guard.active
}

// Flush writes the guarded block to disk.
func (guard *WriteGuard) Flush() error {

	if !guard.active {
		return ErrNotHeld
	}

	return guard.cache.Write(guard.buf)
}

// Pin keeps the guarded block cached after Done, until a matching Unpin on the cache.
// It returns the buffer to pass to Unpin.
func (guard *WriteGuard) Pin() *Buffer {

	if !guard.active {
		return nil
	}

	guard.cache.Pin(guard.buf)
	return guard.buf
}

// Done releases the block.
// A guard becomes inactive and cannot be reused if this function returns true.
func (guard *WriteGuard) Done() bool {

	if !guard.active {
		return false
	}

	guard.cache.Release(guard.buf)

	guard.buf = nil
	guard.cache = nil
	guard.active = false

	return true
}
