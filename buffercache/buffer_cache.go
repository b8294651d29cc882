package buffercache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Adarsh-Kmt/DragonCore/disk"
	"github.com/ncw/directio"
)

const DEFAULT_BUCKETS = 13

// bucket is one shard of the cache. Its mutex guards the list membership of its buffers together with their
// dev, blockNo, attached and refCount fields, never their data.
type bucket struct {
	mutex *sync.Mutex
}

// BufferCache caches disk blocks in a fixed set of buffers.
//
// Buffers are spread over buckets by block number. A lookup first searches the block's own bucket and only when
// that bucket has no free buffer takes the overall lock and searches the other buckets for one to migrate.
//
// Lock order is overall lock, then a source bucket, then the target bucket, then a buffer's content lock.
// No bucket lock is held while waiting for a content lock or during disk I/O.
type BufferCache struct {
	device disk.BlockDevice

	buffers []*Buffer
	buckets []*bucket
	list    *lruList

	// serializes moving buffers between buckets.
	overallMutex *sync.Mutex

	hits       atomic.Uint64
	misses     atomic.Uint64
	migrations atomic.Uint64
	reads      atomic.Uint64
	writes     atomic.Uint64
}

// Stats is a point in time view of the cache counters.
type Stats struct {
	Buffers    int
	Buckets    int
	Hits       uint64
	Misses     uint64
	Migrations uint64
	DiskReads  uint64
	DiskWrites uint64
}

// NewBufferCache creates bufferCount buffers of the device's block size, spread over bucketCount buckets.
func NewBufferCache(bufferCount int, bucketCount int, device disk.BlockDevice) (*BufferCache, error) {

	if bufferCount <= 0 || bucketCount <= 0 {
		return nil, fmt.Errorf("%w: %d buffers in %d buckets", ErrInvalidLayout, bufferCount, bucketCount)
	}

	cache := &BufferCache{
		device:       device,
		buffers:      make([]*Buffer, bufferCount),
		buckets:      make([]*bucket, bucketCount),
		list:         newLRUList(bufferCount, bucketCount),
		overallMutex: &sync.Mutex{},
	}

	for i := range cache.buckets {
		cache.buckets[i] = &bucket{mutex: &sync.Mutex{}}
	}

	for i := range cache.buffers {

		// aligned payloads can be handed straight to a direct I/O device.
		cache.buffers[i] = newBuffer(i, directio.AlignedBlock(device.BlockSize()))
		cache.list.pushFront(cache.hash(uint32(i)), i)
	}

	slog.Info("buffer cache initialized", "buffers", bufferCount, "buckets", bucketCount, "blockSize", device.BlockSize(), "function", "NewBufferCache", "at", "BufferCache")

	return cache, nil
}

// hash maps a block number to its bucket.
func (cache *BufferCache) hash(blockNo uint32) int {
	return int(blockNo % uint32(len(cache.buckets)))
}

// Read returns a locked buffer holding the contents of block blockNo of device dev, reading it from disk
// unless a valid copy is already cached. The caller must hand the buffer back with Release.
//
// Read panics with ErrNoBuffers if every buffer is in use.
func (cache *BufferCache) Read(dev uint32, blockNo uint32) (*Buffer, error) {

	buf := cache.get(dev, blockNo)

	if !buf.valid {

		if err := cache.device.ReadBlock(dev, blockNo, buf.data); err != nil {

			slog.Error("Failed to read block", "dev", dev, "block", blockNo, "error", err.Error(), "function", "Read", "at", "BufferCache")
			cache.Release(buf)
			return nil, err
		}

		buf.valid = true
		cache.reads.Add(1)
	}

	return buf, nil
}

// get looks for block blockNo of device dev in the cache and attaches a free buffer to it if it is not there.
// Either way the buffer is returned with its reference count raised and its content lock held.
func (cache *BufferCache) get(dev uint32, blockNo uint32) *Buffer {

	key := cache.hash(blockNo)
	target := cache.buckets[key]

	target.mutex.Lock()

	if buf, hit := cache.lookupOrReuse(key, dev, blockNo); buf != nil {

		target.mutex.Unlock()
		cache.count(hit)

		buf.lock.acquire()
		return buf
	}

	target.mutex.Unlock()

	buf, hit := cache.getFromOtherBuckets(key, dev, blockNo)

	if buf == nil {
		slog.Error("no free buffers", "dev", dev, "block", blockNo, "function", "get", "at", "BufferCache")
		panic(fmt.Errorf("%w: dev %d block %d", ErrNoBuffers, dev, blockNo))
	}

	cache.count(hit)

	buf.lock.acquire()
	return buf
}

// getFromOtherBuckets is the slow path of get, taken once bucket key had neither the block nor a free buffer.
// Under the overall lock it migrates a free buffer from another bucket. If no other bucket has one it looks in
// bucket key again, since the block may have been cached or a buffer released there after the caller unlocked it.
// The buffer is returned with its reference count raised, or nil if every buffer is in use.
func (cache *BufferCache) getFromOtherBuckets(key int, dev uint32, blockNo uint32) (*Buffer, bool) {

	cache.overallMutex.Lock()
	defer cache.overallMutex.Unlock()

	for source := range cache.buckets {

		if source == key {
			continue
		}

		if buf, hit := cache.migrate(source, key, dev, blockNo); buf != nil {
			return buf, hit
		}
	}

	cache.buckets[key].mutex.Lock()
	defer cache.buckets[key].mutex.Unlock()

	return cache.lookupOrReuse(key, dev, blockNo)
}

func (cache *BufferCache) count(hit bool) {

	if hit {
		cache.hits.Add(1)
	} else {
		cache.misses.Add(1)
	}
}

// lookupOrReuse returns the buffer of bucket key already holding (dev, blockNo) with its reference count raised,
// or else binds the least recently released free buffer of the bucket to it. The second result is true for a cache hit.
// It returns nil if the bucket holds neither. The caller must hold the bucket lock.
func (cache *BufferCache) lookupOrReuse(key int, dev uint32, blockNo uint32) (*Buffer, bool) {

	if buf := cache.lookup(key, dev, blockNo); buf != nil {
		buf.refCount++
		return buf, true
	}

	if buf := cache.leastRecentlyUsedFree(key); buf != nil {
		buf.bind(dev, blockNo)
		return buf, false
	}

	return nil, false
}

// lookup returns the buffer in bucket key holding (dev, blockNo), or nil. The caller must hold the bucket lock.
func (cache *BufferCache) lookup(key int, dev uint32, blockNo uint32) *Buffer {

	var found *Buffer

	cache.list.forward(key, func(node int) bool {

		if buf := cache.buffers[node]; buf.holds(dev, blockNo) {
			found = buf
			return false
		}
		return true
	})

	return found
}

// leastRecentlyUsedFree scans bucket key from its back and returns the first buffer nobody references, or nil.
// The caller must hold the bucket lock.
func (cache *BufferCache) leastRecentlyUsedFree(key int) *Buffer {

	var found *Buffer

	cache.list.backward(key, func(node int) bool {

		if buf := cache.buffers[node]; buf.refCount == 0 {
			found = buf
			return false
		}
		return true
	})

	return found
}

// migrate moves a free buffer from bucket source to bucket target and binds it to (dev, blockNo).
// If another goroutine attached (dev, blockNo) to a buffer in target meanwhile, that buffer is returned instead
// and the second result is true. migrate returns nil if source has no free buffer.
//
// The caller must hold the overall lock. migrate takes the source lock and then the target lock, and releases
// them in reverse order. Since every other goroutine holds at most one bucket lock without the overall lock,
// nobody can wait on the source lock while holding the target lock.
func (cache *BufferCache) migrate(source int, target int, dev uint32, blockNo uint32) (*Buffer, bool) {

	cache.buckets[source].mutex.Lock()
	defer cache.buckets[source].mutex.Unlock()

	victim := cache.leastRecentlyUsedFree(source)

	if victim == nil {
		return nil, false
	}

	cache.buckets[target].mutex.Lock()
	defer cache.buckets[target].mutex.Unlock()

	// the block may have been cached, or a buffer released, in target since the caller gave up on it.
	if buf, hit := cache.lookupOrReuse(target, dev, blockNo); buf != nil {
		return buf, hit
	}

	cache.list.remove(victim.id)
	victim.bind(dev, blockNo)
	cache.list.pushBack(target, victim.id)

	cache.migrations.Add(1)

	slog.Debug("migrated buffer", "buffer", victim.id, "from", source, "to", target, "dev", dev, "block", blockNo, "function", "migrate", "at", "BufferCache")

	return victim, false
}

// Write writes the contents of buf to disk. The caller must hold the buffer's content lock,
// Write panics with ErrNotHeld otherwise.
func (cache *BufferCache) Write(buf *Buffer) error {

	if !buf.lock.holding() {
		panic(fmt.Errorf("%w: write of %s", ErrNotHeld, buf.lock.name))
	}

	if err := cache.device.WriteBlock(buf.dev, buf.blockNo, buf.data); err != nil {
		slog.Error("Failed to write block", "dev", buf.dev, "block", buf.blockNo, "error", err.Error(), "function", "Write", "at", "BufferCache")
		return err
	}

	cache.writes.Add(1)
	return nil
}

// Release unlocks buf and drops the caller's reference. A buffer nobody references any more becomes the most
// recently used buffer of its bucket. Release panics with ErrNotHeld if the content lock is not held.
func (cache *BufferCache) Release(buf *Buffer) {

	if !buf.lock.holding() {
		panic(fmt.Errorf("%w: release of %s", ErrNotHeld, buf.lock.name))
	}

	buf.lock.release()

	// the caller's reference keeps buf bound to its block, so the bucket cannot change under us.
	key := cache.hash(buf.blockNo)

	cache.buckets[key].mutex.Lock()
	defer cache.buckets[key].mutex.Unlock()

	buf.refCount--

	if buf.refCount == 0 {
		cache.list.moveToFront(key, buf.id)
	}
}

// Pin adds a reference to buf without locking its contents, so it stays bound to its block after Release.
func (cache *BufferCache) Pin(buf *Buffer) {

	key := cache.hash(buf.blockNo)

	cache.buckets[key].mutex.Lock()
	buf.refCount++
	cache.buckets[key].mutex.Unlock()
}

// Unpin drops a reference added by Pin. It panics with ErrNotPinned if buf has no references.
func (cache *BufferCache) Unpin(buf *Buffer) {

	key := cache.hash(buf.blockNo)

	cache.buckets[key].mutex.Lock()

	if buf.refCount <= 0 {
		cache.buckets[key].mutex.Unlock()
		panic(fmt.Errorf("%w: buffer %d", ErrNotPinned, buf.id))
	}

	buf.refCount--
	cache.buckets[key].mutex.Unlock()
}

// RefCount returns the number of references to buf.
func (cache *BufferCache) RefCount(buf *Buffer) int {

	key := cache.hash(buf.blockNo)

	cache.buckets[key].mutex.Lock()
	defer cache.buckets[key].mutex.Unlock()

	return buf.refCount
}

func (cache *BufferCache) Stats() Stats {
	return Stats{
		Buffers:    len(cache.buffers),
		Buckets:    len(cache.buckets),
		Hits:       cache.hits.Load(),
		Misses:     cache.misses.Load(),
		Migrations: cache.migrations.Load(),
		DiskReads:  cache.reads.Load(),
		DiskWrites: cache.writes.Load(),
	}
}

// bucketContents returns the ids of the buffers in bucket key from front to back.
func (cache *BufferCache) bucketContents(key int) []int {

	cache.buckets[key].mutex.Lock()
	defer cache.buckets[key].mutex.Unlock()

	return cache.list.nodes(key)
}
