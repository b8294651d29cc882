package buffercache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Adarsh-Kmt/DragonCore/disk"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testBlockSize = 1024
	testBlocks    = 64
	testBuffers   = 6
	testBuckets   = 3
)

// newTestDisk returns a memory disk with three devices whose blocks start with their device and block number.
func newTestDisk(t *testing.T) *disk.MemoryDisk {

	device, err := disk.NewMemoryDisk(testBlockSize, []disk.Device{
		{ID: 0, Blocks: testBlocks},
		{ID: 1, Blocks: testBlocks},
		{ID: 2, Blocks: testBlocks},
	})
	require.NoError(t, err)

	for _, dev := range []uint32{0, 1, 2} {
		for blockNo := uint32(0); blockNo < testBlocks; blockNo++ {
			require.NoError(t, device.WriteBlock(dev, blockNo, createBlock(dev, blockNo)))
		}
	}

	return device
}

func createBlock(dev uint32, blockNo uint32) []byte {

	block := make([]byte, testBlockSize)
	binary.LittleEndian.PutUint32(block[0:4], dev)
	binary.LittleEndian.PutUint32(block[4:8], blockNo)
	return block
}

func checkBlock(dev uint32, blockNo uint32, block []byte) bool {
	return binary.LittleEndian.Uint32(block[0:4]) == dev && binary.LittleEndian.Uint32(block[4:8]) == blockNo
}

// recoverPanic runs f and returns the value it panicked with, or nil.
func recoverPanic(f func()) (recovered any) {

	defer func() {
		recovered = recover()
	}()

	f()
	return nil
}

func panicsWith(target error, f func()) bool {

	err, ok := recoverPanic(f).(error)
	return ok && errors.Is(err, target)
}

type BufferCacheTestSuite struct {
	suite.Suite
	disk  *disk.MemoryDisk
	cache *BufferCache

	// disk transfers made while preparing the device.
	setupReads  uint64
	setupWrites uint64
}

func (bs *BufferCacheTestSuite) SetupTest() {

	bs.disk = newTestDisk(bs.T())
	bs.setupReads = bs.disk.Reads()
	bs.setupWrites = bs.disk.Writes()

	cache, err := NewBufferCache(testBuffers, testBuckets, bs.disk)

	bs.Require().NoError(err)
	bs.cache = cache
}

func (bs *BufferCacheTestSuite) diskReads() uint64 {
	return bs.disk.Reads() - bs.setupReads
}

// read reads (dev, blockNo) and checks the buffer holds that block.
func (bs *BufferCacheTestSuite) read(dev uint32, blockNo uint32) *Buffer {

	buf, err := bs.cache.Read(dev, blockNo)

	bs.Require().NoError(err)
	bs.Require().Equal(dev, buf.Dev())
	bs.Require().Equal(blockNo, buf.BlockNo())
	bs.Require().True(checkBlock(dev, blockNo, buf.Data()))

	return buf
}

func (bs *BufferCacheTestSuite) TestInitialLayout() {

	// buffer i starts in bucket i mod buckets, each inserted at the front.
	bs.Assert().Equal([]int{3, 0}, bs.cache.bucketContents(0))
	bs.Assert().Equal([]int{4, 1}, bs.cache.bucketContents(1))
	bs.Assert().Equal([]int{5, 2}, bs.cache.bucketContents(2))
}

func (bs *BufferCacheTestSuite) TestUnattachedBuffersNeverHit() {

	// every buffer starts with the zero identity, block (0, 0) must still come from disk.
	buf := bs.read(0, 0)
	bs.cache.Release(buf)

	bs.Assert().Equal(uint64(1), bs.diskReads())
}

func (bs *BufferCacheTestSuite) TestReadMissThenHit() {

	first := bs.read(1, 5)
	bs.cache.Release(first)

	second := bs.read(1, 5)
	bs.cache.Release(second)

	bs.Assert().Same(first, second)
	bs.Assert().Equal(uint64(1), bs.diskReads())

	stats := bs.cache.Stats()
	bs.Assert().Equal(uint64(1), stats.Hits)
	bs.Assert().Equal(uint64(1), stats.Misses)
	bs.Assert().Equal(uint64(1), stats.DiskReads)
}

func (bs *BufferCacheTestSuite) TestDevicesAreDistinct() {

	one := bs.read(1, 5)
	two := bs.read(2, 5)

	bs.Assert().NotSame(one, two)

	bs.cache.Release(one)
	bs.cache.Release(two)
}

func (bs *BufferCacheTestSuite) TestLocalReuseIsLeastRecentlyReleased() {

	// bucket 0 is [3, 0], the scan starts at the back.
	buf := bs.read(1, 3)
	bs.Assert().Equal(0, buf.id)

	bs.cache.Release(buf)
	bs.Assert().Equal([]int{0, 3}, bs.cache.bucketContents(0))

	buf = bs.read(1, 6)
	bs.Assert().Equal(3, buf.id)
	bs.cache.Release(buf)

	bs.Assert().Equal(uint64(0), bs.cache.Stats().Migrations)
}

func (bs *BufferCacheTestSuite) TestMigrationFromOtherBucket() {

	held := []*Buffer{bs.read(1, 0), bs.read(1, 3)}

	// bucket 0 is full, the first other bucket gives up its least recently released buffer.
	buf := bs.read(1, 6)

	bs.Assert().Equal(1, buf.id)
	bs.Assert().Equal([]int{4}, bs.cache.bucketContents(1))

	contents := bs.cache.bucketContents(0)
	bs.Assert().Len(contents, 3)
	bs.Assert().Equal(1, contents[len(contents)-1])

	bs.Assert().Equal(uint64(1), bs.cache.Stats().Migrations)

	// once released the migrated buffer is found in its new bucket.
	bs.cache.Release(buf)
	again := bs.read(1, 6)
	bs.Assert().Same(buf, again)
	bs.cache.Release(again)

	for _, buf := range held {
		bs.cache.Release(buf)
	}
}

func (bs *BufferCacheTestSuite) TestConcurrentReadersShareBuffer() {

	first := bs.read(1, 7)

	acquired := make(chan *Buffer)

	go func() {
		buf, err := bs.cache.Read(1, 7)
		if err != nil {
			panic(err)
		}
		acquired <- buf
	}()

	// the second reader holds a reference while it waits for the content lock.
	bs.Require().Eventually(func() bool { return bs.cache.RefCount(first) == 2 }, 5*time.Second, time.Millisecond)

	select {
	case <-acquired:
		bs.FailNow("second reader got the buffer while it was locked")
	default:
	}

	bs.cache.Release(first)

	second := <-acquired
	bs.Assert().Same(first, second)
	bs.Assert().Equal(1, bs.cache.RefCount(second))
	bs.Assert().Equal(uint64(1), bs.diskReads())

	bs.cache.Release(second)
}

func (bs *BufferCacheTestSuite) TestWriteFlushesToDisk() {

	buf := bs.read(1, 11)
	copy(buf.Data()[8:], "inode table")

	bs.Require().NoError(bs.cache.Write(buf))
	bs.cache.Release(buf)

	data := make([]byte, testBlockSize)
	bs.Require().NoError(bs.disk.ReadBlock(1, 11, data))

	bs.Assert().Equal("inode table", string(data[8:19]))
	bs.Assert().Equal(uint64(1), bs.cache.Stats().DiskWrites)
	bs.Assert().Equal(bs.setupWrites+1, bs.disk.Writes())
}

func (bs *BufferCacheTestSuite) TestContractViolations() {

	buf := bs.read(1, 2)
	bs.cache.Release(buf)

	bs.Assert().True(panicsWith(ErrNotHeld, func() { _ = bs.cache.Write(buf) }))
	bs.Assert().True(panicsWith(ErrNotHeld, func() { bs.cache.Release(buf) }))
	bs.Assert().True(panicsWith(ErrNotPinned, func() { bs.cache.Unpin(buf) }))

	// the panic names the buffer whose lock was not held.
	err, ok := recoverPanic(func() { bs.cache.Release(buf) }).(error)
	bs.Require().True(ok)
	bs.Assert().Contains(err.Error(), fmt.Sprintf("release of buffer%d", buf.id))

	bs.Assert().Equal(0, bs.cache.RefCount(buf))

	// pin and unpin of an unreferenced buffer leaves it eligible for reuse.
	bs.cache.Pin(buf)
	bs.Assert().Equal(1, bs.cache.RefCount(buf))
	bs.cache.Unpin(buf)
	bs.Assert().Equal(0, bs.cache.RefCount(buf))
}

func (bs *BufferCacheTestSuite) TestExhaustion() {

	held := make([]*Buffer, 0, testBuffers)

	for blockNo := uint32(0); blockNo < testBuffers; blockNo++ {
		held = append(held, bs.read(1, blockNo))
	}

	bs.Assert().True(panicsWith(ErrNoBuffers, func() { _, _ = bs.cache.Read(1, 40) }))

	// no lock was left behind, a released buffer is reused at once.
	bs.cache.Release(held[0])
	buf := bs.read(1, 40)
	bs.cache.Release(buf)

	for _, buf := range held[1:] {
		bs.cache.Release(buf)
	}
}

// holdOtherBuckets references every buffer of buckets 1 and 2 so that nothing can migrate into bucket 0.
func (bs *BufferCacheTestSuite) holdOtherBuckets() []*Buffer {

	held := []*Buffer{bs.read(1, 1), bs.read(1, 4), bs.read(1, 2), bs.read(1, 5)}

	bs.Require().Equal([]int{4, 1}, bs.cache.bucketContents(1))
	bs.Require().Equal([]int{5, 2}, bs.cache.bucketContents(2))

	return held
}

func (bs *BufferCacheTestSuite) TestSlowPathFindsBlockCachedMeanwhile() {

	held := bs.holdOtherBuckets()

	// the block is attached in its own bucket after the fast path gave up on it.
	cached := bs.read(1, 6)
	bs.cache.Release(cached)

	buf, hit := bs.cache.getFromOtherBuckets(0, 1, 6)

	bs.Require().NotNil(buf)
	bs.Assert().True(hit)
	bs.Assert().Same(cached, buf)
	bs.Assert().Equal(1, bs.cache.RefCount(buf))
	bs.Assert().Equal(uint64(0), bs.cache.Stats().Migrations)

	bs.cache.Unpin(buf)

	for _, buf := range held {
		bs.cache.Release(buf)
	}
}

func (bs *BufferCacheTestSuite) TestSlowPathReusesBufferReleasedMeanwhile() {

	held := bs.holdOtherBuckets()

	buf, hit := bs.cache.getFromOtherBuckets(0, 1, 9)

	bs.Require().NotNil(buf)
	bs.Assert().False(hit)
	bs.Assert().Equal(uint32(9), buf.BlockNo())
	bs.Assert().Contains(bs.cache.bucketContents(0), buf.id)
	bs.Assert().Equal(uint64(0), bs.cache.Stats().Migrations)

	bs.cache.Unpin(buf)

	// with bucket 0 fully referenced too the slow path has nothing to offer.
	held = append(held, bs.read(1, 0), bs.read(1, 3))

	buf, _ = bs.cache.getFromOtherBuckets(0, 1, 12)
	bs.Assert().Nil(buf)

	for _, buf := range held {
		bs.cache.Release(buf)
	}
}

func (bs *BufferCacheTestSuite) TestPinnedBufferIsNotEvicted() {

	pinned := bs.read(1, 9)
	bs.cache.Pin(pinned)
	bs.cache.Release(pinned)

	bs.Assert().Equal(1, bs.cache.RefCount(pinned))

	held := make([]*Buffer, 0)
	for blockNo := uint32(20); blockNo < 20+testBuffers-1; blockNo++ {
		held = append(held, bs.read(1, blockNo))
	}

	bs.Assert().True(panicsWith(ErrNoBuffers, func() { _, _ = bs.cache.Read(1, 50) }))

	// unpinning makes it eligible again.
	bs.cache.Unpin(pinned)
	bs.Assert().Equal(0, bs.cache.RefCount(pinned))

	buf := bs.read(1, 50)
	bs.Assert().Same(pinned, buf)
	bs.cache.Release(buf)

	for _, buf := range held {
		bs.cache.Release(buf)
	}
}

func (bs *BufferCacheTestSuite) TestPinSurvivesReacquire() {

	buf := bs.read(1, 12)
	bs.cache.Pin(buf)
	bs.cache.Release(buf)

	again := bs.read(1, 12)
	bs.Assert().Same(buf, again)
	bs.Assert().Equal(2, bs.cache.RefCount(again))
	bs.cache.Release(again)

	bs.cache.Unpin(buf)
	bs.Assert().Equal(0, bs.cache.RefCount(buf))
	bs.Assert().Equal(uint64(1), bs.diskReads())
}

func (bs *BufferCacheTestSuite) TestReadErrorReleasesBuffer() {

	bs.disk.FailReads(fmt.Errorf("virtio: request failed"))

	_, err := bs.cache.Read(1, 13)
	bs.Assert().Error(err)

	bs.disk.FailReads(nil)

	// the buffer was released and its contents never marked valid.
	buf := bs.read(1, 13)
	bs.Assert().Equal(1, bs.cache.RefCount(buf))
	bs.Assert().Equal(uint64(1), bs.diskReads())
	bs.cache.Release(buf)
}

func TestBufferCache(t *testing.T) {

	suite.Run(t, new(BufferCacheTestSuite))
}

func TestNewBufferCacheInvalidLayout(t *testing.T) {

	device := newTestDisk(t)

	_, err := NewBufferCache(0, DEFAULT_BUCKETS, device)
	require.ErrorIs(t, err, ErrInvalidLayout)

	_, err = NewBufferCache(30, 0, device)
	require.ErrorIs(t, err, ErrInvalidLayout)
}

// TestConcurrentIdentityUniqueness reads random blocks from several goroutines and checks every returned buffer
// holds the requested block and no two buffers are ever bound to the same block.
func TestConcurrentIdentityUniqueness(t *testing.T) {

	device := newTestDisk(t)

	cache, err := NewBufferCache(testBuffers, testBuckets, device)
	require.NoError(t, err)

	const workers = 4

	var wg sync.WaitGroup
	done := make(chan struct{})

	for worker := 0; worker < workers; worker++ {

		wg.Add(1)

		go func(seed int64) {
			defer wg.Done()

			random := rand.New(rand.NewSource(seed))

			for i := 0; i < 2000; i++ {

				dev := uint32(1 + random.Intn(2))
				blockNo := uint32(random.Intn(20))

				buf, err := cache.Read(dev, blockNo)

				if err != nil {
					t.Errorf("read of (%d, %d): %v", dev, blockNo, err)
					return
				}

				if !checkBlock(dev, blockNo, buf.Data()) {
					t.Errorf("buffer %d does not hold (%d, %d)", buf.id, dev, blockNo)
				}

				cache.Release(buf)
			}
		}(int64(worker))
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("readers did not finish, possible deadlock")
	}

	bound := make(map[[2]uint32]int)

	for key := 0; key < testBuckets; key++ {
		for _, id := range cache.bucketContents(key) {

			buf := cache.buffers[id]

			if !buf.attached {
				continue
			}

			require.Equal(t, key, cache.hash(buf.blockNo), "buffer %d in wrong bucket", id)

			identity := [2]uint32{buf.dev, buf.blockNo}
			if other, ok := bound[identity]; ok {
				t.Fatalf("buffers %d and %d both hold (%d, %d)", other, id, buf.dev, buf.blockNo)
			}
			bound[identity] = id
			require.Equal(t, 0, buf.refCount)
		}
	}
}

// TestExhaustionWithoutDeadlock pins every buffer into one bucket and lets readers of every other bucket
// race for a buffer. They must all fail with ErrNoBuffers instead of waiting on each other.
func TestExhaustionWithoutDeadlock(t *testing.T) {

	const buckets = 4

	device := newTestDisk(t)

	cache, err := NewBufferCache(buckets, buckets, device)
	require.NoError(t, err)

	held := make([]*Buffer, 0, buckets)
	for i := uint32(0); i < buckets; i++ {
		buf, err := cache.Read(1, i*buckets)
		require.NoError(t, err)
		held = append(held, buf)
	}

	require.Len(t, cache.bucketContents(0), buckets)

	const readers = 16

	var (
		wg       sync.WaitGroup
		failures sync.Map
	)

	for reader := 0; reader < readers; reader++ {

		wg.Add(1)

		go func(reader int) {
			defer wg.Done()

			blockNo := uint32(reader%(buckets-1) + 1)

			recovered := recoverPanic(func() { _, _ = cache.Read(1, blockNo) })

			if err, ok := recovered.(error); ok && errors.Is(err, ErrNoBuffers) {
				failures.Store(reader, true)
			}
		}(reader)
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("readers still blocked, possible deadlock")
	}

	count := 0
	failures.Range(func(_, _ any) bool {
		count++
		return true
	})
	require.Equal(t, readers, count)

	for _, buf := range held {
		cache.Release(buf)
	}
}
