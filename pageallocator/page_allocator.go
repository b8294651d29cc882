package pageallocator

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

const (
	// ALLOC_FILL is written over every page handed out by Allocate.
	ALLOC_FILL byte = 5

	// FREE_FILL is written over every page returned through Free.
	FREE_FILL byte = 1

	// BOOT_CPU is the CPU that seeds the free lists at startup.
	BOOT_CPU = 0
)

// PageAllocator hands out PAGE_SIZE frames of physical memory above the kernel image.
// Every CPU owns a free list with its own lock. A CPU allocates from its own list and
// only steals from the other CPUs once its list is empty.
type PageAllocator struct {
	memory *PhysicalMemory

	// first address after the kernel image, frames below it are never managed.
	kernelEnd PageAddr

	links     frameLinks
	freeLists []*freeList

	allocations atomic.Uint64
	frees       atomic.Uint64
	steals      atomic.Uint64
	failures    atomic.Uint64
}

// Stats is a point in time view of the allocator.
type Stats struct {
	FreePages   []int
	Allocations uint64
	Frees       uint64
	Steals      uint64
	Failures    uint64
}

// NewPageAllocator maps memorySize bytes of physical memory, treats the first kernelSize bytes as the kernel image
// and seeds every whole page above it into the boot CPU's free list.
func NewPageAllocator(cpus int, memorySize int, kernelSize int) (*PageAllocator, error) {

	if cpus <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadCPU, cpus)
	}

	if kernelSize < 0 || kernelSize >= memorySize {
		return nil, fmt.Errorf("%w: kernel size %d does not fit in memory size %d", ErrInvalidSizes, kernelSize, memorySize)
	}

	memory, err := NewPhysicalMemory(memorySize)

	if err != nil {
		return nil, err
	}

	allocator := &PageAllocator{
		memory:    memory,
		kernelEnd: memory.Base() + PageAddr(kernelSize),
		links:     make(frameLinks, memory.frameCount()),
		freeLists: make([]*freeList, cpus),
	}

	for i := range allocator.links {
		allocator.links[i] = endOfList
	}

	for cpu := range allocator.freeLists {
		allocator.freeLists[cpu] = newFreeList()
	}

	seeded := allocator.freeRange(BOOT_CPU, allocator.kernelEnd, memory.Top())

	slog.Info("page allocator initialized", "cpus", cpus, "kernelEnd", fmt.Sprintf("%#x", uint64(allocator.kernelEnd)), "physTop", fmt.Sprintf("%#x", uint64(memory.Top())), "freePages", seeded, "function", "NewPageAllocator", "at", "PageAllocator")

	// the seeding frees are not caller frees.
	allocator.frees.Store(0)

	return allocator, nil
}

// freeRange frees every whole page in [start, end) on the given CPU and returns how many pages were freed.
func (allocator *PageAllocator) freeRange(cpu int, start PageAddr, end PageAddr) int {

	count := 0
	for addr := PageRoundUp(start); addr+PAGE_SIZE <= end; addr += PAGE_SIZE {
		allocator.Free(cpu, addr)
		count++
	}
	return count
}

// CPUs returns the number of per-CPU free lists.
func (allocator *PageAllocator) CPUs() int {
	return len(allocator.freeLists)
}

// KernelEnd returns the first address after the kernel image.
func (allocator *PageAllocator) KernelEnd() PageAddr {
	return allocator.kernelEnd
}

// PhysTop returns the first address above physical memory.
func (allocator *PageAllocator) PhysTop() PageAddr {
	return allocator.memory.Top()
}

func (allocator *PageAllocator) checkCPU(cpu int) {

	if cpu < 0 || cpu >= len(allocator.freeLists) {
		panic(fmt.Errorf("%w: %d", ErrBadCPU, cpu))
	}
}

// Allocate returns one page frame for use by the caller running on cpu.
// The returned page is filled with ALLOC_FILL. The second return value is false if no CPU has a free page.
//
// The CPU id only chooses which list is tried first, a caller that migrated to another CPU since reading
// its id still gets a correct page.
func (allocator *PageAllocator) Allocate(cpu int) (PageAddr, bool) {

	allocator.checkCPU(cpu)

	// fast path, the caller's own list.
	frame, ok := allocator.popFrom(cpu)

	if !ok {
		frame, ok = allocator.steal(cpu)
	}

	if !ok {
		allocator.failures.Add(1)
		slog.Debug("no free pages left", "cpu", cpu, "function", "Allocate", "at", "PageAllocator")
		return 0, false
	}

	addr := allocator.memory.frameAddr(frame)
	allocator.memory.fill(addr, ALLOC_FILL)
	allocator.allocations.Add(1)

	return addr, true
}

// steal scans every other CPU's list in a fixed order and takes the head of the first non empty one.
func (allocator *PageAllocator) steal(cpu int) (int, bool) {

	for victim := range allocator.freeLists {

		if victim == cpu {
			continue
		}

		if frame, ok := allocator.popFrom(victim); ok {
			allocator.steals.Add(1)
			slog.Debug("stole page from another cpu", "cpu", cpu, "victim", victim, "function", "steal", "at", "PageAllocator")
			return frame, true
		}
	}
	return 0, false
}

func (allocator *PageAllocator) popFrom(cpu int) (int, bool) {

	list := allocator.freeLists[cpu]

	list.mutex.Lock()
	defer list.mutex.Unlock()

	return list.pop(allocator.links)
}

// Free returns the page at addr to the free list of the CPU the caller runs on, which need not be the list
// the page was allocated from.
//
// Free panics with ErrBadFree if addr is not page aligned, lies below the end of the kernel image or at or
// above the top of physical memory.
func (allocator *PageAllocator) Free(cpu int, addr PageAddr) {

	if addr%PAGE_SIZE != 0 || addr < allocator.kernelEnd || addr >= allocator.memory.Top() {
		slog.Error("invalid page free", "addr", fmt.Sprintf("%#x", uint64(addr)), "cpu", cpu, "function", "Free", "at", "PageAllocator")
		panic(fmt.Errorf("%w: %#x", ErrBadFree, uint64(addr)))
	}

	allocator.checkCPU(cpu)

	// fill with junk to catch dangling references.
	allocator.memory.fill(addr, FREE_FILL)

	list := allocator.freeLists[cpu]

	list.mutex.Lock()
	list.push(allocator.links, allocator.memory.frameIndex(addr))
	list.mutex.Unlock()

	allocator.frees.Add(1)
}

// Page returns the bytes of the page frame at addr.
func (allocator *PageAllocator) Page(addr PageAddr) []byte {
	return allocator.memory.Frame(addr)
}

// Stats locks each free list in turn and reports its length together with the allocator counters.
func (allocator *PageAllocator) Stats() Stats {

	stats := Stats{
		FreePages:   make([]int, len(allocator.freeLists)),
		Allocations: allocator.allocations.Load(),
		Frees:       allocator.frees.Load(),
		Steals:      allocator.steals.Load(),
		Failures:    allocator.failures.Load(),
	}

	for cpu, list := range allocator.freeLists {
		list.mutex.Lock()
		stats.FreePages[cpu] = list.length
		list.mutex.Unlock()
	}

	return stats
}

// freePages returns the addresses in the free list of cpu, head first.
func (allocator *PageAllocator) freePages(cpu int) []PageAddr {

	list := allocator.freeLists[cpu]

	list.mutex.Lock()
	frames := list.frames(allocator.links)
	list.mutex.Unlock()

	addrs := make([]PageAddr, len(frames))
	for i, frame := range frames {
		addrs[i] = allocator.memory.frameAddr(frame)
	}
	return addrs
}

// Close releases physical memory.
func (allocator *PageAllocator) Close() error {

	slog.Info("Closing page allocator...", "function", "Close", "at", "PageAllocator")
	return allocator.memory.Close()
}
