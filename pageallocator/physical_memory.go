package pageallocator

import (
	"fmt"
	"log/slog"
)

const (
	PAGE_SIZE = 4096

	// KERNBASE is the physical address at which RAM begins.
	KERNBASE PageAddr = 0x80000000
)

// PageAddr is the physical address of a byte in memory. Page frames are identified by the address of their first byte.
type PageAddr uint64

// PageRoundUp returns the first page aligned address at or above addr.
func PageRoundUp(addr PageAddr) PageAddr {
	return (addr + PAGE_SIZE - 1) &^ (PAGE_SIZE - 1)
}

// PageRoundDown returns the page aligned address at or below addr.
func PageRoundDown(addr PageAddr) PageAddr {
	return addr &^ (PAGE_SIZE - 1)
}

// PhysicalMemory is the byte range [KERNBASE, KERNBASE+size) backing every page frame.
type PhysicalMemory struct {
	base PageAddr
	top  PageAddr
	data []byte
}

func NewPhysicalMemory(size int) (*PhysicalMemory, error) {

	if size <= 0 || size%PAGE_SIZE != 0 {
		return nil, fmt.Errorf("%w: memory size %d is not a positive multiple of %d", ErrInvalidSizes, size, PAGE_SIZE)
	}

	data, err := mapPhysicalMemory(size)

	if err != nil {
		slog.Error("Failed to map physical memory", "size", size, "error", err.Error(), "function", "NewPhysicalMemory", "at", "PhysicalMemory")
		return nil, err
	}

	return &PhysicalMemory{
		base: KERNBASE,
		top:  KERNBASE + PageAddr(size),
		data: data,
	}, nil
}

// Base returns the lowest physical address.
func (memory *PhysicalMemory) Base() PageAddr {
	return memory.base
}

// Top returns the first address above physical memory (PHYSTOP).
func (memory *PhysicalMemory) Top() PageAddr {
	return memory.top
}

// frameCount returns the number of whole page frames in memory.
func (memory *PhysicalMemory) frameCount() int {
	return len(memory.data) / PAGE_SIZE
}

// frameIndex converts a page aligned address into the index of its frame.
func (memory *PhysicalMemory) frameIndex(addr PageAddr) int {
	return int((addr - memory.base) / PAGE_SIZE)
}

// frameAddr converts a frame index back into its physical address.
func (memory *PhysicalMemory) frameAddr(index int) PageAddr {
	return memory.base + PageAddr(index)*PAGE_SIZE
}

// Frame returns the PAGE_SIZE bytes of the frame starting at addr.
func (memory *PhysicalMemory) Frame(addr PageAddr) []byte {

	if addr%PAGE_SIZE != 0 || addr < memory.base || addr >= memory.top {
		panic(fmt.Errorf("%w: %#x", ErrBadAddress, uint64(addr)))
	}

	offset := int(addr - memory.base)
	return memory.data[offset : offset+PAGE_SIZE : offset+PAGE_SIZE]
}

// fill overwrites every byte of the frame at addr with value.
func (memory *PhysicalMemory) fill(addr PageAddr, value byte) {

	frame := memory.Frame(addr)
	for i := range frame {
		frame[i] = value
	}
}

// Close releases the memory mapping. No frame may be used afterwards.
func (memory *PhysicalMemory) Close() error {

	if memory.data == nil {
		return nil
	}

	err := unmapPhysicalMemory(memory.data)
	memory.data = nil
	return err
}
