package heap

import (
	"unsafe"

	"github.com/Spirus10/BoredOS/kernel"
)

// blockGranularity is the smallest unit the allocator hands out. Every free
// fragment must be able to hold a freeBlock header.
const blockGranularity = unsafe.Sizeof(freeBlock{})

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrInvalidAlignment is returned when the requested alignment is not
	// a power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of 2"}

	errRegionTooSmall     = &kernel.Error{Module: "heap", Message: "heap region too small"}
	errAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}
	errNotInitialized     = &kernel.Error{Module: "heap", Message: "heap used before initialization"}
	errInvalidFree        = &kernel.Error{Module: "heap", Message: "freed block is not an allocated heap block"}
	errHeapCorrupted      = &kernel.Error{Module: "heap", Message: "free list corrupted"}
)

// freeBlock is the header stored at the start of each free block.
type freeBlock struct {
	size uintptr
	next uintptr
}

func blockAt(addr uintptr) *freeBlock {
	return (*freeBlock)(unsafe.Pointer(addr))
}

// Allocator manages a fixed virtual memory region using a list of free
// blocks kept in address order. Allocations use the first block that can
// hold the request once aligned; frees are merged with adjacent free blocks.
//
// The region must be mapped in its entirety before Init is called. Init must
// be called exactly once; violations of the allocator protocol (use before
// Init, freeing memory that was not allocated, corrupted free list) panic.
type Allocator struct {
	start, end uintptr

	// head is the address of the lowest free block or 0 if the heap is
	// exhausted.
	head uintptr

	freeBytes   uintptr
	freeBlocks  int
	initialized bool
}

// Init hands the region [start, start+size) to the allocator.
func (a *Allocator) Init(start, size uintptr) *kernel.Error {
	if a.initialized {
		panic(errAlreadyInitialized)
	}

	alignedStart := alignUp(start, blockGranularity)
	if alignedStart < start || size < alignedStart-start {
		return errRegionTooSmall
	}

	size = (size - (alignedStart - start)) &^ (blockGranularity - 1)
	if size < blockGranularity {
		return errRegionTooSmall
	}

	a.start, a.end = alignedStart, alignedStart+size
	a.head = alignedStart
	*blockAt(alignedStart) = freeBlock{size: size}
	a.freeBytes = size
	a.freeBlocks = 1
	a.initialized = true

	return nil
}

// Alloc returns the address of a block of at least size bytes aligned to
// align. It returns ErrOutOfMemory if no free block is large enough, which
// includes fragmentation.
func (a *Allocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if !a.initialized {
		panic(errNotInitialized)
	}

	if align == 0 || align&(align-1) != 0 {
		return 0, ErrInvalidAlignment
	}

	if size > a.end-a.start {
		return 0, ErrOutOfMemory
	}
	size = roundSize(size)
	if align < blockGranularity {
		align = blockGranularity
	}

	var prev uintptr
	for cur := a.head; cur != 0; prev, cur = cur, blockAt(cur).next {
		a.checkBlock(prev, cur)

		blk := blockAt(cur)
		allocStart := alignUp(cur, align)
		if allocStart < cur {
			break
		}

		prefix := allocStart - cur
		if prefix > blk.size || size > blk.size-prefix {
			continue
		}

		// Split into [prefix][allocated][suffix]; prefix and suffix
		// are multiples of blockGranularity so each can hold a header.
		suffix := blk.size - prefix - size
		next := blk.next
		if suffix != 0 {
			*blockAt(allocStart + size) = freeBlock{size: suffix, next: next}
			next = allocStart + size
			a.freeBlocks++
		}

		if prefix != 0 {
			blk.size = prefix
			blk.next = next
		} else {
			a.link(prev, next)
			a.freeBlocks--
		}

		a.freeBytes -= size
		return allocStart, nil
	}

	return 0, ErrOutOfMemory
}

// Free returns a block obtained from Alloc with the same size and alignment
// to the allocator and merges it with any adjacent free blocks.
func (a *Allocator) Free(addr, size, align uintptr) {
	if !a.initialized {
		panic(errNotInitialized)
	}

	if align == 0 || align&(align-1) != 0 || addr&(align-1) != 0 || addr&(blockGranularity-1) != 0 ||
		addr < a.start || addr >= a.end || size > a.end-addr {
		panic(errInvalidFree)
	}
	size = roundSize(size)

	var prev, cur uintptr
	for cur = a.head; cur != 0 && cur < addr; prev, cur = cur, blockAt(cur).next {
		a.checkBlock(prev, cur)
	}
	if cur != 0 {
		a.checkBlock(prev, cur)
	}

	// Overlapping a free block means the block was never allocated or has
	// already been freed.
	if (prev != 0 && prev+blockAt(prev).size > addr) || (cur != 0 && addr+size > cur) {
		panic(errInvalidFree)
	}

	blkAddr := addr
	if prev != 0 && prev+blockAt(prev).size == addr {
		blkAddr = prev
		blockAt(prev).size += size
	} else {
		*blockAt(addr) = freeBlock{size: size, next: cur}
		a.link(prev, addr)
		a.freeBlocks++
	}

	if blk := blockAt(blkAddr); cur != 0 && blkAddr+blk.size == cur {
		blk.size += blockAt(cur).size
		blk.next = blockAt(cur).next
		a.freeBlocks--
	}

	a.freeBytes += size
}

// FreeBytes returns the number of bytes available for allocation.
func (a *Allocator) FreeBytes() uintptr { return a.freeBytes }

// FreeBlockCount returns the number of blocks in the free list.
func (a *Allocator) FreeBlockCount() int { return a.freeBlocks }

// link makes next the successor of prev or the list head if prev is 0.
func (a *Allocator) link(prev, next uintptr) {
	if prev == 0 {
		a.head = next
		return
	}
	blockAt(prev).next = next
}

// checkBlock validates a free list node before it is used. Nodes must lie
// inside the heap, be kept in ascending address order and must not overlap.
func (a *Allocator) checkBlock(prev, cur uintptr) {
	if cur < a.start || cur >= a.end || cur&(blockGranularity-1) != 0 {
		panic(errHeapCorrupted)
	}

	if size := blockAt(cur).size; size == 0 || size > a.end-cur {
		panic(errHeapCorrupted)
	}

	if prev != 0 && prev+blockAt(prev).size >= cur {
		panic(errHeapCorrupted)
	}
}

func roundSize(size uintptr) uintptr {
	if size == 0 {
		return blockGranularity
	}
	return alignUp(size, blockGranularity)
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
