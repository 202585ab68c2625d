// Package heap implements the general purpose kernel heap. The heap lives in
// a virtual region that is reserved and fully mapped during kernel
// initialization.
package heap

import (
	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/kfmt"
	"github.com/Spirus10/BoredOS/kernel/mm"
	"github.com/Spirus10/BoredOS/kernel/sync"
)

// DefaultSize is the size of the kernel heap region.
const DefaultSize = 100 * mm.Kb

var (
	kernelHeap Allocator
	heapLock   sync.Spinlock

	logger = &kfmt.PrefixWriter{Prefix: []byte("[heap] ")}
)

// Init sets up the kernel heap in the mapped region [start, start+size).
// Calling Init more than once panics.
func Init(start, size uintptr) *kernel.Error {
	heapLock.Acquire()
	defer heapLock.Release()

	if err := kernelHeap.Init(start, size); err != nil {
		return err
	}

	kfmt.Fprintf(logger, "region [0x%16x - 0x%16x], %d bytes free\n", kernelHeap.start, kernelHeap.end, kernelHeap.FreeBytes())
	return nil
}

// Alloc allocates a block from the kernel heap. It must not be called from a
// context that interrupted another heap call.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	heapLock.Acquire()
	defer heapLock.Release()
	return kernelHeap.Alloc(size, align)
}

// Free returns a block to the kernel heap.
func Free(addr, size, align uintptr) {
	heapLock.Acquire()
	defer heapLock.Release()
	kernelHeap.Free(addr, size, align)
}

// FreeBytes returns the number of free bytes in the kernel heap.
func FreeBytes() uintptr {
	heapLock.Acquire()
	defer heapLock.Release()
	return kernelHeap.FreeBytes()
}
