// Package pmm implements the physical frame allocator used by the kernel.
package pmm

import (
	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/kfmt"
	"github.com/Spirus10/BoredOS/kernel/mm"
	"github.com/Spirus10/BoredOS/kernel/sync"
)

var (
	// frameAllocator is the allocator instance used by the kernel.
	frameAllocator FrameAllocator

	pmmLock sync.Spinlock

	logger = &kfmt.PrefixWriter{Prefix: []byte("[pmm] ")}
)

// Init sets up the kernel physical memory allocator using the supplied
// memory map and registers it with the mm package.
func Init(regions []Region) *kernel.Error {
	pmmLock.Acquire()
	err := frameAllocator.Init(regions)
	pmmLock.Release()
	if err != nil {
		return err
	}

	printMemoryMap(regions)
	mm.SetFrameAllocator(AllocFrame)
	mm.SetFrameDeallocator(FreeFrame)

	return nil
}

// AllocFrame reserves a frame from the kernel frame allocator. It must not
// be called from a context that interrupted another pmm call.
func AllocFrame() (mm.Frame, *kernel.Error) {
	pmmLock.Acquire()
	f, err := frameAllocator.AllocFrame()
	pmmLock.Release()
	return f, err
}

// FreeFrame returns a frame to the kernel frame allocator.
func FreeFrame(f mm.Frame) *kernel.Error {
	pmmLock.Acquire()
	err := frameAllocator.FreeFrame(f)
	pmmLock.Release()
	return err
}

// FreeFrameCount returns the number of frames the kernel allocator can still
// hand out.
func FreeFrameCount() uint64 {
	pmmLock.Acquire()
	count := frameAllocator.FreeFrameCount()
	pmmLock.Release()
	return count
}

func printMemoryMap(regions []Region) {
	kfmt.Fprintf(logger, "system memory map:\n")
	for i := range regions {
		kfmt.Fprintf(logger, "    [0x%10x - 0x%10x], size: %10d, type: %s\n",
			regions[i].PhysAddress, regions[i].End(), regions[i].Length, regions[i].Type.String())
	}

	total := frameAllocator.TotalFrameCount()
	kfmt.Fprintf(logger, "available frames: %d (%dKb)\n", total, total*uint64(mm.PageSize/uintptr(mm.Kb)))
}
