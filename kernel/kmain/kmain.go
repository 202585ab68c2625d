package kmain

import (
	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/hal/multiboot"
	"github.com/Spirus10/BoredOS/kernel/kfmt"
	"github.com/Spirus10/BoredOS/kernel/mm"
	"github.com/Spirus10/BoredOS/kernel/mm/heap"
	"github.com/Spirus10/BoredOS/kernel/mm/pmm"
	"github.com/Spirus10/BoredOS/kernel/mm/vmm"
)

var (
	errKmainReturned  = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errTooManyRegions = &kernel.Error{Module: "kmain", Message: "boot memory map has too many entries"}

	errFramebufferConflict = &kernel.Error{Module: "kmain", Message: "framebuffer page is mapped to a different physical address"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	pmmInitFn            = pmm.Init
	vmmInitFn            = vmm.Init
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	mapRangeFn           = vmm.MapRange
	identityMapRegionFn  = vmm.IdentityMapRegion
	translateFn          = vmm.Translate
	heapInitFn           = heap.Init

	// regionBuf holds the memory map passed to the frame allocator. It is
	// a global so that building the map does not need a heap.
	regionBuf [pmm.MaxRegions]pmm.Region

	logger = &kfmt.PrefixWriter{Prefix: []byte("[kmain] ")}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the physical address of the multiboot info payload,
// the physical addresses for the kernel start/end and the virtual address at
// which the bootloader mapped all of physical memory.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, physMemOffset uintptr) {
	if err := initMemory(multibootInfoPtr, kernelStart, kernelEnd, physMemOffset); err != nil {
		panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// initMemory brings up the memory subsystems in dependency order: frame
// allocator, page tables, kernel heap and finally the framebuffer mapping.
func initMemory(multibootInfoPtr, kernelStart, kernelEnd, physMemOffset uintptr) *kernel.Error {
	multiboot.SetInfoPtr(multibootInfoPtr)
	mm.SetPhysicalMemoryOffset(physMemOffset)

	regions, err := collectRegions(kernelStart, kernelEnd)
	if err != nil {
		return err
	}

	if err = pmmInitFn(regions); err != nil {
		return err
	} else if err = vmmInitFn(); err != nil {
		return err
	} else if err = initHeap(); err != nil {
		return err
	}

	return mapFramebuffer()
}

// collectRegions merges the bootloader memory map with the ranges occupied
// by the kernel image and the boot information block.
func collectRegions(kernelStart, kernelEnd uintptr) ([]pmm.Region, *kernel.Error) {
	var count int

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if count == len(regionBuf) {
			count++
			return false
		}

		regionBuf[count] = pmm.Region{
			PhysAddress: entry.PhysAddress,
			Length:      entry.Length,
			Type:        pmm.RegionReserved,
		}
		if entry.Type == multiboot.MemAvailable {
			regionBuf[count].Type = pmm.RegionUsable
		}
		count++
		return true
	})

	if count > len(regionBuf)-2 {
		return nil, errTooManyRegions
	}

	regionBuf[count] = pmm.Region{
		PhysAddress: uint64(kernelStart),
		Length:      uint64(kernelEnd - kernelStart),
		Type:        pmm.RegionKernel,
	}
	count++

	infoAddr, infoSize := multiboot.InfoRegion()
	regionBuf[count] = pmm.Region{
		PhysAddress: uint64(infoAddr),
		Length:      uint64(infoSize),
		Type:        pmm.RegionBootloader,
	}
	count++

	return regionBuf[:count], nil
}

// initHeap reserves and maps the kernel heap region and hands it to the heap
// allocator.
func initHeap() *kernel.Error {
	heapStart, err := earlyReserveRegionFn(heap.DefaultSize)
	if err != nil {
		return err
	}

	if err = mapRangeFn(heapStart, heap.DefaultSize.Pages(), vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		return err
	}

	return heapInitFn(heapStart, uintptr(heap.DefaultSize))
}

// mapFramebuffer identity maps the framebuffer reported by the bootloader so
// console drivers can access it. Bootloaders often map part or all of it
// already (possibly with huge pages); those pages are left alone and only the
// runs of unmapped pages are mapped.
func mapFramebuffer() *kernel.Error {
	fbInfo := multiboot.GetFramebufferInfo()
	if fbInfo == nil {
		return nil
	}

	var (
		start    = uintptr(fbInfo.PhysAddr) &^ (mm.PageSize - 1)
		end      = start + mm.Size(uintptr(fbInfo.PhysAddr)-start+fbInfo.Size()).Pages()<<mm.PageShift
		runStart uintptr
		runPages uintptr
		mapped   uintptr
	)

	for addr := start; addr < end; addr += mm.PageSize {
		physAddr, err := translateFn(addr)
		switch {
		case err != nil:
			if runPages == 0 {
				runStart = addr
			}
			runPages++
			continue
		case physAddr != addr:
			return errFramebufferConflict
		}

		if err = mapFramebufferRun(runStart, runPages); err != nil {
			return err
		}
		mapped += runPages
		runPages = 0
	}

	if err := mapFramebufferRun(runStart, runPages); err != nil {
		return err
	}
	mapped += runPages

	kfmt.Fprintf(logger, "framebuffer at 0x%x: %d pages identity mapped, %d already mapped\n",
		start, uint64(mapped), uint64((end-start)>>mm.PageShift-mapped))
	return nil
}

func mapFramebufferRun(runStart, runPages uintptr) *kernel.Error {
	if runPages == 0 {
		return nil
	}

	_, err := identityMapRegionFn(runStart, mm.Size(runPages<<mm.PageShift), vmm.FlagRW|vmm.FlagDoNotCache|vmm.FlagNoExecute)
	return err
}
