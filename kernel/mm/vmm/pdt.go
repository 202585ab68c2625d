package vmm

import (
	"unsafe"

	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/mm"
)

var (
	errMalformedTable = &kernel.Error{Module: "vmm", Message: "huge page bit set in top-level table entry"}
)

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. All tables of the hierarchy are accessed through the physical
// memory window so they can be modified regardless of which table is active.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Init binds the page directory table to the supplied frame. If the frame
// does not hold the currently active table then it is treated as a new table
// and its contents are cleared.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return
	}

	kernel.Memset(mm.PhysToVirt(pdtFrame.Address()), 0, mm.PageSize)
}

// Frame returns the frame holding the top-level table.
func (pdt *PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// pageTableWalker is invoked by walk with the entry that corresponds to each
// page table level. Returning false aborts the walk.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. The frame
// of the next table is read after walkFn returns so walkFn may install a
// missing table before the walk descends into it.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pdt.pdtFrame

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := mm.PhysToVirt(tableFrame.Address()) + (entryIndex << mm.PointerShift)
		pte := (*pageTableEntry)(unsafe.Pointer(entryAddr))

		// The huge page bit is reserved at the top level; finding it
		// set means the hierarchy is corrupted.
		if level == 0 && pte.HasFlags(FlagPresent|FlagHugePage) {
			panic(errMalformedTable)
		}

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
