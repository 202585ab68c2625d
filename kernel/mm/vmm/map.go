package vmm

import (
	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/cpu"
	"github.com/Spirus10/BoredOS/kernel/mm"
)

// ReservedZeroedFrame is a zero-cleared frame allocated by Init. Mapping it
// read-only with FlagCopyOnWrite sets up pages whose backing memory is only
// allocated when they are first written to (see MapOnDemand).
var ReservedZeroedFrame = mm.InvalidFrame

var (
	// protectReservedZeroedFrame prevents RW mappings of
	// ReservedZeroedFrame once it has been cleared.
	protectReservedZeroedFrame bool

	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned by Map when the target page is already
	// mapped.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrFrameAllocationFailed is returned when no physical frame could be
	// obtained for a page table or a mapped page.
	ErrFrameAllocationFailed = &kernel.Error{Module: "vmm", Message: "unable to allocate physical frame"}

	// ErrMisalignedAddress is returned when an address that must be page
	// aligned is not.
	ErrMisalignedAddress = &kernel.Error{Module: "vmm", Message: "address is not page aligned"}

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Addresses covered by 2M or 1G
// mappings set up by the bootloader are translated as well.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			pageMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr = (uintptr(*pte) & ptePhysPageMask &^ pageMask) + (virtAddr & pageMask)
			err = nil
			return false
		}

		return true
	})

	if err != nil {
		return 0, err
	}
	return physAddr, nil
}

// Lookup returns the frame and flags of the leaf entry for page.
func (pdt *PageDirectoryTable) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pte, err := pdt.leafEntry(page)
	if err != nil {
		return mm.InvalidFrame, 0, err
	}
	return pte.Frame(), pte.Flags(), nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated through mm.AllocFrame and
// cleared before they get linked into the hierarchy. Map fails with
// ErrAlreadyMapped if the page is already mapped.
//
// A frame may be shared by several pages by mapping it read-only with
// FlagCopyOnWrite; HandlePageFault gives each page a private copy on its
// first write.
//
// Attempts to map ReservedZeroedFrame with a RW flag will result in an error.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return pdt.install(page, frame, flags, false)
}

// Remap behaves like Map but replaces any existing mapping for page and
// flushes its cached translation.
func (pdt *PageDirectoryTable) Remap(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return pdt.install(page, frame, flags, true)
}

func (pdt *PageDirectoryTable) install(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, overwrite bool) *kernel.Error {
	if protectReservedZeroedFrame && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var (
		err *kernel.Error

		// parents holds the existing intermediate entries visited by the
		// walk; they only gain FlagUserAccessible once the leaf is set.
		parents [pageLevels - 1]*pageTableEntry
	)

	pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			wasPresent := pte.HasFlags(FlagPresent)
			if wasPresent && !overwrite {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			if wasPresent {
				flushTLBEntryFn(page.Address())
			}
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = errNoHugePageSupport
				return false
			}

			parents[pteLevel] = pte
			return true
		}

		tableFrame, allocErr := mm.AllocFrame()
		if allocErr != nil {
			err = ErrFrameAllocationFailed
			return false
		}

		// Clear the new table before it becomes reachable so the walk
		// never observes stale entries.
		kernel.Memset(mm.PhysToVirt(tableFrame.Address()), 0, mm.PageSize)

		*pte = 0
		pte.SetFrame(tableFrame)
		pte.SetFlags(FlagPresent | FlagRW | (flags & FlagUserAccessible))
		return true
	})

	if err != nil {
		return err
	}

	// Intermediate entries must be at least as permissive as the leaf for
	// user-mode access to work.
	if flags&FlagUserAccessible != 0 {
		for _, pte := range parents {
			if pte != nil {
				pte.SetFlags(FlagUserAccessible)
			}
		}
	}

	return nil
}

// Unmap removes the mapping for page, flushes its cached translation and
// returns the frame it pointed to. The caller decides whether the frame
// should be released. Intermediate tables are never reclaimed.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	pte, err := pdt.leafEntry(page)
	if err != nil {
		return mm.InvalidFrame, err
	}

	frame := pte.Frame()
	*pte = 0
	flushTLBEntryFn(page.Address())

	return frame, nil
}

// leafEntry returns the present last-level entry for page.
func (pdt *PageDirectoryTable) leafEntry(page mm.Page) (*pageTableEntry, *kernel.Error) {
	var (
		entry *pageTableEntry
		err   = ErrInvalidMapping
	)

	pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		switch {
		case !pte.HasFlags(FlagPresent):
			return false
		case pteLevel == pageLevels-1:
			entry, err = pte, nil
			return false
		case pte.HasFlags(FlagHugePage):
			err = errNoHugePageSupport
			return false
		}
		return true
	})

	return entry, err
}
