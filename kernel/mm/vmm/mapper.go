package vmm

import (
	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/mm"
)

var (
	// earlyReserveRegionFn is used by tests to override the virtual
	// address reservations made by MapRegion.
	earlyReserveRegionFn = EarlyReserveRegion
)

// MapRange allocates a frame for each of the pageCount pages starting at
// virtStart and maps it with the supplied flags. The operation is all or
// nothing: if any page cannot be mapped, every page mapped so far is unmapped
// and its frame released before the error is returned.
func (pdt *PageDirectoryTable) MapRange(virtStart, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	if virtStart&(mm.PageSize-1) != 0 {
		return ErrMisalignedAddress
	}

	startPage := mm.PageFromAddress(virtStart)
	for i := uintptr(0); i < pageCount; i++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			pdt.rollback(startPage, i, true)
			return ErrFrameAllocationFailed
		}

		if err = pdt.Map(startPage+mm.Page(i), frame, flags); err != nil {
			_ = mm.FreeFrame(frame)
			pdt.rollback(startPage, i, true)
			return err
		}
	}

	return nil
}

// UnmapRange removes the mappings for pageCount pages starting at virtStart
// and releases their frames. Pages backed by ReservedZeroedFrame are unmapped
// without releasing the shared frame. All mapped pages in the range are
// processed; ErrInvalidMapping is returned if any page was not mapped.
func (pdt *PageDirectoryTable) UnmapRange(virtStart, pageCount uintptr) *kernel.Error {
	if virtStart&(mm.PageSize-1) != 0 {
		return ErrMisalignedAddress
	}

	var firstErr *kernel.Error
	startPage := mm.PageFromAddress(virtStart)
	for i := uintptr(0); i < pageCount; i++ {
		frame, err := pdt.Unmap(startPage + mm.Page(i))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if frame != ReservedZeroedFrame {
			_ = mm.FreeFrame(frame)
		}
	}

	return firstErr
}

// IdentityMapRegion maps the physical region starting at physStart to the
// same virtual addresses. The size is rounded up to a page multiple. On
// failure the mappings established by the call are removed; the frames are
// not owned by the caller and are never released.
func (pdt *PageDirectoryTable) IdentityMapRegion(physStart uintptr, size mm.Size, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	if physStart&(mm.PageSize-1) != 0 {
		return 0, ErrMisalignedAddress
	}

	startPage := mm.PageFromAddress(physStart)
	if err := pdt.mapFrames(startPage, mm.FrameFromAddress(physStart), size.Pages(), flags); err != nil {
		return 0, err
	}

	return startPage, nil
}

// MapRegion reserves the next free block of kernel virtual address space and
// maps the physical region starting at frame into it. It is used to access
// device memory that lives outside the physical memory window.
func (pdt *PageDirectoryTable) MapRegion(frame mm.Frame, size mm.Size, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	virtStart, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	startPage := mm.PageFromAddress(virtStart)
	if err = pdt.mapFrames(startPage, frame, size.Pages(), flags); err != nil {
		return 0, err
	}

	return startPage, nil
}

// MapOnDemand maps pageCount pages starting at virtStart to
// ReservedZeroedFrame as read-only copy-on-write pages. A private frame is
// allocated by HandlePageFault on the first write to each page.
func (pdt *PageDirectoryTable) MapOnDemand(virtStart, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	if virtStart&(mm.PageSize-1) != 0 {
		return ErrMisalignedAddress
	}

	flags = (flags &^ FlagRW) | FlagCopyOnWrite
	startPage := mm.PageFromAddress(virtStart)
	for i := uintptr(0); i < pageCount; i++ {
		if err := pdt.Map(startPage+mm.Page(i), ReservedZeroedFrame, flags); err != nil {
			pdt.rollback(startPage, i, false)
			return err
		}
	}

	return nil
}

// mapFrames maps pageCount consecutive frames starting at frame to the pages
// starting at startPage, undoing its own mappings on failure.
func (pdt *PageDirectoryTable) mapFrames(startPage mm.Page, frame mm.Frame, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	for i := uintptr(0); i < pageCount; i++ {
		if err := pdt.Map(startPage+mm.Page(i), frame+mm.Frame(i), flags); err != nil {
			pdt.rollback(startPage, i, false)
			return err
		}
	}

	return nil
}

// rollback unmaps the first count pages starting at startPage and, if
// freeFrames is set, releases the frames they pointed to.
func (pdt *PageDirectoryTable) rollback(startPage mm.Page, count uintptr, freeFrames bool) {
	for i := uintptr(0); i < count; i++ {
		frame, err := pdt.Unmap(startPage + mm.Page(i))
		if err == nil && freeFrames {
			_ = mm.FreeFrame(frame)
		}
	}
}
