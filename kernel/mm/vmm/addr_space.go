package vmm

import (
	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/mm"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request.
	earlyReserveLastUsed = earlyReserveTop

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up. Reserved regions are never returned.
//
// This function allocates regions starting at the end of the kernel address
// space. It should only be used during the early stages of kernel initialization.
func EarlyReserveRegion(size mm.Size) (uintptr, *kernel.Error) {
	rounded := size.Pages() << mm.PageShift

	if rounded > earlyReserveLastUsed-earlyReserveFloor {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= rounded
	return earlyReserveLastUsed, nil
}
