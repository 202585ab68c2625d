package pmm

import "github.com/Spirus10/BoredOS/kernel/mm"

// MaxRegions is the number of region descriptors a FrameAllocator can hold.
// The descriptors are stored inline as the allocator runs before any heap
// exists.
const MaxRegions = 64

// RegionType classifies a physical memory region.
type RegionType uint8

const (
	// RegionUsable marks memory that may be handed out by the allocator.
	RegionUsable RegionType = iota

	// RegionReserved marks memory owned by firmware or devices.
	RegionReserved

	// RegionKernel marks the memory occupied by the loaded kernel image.
	RegionKernel

	// RegionBootloader marks structures the bootloader handed over to the
	// kernel (e.g. the boot information block).
	RegionBootloader
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionKernel:
		return "kernel"
	case RegionBootloader:
		return "bootloader"
	default:
		return "unknown"
	}
}

// Region describes a contiguous range of physical memory.
type Region struct {
	PhysAddress uint64
	Length      uint64
	Type        RegionType
}

// End returns the first physical address past the region.
func (r *Region) End() uint64 {
	return r.PhysAddress + r.Length
}

// frames returns the range [first, last) of frames that fit entirely inside
// the region. Unaligned starts are rounded up and unaligned ends rounded down.
func (r *Region) frames() (mm.Frame, mm.Frame) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	first := mm.Frame(((r.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
	last := mm.Frame((r.End() &^ pageSizeMinus1) >> mm.PageShift)
	if last < first {
		last = first
	}
	return first, last
}

// overlapsFrame returns true if any byte of frame f belongs to the region.
func (r *Region) overlapsFrame(f mm.Frame) bool {
	start := uint64(f.Address())
	return r.Length != 0 && r.PhysAddress < start+uint64(mm.PageSize) && start < r.End()
}
