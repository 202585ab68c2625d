package pmm

import (
	"unsafe"

	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when no free frame remains.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrDoubleFree is returned when a frame that is already free gets
	// released again.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already free"}

	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame was not handed out by this allocator"}
	errTooManyRegions  = &kernel.Error{Module: "pmm", Message: "too many memory regions"}
)

// FrameAllocator hands out the physical frames that lie inside usable
// regions and do not overlap any reserved, kernel or bootloader region.
//
// Frames are served from two sources. Frames released via FreeFrame are kept
// on a recycled list whose link words are stored inside the free frames
// themselves and are handed out first. Otherwise a first-fit cursor walks the
// candidate frames in ascending address order. The candidate sequence is
// reconstructed from the region list on demand so no per-frame bookkeeping
// memory is needed.
type FrameAllocator struct {
	regions     [MaxRegions]Region
	regionCount int

	// nextFrame is the lowest frame the cursor has not examined yet. Every
	// candidate below it has been handed out at least once.
	nextFrame mm.Frame

	// recycled is the head of the list of freed frames.
	recycled mm.Frame

	totalFrames uint64
	freeFrames  uint64
}

// Init copies the region list into the allocator and resets its state.
func (alloc *FrameAllocator) Init(regions []Region) *kernel.Error {
	if len(regions) > MaxRegions {
		return errTooManyRegions
	}

	alloc.regionCount = copy(alloc.regions[:], regions)
	alloc.nextFrame = 0
	alloc.recycled = mm.InvalidFrame
	alloc.totalFrames = 0

	for f := alloc.nextCandidate(0); f.Valid(); {
		runEnd := alloc.runEnd(f)
		alloc.totalFrames += uint64(runEnd - f)
		f = alloc.nextCandidate(runEnd)
	}
	alloc.freeFrames = alloc.totalFrames

	return nil
}

// AllocFrame reserves a free frame. It returns ErrOutOfMemory once every
// frame has been handed out.
func (alloc *FrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.recycled.Valid() {
		f := alloc.recycled
		link := linkWord(f)
		alloc.recycled, *link = *link, 0
		alloc.freeFrames--
		return f, nil
	}

	f := alloc.nextCandidate(alloc.nextFrame)
	if !f.Valid() {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	alloc.nextFrame = f + 1
	alloc.freeFrames--
	return f, nil
}

// FreeFrame returns a frame obtained from AllocFrame to the allocator. Frames
// that the allocator never handed out are rejected, as are frames that are
// already free.
func (alloc *FrameAllocator) FreeFrame(f mm.Frame) *kernel.Error {
	if !f.Valid() || f >= alloc.nextFrame || alloc.nextCandidate(f) != f {
		return errFrameNotManaged
	}

	for cur := alloc.recycled; cur.Valid(); cur = *linkWord(cur) {
		if cur == f {
			return ErrDoubleFree
		}
	}

	*linkWord(f) = alloc.recycled
	alloc.recycled = f
	alloc.freeFrames++
	return nil
}

// FreeFrameCount returns the number of frames that can still be allocated.
func (alloc *FrameAllocator) FreeFrameCount() uint64 { return alloc.freeFrames }

// TotalFrameCount returns the number of frames managed by the allocator.
func (alloc *FrameAllocator) TotalFrameCount() uint64 { return alloc.totalFrames }

// nextCandidate returns the lowest frame >= from that lies inside a usable
// region and does not overlap any other region type, or mm.InvalidFrame.
func (alloc *FrameAllocator) nextCandidate(from mm.Frame) mm.Frame {
	best := mm.InvalidFrame

	for i := 0; i < alloc.regionCount; i++ {
		if alloc.regions[i].Type != RegionUsable {
			continue
		}

		first, last := alloc.regions[i].frames()
		if first < from {
			first = from
		}

		for first < last {
			skipTo := alloc.skipExcluded(first)
			if skipTo == first {
				break
			}
			first = skipTo
		}

		if first < last && first < best {
			best = first
		}
	}

	return best
}

// skipExcluded returns f if it does not overlap any non-usable region.
// Otherwise it returns the first frame past the overlapping regions.
func (alloc *FrameAllocator) skipExcluded(f mm.Frame) mm.Frame {
	next := f
	for i := 0; i < alloc.regionCount; i++ {
		r := &alloc.regions[i]
		if r.Type == RegionUsable || !r.overlapsFrame(f) {
			continue
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		if end := mm.Frame(((r.End() + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift); end > next {
			next = end
		}
	}
	return next
}

// runEnd returns the first frame past the run of consecutive candidate
// frames starting at candidate f.
func (alloc *FrameAllocator) runEnd(f mm.Frame) mm.Frame {
	end := f
	for i := 0; i < alloc.regionCount; i++ {
		r := &alloc.regions[i]
		if r.Type != RegionUsable {
			continue
		}
		if first, last := r.frames(); first <= f && f < last && last > end {
			end = last
		}
	}

	start := uint64(f.Address())
	for i := 0; i < alloc.regionCount; i++ {
		r := &alloc.regions[i]
		if r.Type == RegionUsable || r.Length == 0 || r.PhysAddress < start {
			continue
		}
		if excl := mm.FrameFromAddress(uintptr(r.PhysAddress)); excl < end {
			end = excl
		}
	}

	return end
}

// linkWord returns a pointer to the recycled list link stored in the first
// word of free frame f.
func linkWord(f mm.Frame) *mm.Frame {
	return (*mm.Frame)(unsafe.Pointer(mm.PhysToVirt(f.Address())))
}
