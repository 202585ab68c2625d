// Package mm defines the frame and page primitives shared by the physical
// and virtual memory managers and the hooks that connect them.
package mm

import (
	"math"

	"github.com/Spirus10/BoredOS/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve a frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address where this frame begins.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ (PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address where this page begins.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ (PageSize - 1)) >> PageShift)
}

var (
	frameAllocator   FrameAllocatorFn
	frameDeallocator FrameDeallocatorFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameDeallocatorFn is a function that returns a frame obtained through a
// FrameAllocatorFn back to its allocator.
type FrameDeallocatorFn func(Frame) *kernel.Error

// SetFrameAllocator registers the function used by the vmm code when new
// physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameDeallocator registers the function used to release frames.
func SetFrameDeallocator(freeFn FrameDeallocatorFn) { frameDeallocator = freeFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}

// FreeFrame releases a frame previously returned by AllocFrame.
func FreeFrame(f Frame) *kernel.Error {
	if frameDeallocator == nil {
		return errNoFrameAllocator
	}
	return frameDeallocator(f)
}
