// Package vmm manages the kernel's virtual address space: the amd64 page
// table hierarchy, range mappings on top of it and page-fault resolution.
package vmm

import (
	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/cpu"
	"github.com/Spirus10/BoredOS/kernel/kfmt"
	"github.com/Spirus10/BoredOS/kernel/mm"
	"github.com/Spirus10/BoredOS/kernel/sync"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT
	// which will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// kernelPDT is the page directory table that was active when Init
	// was called. It is borrowed from the bootloader and never released.
	kernelPDT PageDirectoryTable

	// vmmLock serializes all updates to kernelPDT.
	vmmLock sync.Spinlock

	logger = &kfmt.PrefixWriter{Prefix: []byte("[vmm] ")}
)

// Init binds the kernel page directory table to the active translation root
// and reserves ReservedZeroedFrame. The frame allocator must be registered
// with the mm package before calling Init.
func Init() *kernel.Error {
	vmmLock.Acquire()
	defer vmmLock.Release()

	kernelPDT.Init(mm.FrameFromAddress(activePDTFn()))
	kfmt.Fprintf(logger, "kernel page table at 0x%16x\n", kernelPDT.Frame().Address())

	return reserveZeroedFrame()
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	if protectReservedZeroedFrame {
		return nil
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	kernel.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)
	ReservedZeroedFrame = frame

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedFrame = true
	return nil
}

// The following functions operate on the kernel page directory table. They
// must not be invoked from a context that interrupted another vmm call.

// Map establishes a mapping between page and frame in the kernel address
// space.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	vmmLock.Acquire()
	defer vmmLock.Release()
	return kernelPDT.Map(page, frame, flags)
}

// Unmap removes the kernel mapping for page and returns the frame it pointed
// to.
func Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	vmmLock.Acquire()
	defer vmmLock.Release()
	return kernelPDT.Unmap(page)
}

// Translate returns the physical address for virtAddr in the kernel address
// space.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	vmmLock.Acquire()
	defer vmmLock.Release()
	return kernelPDT.Translate(virtAddr)
}

// MapRange backs pageCount kernel pages starting at virtStart with newly
// allocated frames.
func MapRange(virtStart, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	vmmLock.Acquire()
	defer vmmLock.Release()
	return kernelPDT.MapRange(virtStart, pageCount, flags)
}

// UnmapRange undoes a MapRange or MapOnDemand call.
func UnmapRange(virtStart, pageCount uintptr) *kernel.Error {
	vmmLock.Acquire()
	defer vmmLock.Release()
	return kernelPDT.UnmapRange(virtStart, pageCount)
}

// IdentityMapRegion identity maps a physical region in the kernel address
// space.
func IdentityMapRegion(physStart uintptr, size mm.Size, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	vmmLock.Acquire()
	defer vmmLock.Release()
	return kernelPDT.IdentityMapRegion(physStart, size, flags)
}

// MapRegion maps a physical region into a freshly reserved block of the
// kernel address space.
func MapRegion(frame mm.Frame, size mm.Size, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	vmmLock.Acquire()
	defer vmmLock.Release()
	return kernelPDT.MapRegion(frame, size, flags)
}

// MapOnDemand sets up lazily allocated kernel pages.
func MapOnDemand(virtStart, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	vmmLock.Acquire()
	defer vmmLock.Release()
	return kernelPDT.MapOnDemand(virtStart, pageCount, flags)
}
