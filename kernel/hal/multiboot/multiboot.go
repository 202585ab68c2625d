// Package multiboot reads the boot information block that a multiboot2
// compliant bootloader hands to the kernel. Only the tags needed to
// bootstrap the memory subsystem are decoded.
package multiboot

import "unsafe"

type tagType uint32

// Tag type values read by this package. The remaining multiboot2 tags are
// skipped by findTagByType.
const (
	tagMbSectionEnd    tagType = 0
	tagMemoryMap       tagType = 6
	tagFramebufferInfo tagType = 8
)

// infoHeader is the fixed header at the start of the boot information block.
type infoHeader struct {
	totalSize uint32
	reserved  uint32
}

// tagHeader precedes each tag. Size covers the header and the payload but
// not the padding up to the next 8-byte boundary.
type tagHeader struct {
	tagType tagType
	size    uint32
}

type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region reported by the bootloader.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory map entry.
// Returning false stops the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo describes the framebuffer set up by the bootloader.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	Type FramebufferType
}

// Size returns the number of bytes spanned by the framebuffer.
func (i *FramebufferInfo) Size() uintptr {
	return uintptr(i.Pitch) * uintptr(i.Height)
}

var infoData uintptr

// SetInfoPtr records the address of the boot information block. It must be
// invoked before any other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoRegion returns the address and size of the boot information block so
// that the frames holding it can be kept away from the frame allocator.
func InfoRegion() (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}
	return infoData, (*infoHeader)(unsafe.Pointer(infoData)).totalSize
}

// VisitMemRegions invokes visitor for each entry of the bootloader memory
// map. Entries with an unknown type are reported as MemReserved.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(curPtr))
	if hdr.entrySize == 0 {
		return
	}

	endPtr := curPtr + uintptr(size)
	for curPtr += unsafe.Sizeof(*hdr); curPtr+uintptr(hdr.entrySize) <= endPtr; curPtr += uintptr(hdr.entrySize) {
		entry := (*MemoryMapEntry)(unsafe.Pointer(curPtr))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// GetFramebufferInfo returns the framebuffer description provided by the
// bootloader or nil if the tag is missing.
func GetFramebufferInfo() *FramebufferInfo {
	curPtr, size := findTagByType(tagFramebufferInfo)
	if size == 0 {
		return nil
	}

	return (*FramebufferInfo)(unsafe.Pointer(curPtr))
}

// findTagByType returns the payload address and length of the first tag with
// the given type or (0, 0) if no such tag exists.
func findTagByType(tagType tagType) (uintptr, uint32) {
	curPtr := infoData + unsafe.Sizeof(infoHeader{})
	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		switch {
		case hdr.tagType == tagMbSectionEnd:
			return 0, 0
		case hdr.tagType == tagType:
			return curPtr + 8, hdr.size - 8
		}

		// Tags start at 8-byte aligned addresses
		curPtr += uintptr((hdr.size + 7) &^ 7)
	}
}
