package mm

// physMemOffset is the virtual address at which the bootloader mapped the
// whole of physical memory. Page tables and freed frames are accessed
// through this window.
var physMemOffset uintptr

// SetPhysicalMemoryOffset records the base of the physical memory window.
func SetPhysicalMemoryOffset(offset uintptr) {
	physMemOffset = offset
}

// PhysicalMemoryOffset returns the base of the physical memory window.
func PhysicalMemoryOffset() uintptr {
	return physMemOffset
}

// PhysToVirt returns the virtual address through which the physical address
// physAddr can be accessed.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + physMemOffset
}
