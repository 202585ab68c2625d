package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// ptePhysPageMask extracts the physical address stored in bits 12-51
	// of a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// earlyReserveTop is the end of the virtual region handed out by
	// EarlyReserveRegion. Reservations grow downwards from here and stay
	// inside the 512G window covered by top-level entry 510.
	earlyReserveTop = uintptr(0xffffff7ffffff000)

	// earlyReserveFloor is the lowest address EarlyReserveRegion may hand
	// out.
	earlyReserveFloor = uintptr(0xffffff0000000000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level holds 512 entries.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set for 2M or 1G mappings. It is reserved in
	// top-level entries.
	FlagHugePage

	// FlagGlobal prevents the TLB entry for this page from being flushed
	// when the translation root changes.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page whose frame gets duplicated
	// on the first write. It uses one of the bits ignored by the MMU and
	// is mutually exclusive with FlagRW.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
