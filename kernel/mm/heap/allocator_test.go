package heap

import (
	"testing"
	"unsafe"

	"github.com/Spirus10/BoredOS/kernel"
)

// heapMem backs the heap regions used by the tests.
var heapMem []byte

// newTestAllocator returns an allocator managing a 256-byte aligned region
// of the given size.
func newTestAllocator(t *testing.T, size uintptr) (*Allocator, uintptr) {
	heapMem = make([]byte, size+256)
	start := alignUp(uintptr(unsafe.Pointer(&heapMem[0])), 256)

	var a Allocator
	if err := a.Init(start, size); err != nil {
		t.Fatal(err)
	}

	return &a, start
}

func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		if err := recover(); err != expErr {
			t.Fatalf("expected panic with %v; got %v", expErr, err)
		}
	}()

	fn()
}

func TestInit(t *testing.T) {
	t.Run("unaligned region", func(t *testing.T) {
		heapMem = make([]byte, 256)
		base := alignUp(uintptr(unsafe.Pointer(&heapMem[0])), blockGranularity)

		var a Allocator
		if err := a.Init(base+4, 200); err != nil {
			t.Fatal(err)
		}

		// 12 bytes are lost to alignment; the rest is truncated to
		// a multiple of the block granularity.
		if exp := uintptr(176); a.FreeBytes() != exp {
			t.Fatalf("expected %d free bytes; got %d", exp, a.FreeBytes())
		}

		if addr, _ := a.Alloc(16, 16); addr != base+16 {
			t.Fatalf("expected first allocation at %x; got %x", base+16, addr)
		}
	})

	t.Run("region too small", func(t *testing.T) {
		specs := []struct{ start, size uintptr }{
			{0x1000, 0},
			{0x1000, 8},
			{0x1004, 16},
			{0x1004, 8},
		}

		for specIndex, spec := range specs {
			var a Allocator
			if err := a.Init(spec.start, spec.size); err != errRegionTooSmall {
				t.Errorf("[spec %d] expected errRegionTooSmall; got %v", specIndex, err)
			}
		}
	})

	t.Run("init twice", func(t *testing.T) {
		a, start := newTestAllocator(t, 256)
		expectPanic(t, errAlreadyInitialized, func() {
			_ = a.Init(start, 256)
		})
	})

	t.Run("use before init", func(t *testing.T) {
		var a Allocator
		expectPanic(t, errNotInitialized, func() { _, _ = a.Alloc(16, 8) })
		expectPanic(t, errNotInitialized, func() { a.Free(0x1000, 16, 8) })
	})
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a, start := newTestAllocator(t, 1024)
	freeBefore := a.FreeBytes()

	addr, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}

	if addr != start {
		t.Fatalf("expected first-fit allocation at %x; got %x", start, addr)
	}

	if exp := freeBefore - 64; a.FreeBytes() != exp {
		t.Fatalf("expected %d free bytes; got %d", exp, a.FreeBytes())
	}

	a.Free(addr, 64, 8)

	if a.FreeBytes() != freeBefore {
		t.Fatalf("expected free capacity to be restored to %d; got %d", freeBefore, a.FreeBytes())
	}

	if a.FreeBlockCount() != 1 {
		t.Fatalf("expected a single free block; got %d", a.FreeBlockCount())
	}

	addr2, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}

	if addr2 != addr {
		t.Fatalf("expected freed block at %x to be reused; got %x", addr, addr2)
	}
}

func TestAllocLargerThanHeap(t *testing.T) {
	a, start := newTestAllocator(t, 1024)

	specs := []uintptr{1025, 4096, ^uintptr(0)}
	for specIndex, size := range specs {
		if addr, err := a.Alloc(size, 8); err != ErrOutOfMemory || addr != 0 {
			t.Errorf("[spec %d] expected (0, ErrOutOfMemory); got (%x, %v)", specIndex, addr, err)
		}
	}

	addr, err := a.Alloc(1024, 8)
	if err != nil || addr != start {
		t.Fatalf("expected the whole heap to be allocatable; got (%x, %v)", addr, err)
	}

	if a.FreeBlockCount() != 0 || a.FreeBytes() != 0 {
		t.Fatalf("expected heap to be exhausted; got %d blocks, %d bytes", a.FreeBlockCount(), a.FreeBytes())
	}

	if _, err = a.Alloc(1, 1); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestAllocInvalidAlignment(t *testing.T) {
	a, _ := newTestAllocator(t, 256)

	for specIndex, align := range []uintptr{0, 3, 24, 100} {
		if _, err := a.Alloc(16, align); err != ErrInvalidAlignment {
			t.Errorf("[spec %d] expected ErrInvalidAlignment for alignment %d; got %v", specIndex, align, err)
		}
	}
}

func TestAllocAlignmentSplit(t *testing.T) {
	a, start := newTestAllocator(t, 1024)

	// Occupy the first 16 bytes so the next aligned block leaves a prefix
	if _, err := a.Alloc(16, 16); err != nil {
		t.Fatal(err)
	}

	align := uintptr(256)
	addr, err := a.Alloc(32, align)
	if err != nil {
		t.Fatal(err)
	}

	if addr&(align-1) != 0 {
		t.Fatalf("expected address %x to be aligned to %d", addr, align)
	}

	// prefix [start+16, addr) and suffix [addr+32, end) remain free
	if exp := 1024 - 16 - 32; a.FreeBytes() != uintptr(exp) {
		t.Fatalf("expected %d free bytes; got %d", exp, a.FreeBytes())
	}

	if addr != start+256 {
		t.Fatalf("expected aligned block at %x; got %x", start+256, addr)
	}

	if a.FreeBlockCount() != 2 {
		t.Fatalf("expected 2 free blocks; got %d", a.FreeBlockCount())
	}

	// The prefix is reused by small allocations
	if prefixAddr, _ := a.Alloc(16, 8); prefixAddr != start+16 {
		t.Fatalf("expected prefix block at %x to be reused; got %x", start+16, prefixAddr)
	}
}

func TestAllocSmallSizesAreRounded(t *testing.T) {
	a, start := newTestAllocator(t, 256)

	first, _ := a.Alloc(1, 1)
	second, _ := a.Alloc(0, 1)
	third, _ := a.Alloc(17, 4)

	if first != start || second != start+16 || third != start+32 {
		t.Fatalf("expected blocks at %x, %x, %x; got %x, %x, %x", start, start+16, start+32, first, second, third)
	}

	if exp := uintptr(256 - 64); a.FreeBytes() != exp {
		t.Fatalf("expected %d free bytes; got %d", exp, a.FreeBytes())
	}
}

func TestCoalescing(t *testing.T) {
	a, start := newTestAllocator(t, 256)

	blockA, _ := a.Alloc(64, 8)
	blockB, _ := a.Alloc(64, 8)
	blockC, _ := a.Alloc(128, 8)

	if blockA != start || blockB != start+64 || blockC != start+128 {
		t.Fatalf("unexpected block layout: %x, %x, %x", blockA, blockB, blockC)
	}

	if _, err := a.Alloc(128, 8); err != ErrOutOfMemory {
		t.Fatalf("expected heap to be full; got %v", err)
	}

	a.Free(blockA, 64, 8)
	a.Free(blockB, 64, 8)

	if a.FreeBlockCount() != 1 {
		t.Fatalf("expected the two adjacent blocks to be merged; got %d free blocks", a.FreeBlockCount())
	}

	if exp := uintptr(128); blockAt(a.head).size != exp {
		t.Fatalf("expected merged block size %d; got %d", exp, blockAt(a.head).size)
	}

	merged, err := a.Alloc(128, 8)
	if err != nil {
		t.Fatalf("expected merged block to satisfy a 128 byte request; got %v", err)
	}

	if merged != blockA {
		t.Fatalf("expected merged block at %x; got %x", blockA, merged)
	}
}

func TestCoalescingOrder(t *testing.T) {
	specs := []struct {
		desc      string
		freeOrder []int
	}{
		{"ascending", []int{0, 1, 2, 3}},
		{"descending", []int{3, 2, 1, 0}},
		{"middle last", []int{0, 2, 3, 1}},
		{"outer last", []int{1, 2, 0, 3}},
	}

	for _, spec := range specs {
		t.Run(spec.desc, func(t *testing.T) {
			a, _ := newTestAllocator(t, 256)

			var blocks [4]uintptr
			for i := range blocks {
				blocks[i], _ = a.Alloc(64, 16)
			}

			for _, i := range spec.freeOrder {
				a.Free(blocks[i], 64, 16)
			}

			if a.FreeBlockCount() != 1 || a.FreeBytes() != 256 {
				t.Fatalf("expected a single 256 byte block; got %d blocks, %d bytes", a.FreeBlockCount(), a.FreeBytes())
			}
		})
	}
}

func TestFirstFit(t *testing.T) {
	a, _ := newTestAllocator(t, 512)

	var blocks [4]uintptr
	for i := range blocks {
		blocks[i], _ = a.Alloc(64, 16)
	}

	// Leave a 64 byte hole below a larger free block
	a.Free(blocks[0], 64, 16)
	a.Free(blocks[2], 64, 16)
	a.Free(blocks[3], 64, 16)

	if addr, _ := a.Alloc(48, 16); addr != blocks[0] {
		t.Fatalf("expected the lowest block that fits to be used; got %x, want %x", addr, blocks[0])
	}

	if addr, _ := a.Alloc(96, 16); addr != blocks[2] {
		t.Fatalf("expected allocation to skip the exhausted hole; got %x, want %x", addr, blocks[2])
	}
}

func TestInvalidFree(t *testing.T) {
	a, start := newTestAllocator(t, 256)
	addr, _ := a.Alloc(64, 16)

	specs := []struct {
		desc             string
		addr, size, algn uintptr
	}{
		{"below heap", start - 16, 16, 16},
		{"past heap", start + 256, 16, 16},
		{"overruns heap end", start + 240, 32, 16},
		{"misaligned", addr + 8, 16, 8},
		{"not aligned to requested alignment", addr + 16, 16, 32},
		{"bad alignment", addr, 64, 3},
		{"already free", start + 64, 16, 16},
		{"overlaps free block", addr + 48, 32, 16},
	}

	for _, spec := range specs {
		t.Run(spec.desc, func(t *testing.T) {
			expectPanic(t, errInvalidFree, func() {
				a.Free(spec.addr, spec.size, spec.algn)
			})
		})
	}

	t.Run("double free", func(t *testing.T) {
		a.Free(addr, 64, 16)
		expectPanic(t, errInvalidFree, func() {
			a.Free(addr, 64, 16)
		})
	})
}

func TestCorruptedFreeList(t *testing.T) {
	specs := []struct {
		desc    string
		corrupt func(a *Allocator)
	}{
		{"next outside heap", func(a *Allocator) { blockAt(a.head).next = a.end + 64 }},
		{"zero size", func(a *Allocator) { blockAt(a.head).size = 0 }},
		{"size past heap end", func(a *Allocator) { blockAt(a.head).size = 4096 }},
		{"out of order", func(a *Allocator) { blockAt(a.head).next = a.start }},
	}

	for _, spec := range specs {
		t.Run(spec.desc, func(t *testing.T) {
			a, _ := newTestAllocator(t, 256)

			// Split the heap into two free blocks
			blocks := [2]uintptr{}
			blocks[0], _ = a.Alloc(64, 16)
			blocks[1], _ = a.Alloc(64, 16)
			a.Free(blocks[0], 64, 16)

			spec.corrupt(a)

			expectPanic(t, errHeapCorrupted, func() {
				_, _ = a.Alloc(128, 16)
			})
		})
	}
}
