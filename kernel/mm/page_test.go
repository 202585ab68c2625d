package mm

import (
	"testing"

	"github.com/Spirus10/BoredOS/kernel"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameAndPageFromAddress(t *testing.T) {
	specs := []struct {
		input  uintptr
		expIdx uintptr
	}{
		{0, 0},
		{4095, 0},
		{4096, 1},
		{4123, 1},
		{0xb8000, 0xb8},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != Frame(spec.expIdx) {
			t.Errorf("[spec %d] expected returned frame to be %d; got %d", specIndex, spec.expIdx, got)
		}
		if got := PageFromAddress(spec.input); got != Page(spec.expIdx) {
			t.Errorf("[spec %d] expected returned page to be %d; got %d", specIndex, spec.expIdx, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestFrameAllocatorHooks(t *testing.T) {
	defer func() {
		SetFrameAllocator(nil)
		SetFrameDeallocator(nil)
	}()

	t.Run("no allocator registered", func(t *testing.T) {
		SetFrameAllocator(nil)
		SetFrameDeallocator(nil)

		if f, err := AllocFrame(); err != errNoFrameAllocator || f.Valid() {
			t.Fatalf("expected (InvalidFrame, errNoFrameAllocator); got (%d, %v)", f, err)
		}

		if err := FreeFrame(Frame(1)); err != errNoFrameAllocator {
			t.Fatalf("expected errNoFrameAllocator; got %v", err)
		}
	})

	t.Run("custom allocator", func(t *testing.T) {
		var freed Frame
		SetFrameAllocator(func() (Frame, *kernel.Error) {
			return FrameFromAddress(0xbadf00), nil
		})
		SetFrameDeallocator(func(f Frame) *kernel.Error {
			freed = f
			return nil
		})

		f, err := AllocFrame()
		if err != nil {
			t.Fatal(err)
		}

		if exp := FrameFromAddress(0xbadf00); f != exp {
			t.Fatalf("expected frame %d; got %d", exp, f)
		}

		if err = FreeFrame(f); err != nil {
			t.Fatal(err)
		}

		if freed != f {
			t.Fatalf("expected frame %d to be passed to the deallocator; got %d", f, freed)
		}
	})
}

func TestSizePages(t *testing.T) {
	specs := []struct {
		size Size
		exp  uintptr
	}{
		{0, 0},
		{1, 1},
		{4 * Kb, 1},
		{4*Kb + 1, 2},
		{100 * Kb, 25},
		{2 * Mb, 512},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.exp {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestPhysToVirt(t *testing.T) {
	defer SetPhysicalMemoryOffset(0)

	if got := PhysToVirt(0x1000); got != 0x1000 {
		t.Fatalf("expected identity translation with a zero offset; got %x", got)
	}

	SetPhysicalMemoryOffset(0xffff800000000000)
	if exp, got := uintptr(0xffff800000001000), PhysToVirt(0x1000); got != exp {
		t.Fatalf("expected %x; got %x", exp, got)
	}

	if got := PhysicalMemoryOffset(); got != 0xffff800000000000 {
		t.Fatalf("expected offset to be recorded; got %x", got)
	}
}
