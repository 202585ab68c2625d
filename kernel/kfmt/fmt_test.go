package kfmt

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer SetOutputSink(nil)

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{func() { printfn("no args") }, "no args"},
		{func() { printfn("%t", true) }, "true"},
		{func() { printfn("%8t", false) }, "false"},
		{func() { printfn("%s arg", "STRING") }, "STRING arg"},
		{func() { printfn("%s arg", []byte("BYTE SLICE")) }, "BYTE SLICE arg"},
		{func() { printfn("'%4s' padded", "ABC") }, "' ABC' padded"},
		{func() { printfn("'%4s' longer than padding", "ABCDE") }, "'ABCDE' longer than padding"},
		{func() { printfn("frame: %d", uint8(10)) }, "frame: 10"},
		{func() { printfn("mode: %o", uint16(0777)) }, "mode: 777"},
		{func() { printfn("addr: 0x%x", uintptr(0xbadf00d)) }, "addr: 0xbadf00d"},
		{func() { printfn("'%10d'", uint64(123)) }, "'       123'"},
		{func() { printfn("'%4o'", uint64(0777)) }, "'0777'"},
		{func() { printfn("'0x%16x'", uint64(0x100000)) }, "'0x0000000000100000'"},
		{func() { printfn("'0x%5x'", int64(0xbadf00d)) }, "'0xbadf00d'"},
		{func() { printfn("%d", int8(-12)) }, "-12"},
		{func() { printfn("'%5d'", int16(-12)) }, "'  -12'"},
		{func() { printfn("%x", int32(-0xff)) }, "-ff"},
		{func() { printfn("%d", 0) }, "0"},
		{func() { printfn("100%%") }, "100%"},
		{func() { printfn("%d") }, "(MISSING)"},
		{func() { printfn("%d", "not a number") }, "%!(WRONGTYPE)"},
		{func() { printfn("%t", 1) }, "%!(WRONGTYPE)"},
		{func() { printfn("%s", 1) }, "%!(WRONGTYPE)"},
		{func() { printfn("%q", 1) }, "%!(NOVERB)%!(EXTRA)"},
		{func() { printfn("done", 1, 2) }, "done%!(EXTRA)%!(EXTRA)"},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "[%s] %d frames\n", "pmm", 42)

	if exp, got := "[pmm] 42 frames\n", buf.String(); got != exp {
		t.Fatalf("expected to get %q; got %q", exp, got)
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer SetOutputSink(nil)

	SetOutputSink(nil)
	earlyPrintBuffer = ringBuffer{}

	Printf("buffered %d\n", 1)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "buffered 1\n", buf.String(); got != exp {
		t.Fatalf("expected buffered output %q to be flushed; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the installed sink")
	}

	Printf("direct")
	if !strings.HasSuffix(buf.String(), "direct") {
		t.Fatalf("expected output to go to the sink; got %q", buf.String())
	}
}

func TestPrintfDoesNotAllocate(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	buf.Grow(4096)
	SetOutputSink(&buf)

	allocs := testing.AllocsPerRun(10, func() {
		buf.Reset()
		Printf("[%s] frame 0x%x (%d)\n", "pmm", uintptr(0x1000), 4)
	})

	// The variadic argument boxing may allocate but formatting itself
	// must not add to it.
	if allocs > 3 {
		t.Fatalf("expected Printf to perform at most 3 allocations; got %f", allocs)
	}
}
