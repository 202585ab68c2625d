// Package cpu exposes the privileged amd64 instructions used by the memory
// management code. The function bodies live in cpu_amd64.s.
package cpu

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table
// (the contents of the CR3 register).
func ActivePDT() uintptr
