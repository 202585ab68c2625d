package vmm

import (
	"github.com/Spirus10/BoredOS/kernel"
	"github.com/Spirus10/BoredOS/kernel/kfmt"
	"github.com/Spirus10/BoredOS/kernel/mm"
)

// FaultAccess describes the kind of memory access that caused a page fault.
type FaultAccess uint8

const (
	// FaultRead is a data read.
	FaultRead FaultAccess = iota

	// FaultWrite is a data write.
	FaultWrite

	// FaultExecute is an instruction fetch.
	FaultExecute
)

// String implements fmt.Stringer for FaultAccess.
func (a FaultAccess) String() string {
	switch a {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// FaultDecision tells the exception dispatcher how to proceed after a page
// fault.
type FaultDecision uint8

const (
	// FaultResolved means the mapping was fixed and the faulting
	// instruction can be retried.
	FaultResolved FaultDecision = iota

	// FaultEscalate means the fault could not be handled by the memory
	// subsystem.
	FaultEscalate
)

// HandlePageFault is invoked by the exception dispatcher when an access to
// faultAddr fails. Writes to copy-on-write pages are resolved by giving the
// page a private writable copy of its frame; every other fault is logged
// and escalated.
//
// Copy-on-write pages come in two forms. MapOnDemand backs them with
// ReservedZeroedFrame and the private frame is simply cleared. Callers of Map
// that share a populated frame between pages by mapping it read-only with
// FlagCopyOnWrite get the frame contents copied instead.
func HandlePageFault(faultAddr uintptr, access FaultAccess) FaultDecision {
	// The fault may have interrupted a vmm call; spinning on the lock
	// would never return.
	if !vmmLock.TryToAcquire() {
		kfmt.Fprintf(logger, "page fault at 0x%16x (%s) while page tables are being updated\n", faultAddr, access.String())
		return FaultEscalate
	}
	defer vmmLock.Release()

	return kernelPDT.resolveFault(faultAddr, access)
}

func (pdt *PageDirectoryTable) resolveFault(faultAddr uintptr, access FaultAccess) FaultDecision {
	faultPage := mm.PageFromAddress(faultAddr)
	pte, err := pdt.leafEntry(faultPage)

	switch {
	case err != nil:
		kfmt.Fprintf(logger, "page fault at 0x%16x: non-present page (%s)\n", faultAddr, access.String())
		return FaultEscalate
	case access != FaultWrite || pte.HasFlags(FlagRW) || !pte.HasFlags(FlagCopyOnWrite):
		kfmt.Fprintf(logger, "page fault at 0x%16x: page protection violation (%s)\n", faultAddr, access.String())
		return FaultEscalate
	}

	copyFrame, err := mm.AllocFrame()
	if err != nil {
		kfmt.Fprintf(logger, "page fault at 0x%16x: unable to allocate frame for copy-on-write page\n", faultAddr)
		return FaultEscalate
	}

	dst := mm.PhysToVirt(copyFrame.Address())
	if origFrame := pte.Frame(); origFrame == ReservedZeroedFrame {
		kernel.Memset(dst, 0, mm.PageSize)
	} else {
		kernel.Memcopy(mm.PhysToVirt(origFrame.Address()), dst, mm.PageSize)
	}

	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(copyFrame)
	flushTLBEntryFn(faultPage.Address())

	return FaultResolved
}
