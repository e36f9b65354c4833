// Package cpu provides access to amd64-specific instructions that the rest of
// the kernel needs for interrupt masking, TLB maintenance and control
// register access. Each primitive is exposed as a package-level function
// variable: the platform entry code installs the real implementations while
// tests substitute their own, the same way the per-package fooFn seams work.
package cpu

var (
	// EnableInterrupts enables interrupt handling (STI).
	EnableInterrupts = func() {}

	// DisableInterrupts disables interrupt handling (CLI).
	DisableInterrupts = func() {}

	// Halt stops instruction execution (HLT).
	Halt = func() {}

	// FlushTLBEntry flushes the TLB entry for a particular virtual
	// address (INVLPG).
	FlushTLBEntry = func(virtAddr uintptr) {}

	// SwitchPDT loads CR3 with the physical address of a PML4, switching
	// the active page-table tree and flushing all non-global TLB entries.
	SwitchPDT = func(pdtPhysAddr uintptr) { activePDT = pdtPhysAddr }

	// ActivePDT returns the physical address of the currently active PML4
	// (the contents of CR3).
	ActivePDT = func() uintptr { return activePDT }

	// ReadCR2 returns the faulting virtual address after a page fault.
	ReadCR2 = func() uint64 { return 0 }
)

// activePDT backs the default SwitchPDT/ActivePDT pair so that page-table
// activation remains observable before the platform layer installs the real
// CR3 accessors.
var activePDT uintptr
