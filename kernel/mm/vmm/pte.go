package vmm

import "hikos/kernel/mm"

// PTEFlag describes a flag that can be applied to a page table entry.
type PTEFlag uint64

const (
	// FlagPresent is set when the page is backed by a physical frame.
	FlagPresent PTEFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if ring-3 code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through instead of
	// write-back caching.
	FlagWriteThroughCaching

	// FlagDoNotCache disables caching for this page.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is modified.
	FlagDirty

	// FlagHugePage marks a 2 MiB mapping at the PD level.
	FlagHugePage

	// FlagGlobal keeps the translation cached across CR3 reloads.
	FlagGlobal

	// FlagNoExecute marks the page as non-executable.
	FlagNoExecute PTEFlag = 1 << 63
)

// ptePhysPageMask extracts the physical frame address from an entry; bits
// 12-51 hold the address on this architecture.
const ptePhysPageMask uint64 = 0x000ffffffffff000

// pte is one 64-bit page table entry: a physical frame address plus the
// architecture-defined flag bits.
type pte uint64

// HasFlags returns true if the entry has all the input flags set.
func (e pte) HasFlags(flags PTEFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// SetFlags sets the input flags on the entry.
func (e *pte) SetFlags(flags PTEFlag) {
	*e = pte(uint64(*e) | uint64(flags))
}

// ClearFlags unsets the input flags on the entry.
func (e *pte) ClearFlags(flags PTEFlag) {
	*e = pte(uint64(*e) &^ uint64(flags))
}

// Frame returns the physical frame the entry points to.
func (e pte) Frame() mm.Frame {
	return mm.Frame((uint64(e) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame points the entry at the given physical frame.
func (e *pte) SetFrame(frame mm.Frame) {
	*e = pte((uint64(*e) &^ ptePhysPageMask) | uint64(frame.Address()))
}
