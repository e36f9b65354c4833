package vmm

import (
	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/mm"
)

// MapType selects the page protection profile for a mapping.
type MapType uint8

const (
	// MapCode maps user-executable, read-only pages.
	MapCode MapType = iota

	// MapData maps writable user pages.
	MapData

	// MapReadOnly maps read-only user pages.
	MapReadOnly

	// MapDevice maps uncached writable MMIO pages.
	MapDevice

	// MapShared maps writable user pages intended for cross-domain
	// sharing.
	MapShared
)

// mapTypeFlags is the protection profile table; the mapping class fully
// determines the leaf flags.
var mapTypeFlags = [...]PTEFlag{
	MapCode:     FlagPresent | FlagUserAccessible,
	MapData:     FlagPresent | FlagRW | FlagUserAccessible,
	MapReadOnly: FlagPresent | FlagUserAccessible,
	MapDevice:   FlagPresent | FlagRW | FlagDoNotCache | FlagWriteThroughCaching,
	MapShared:   FlagPresent | FlagRW | FlagUserAccessible,
}

// writable reports whether the mapping class installs writable pages.
func (mt MapType) writable() bool {
	return mapTypeFlags[mt]&FlagRW != 0
}

// leafFlags computes the PTE flags for a mapping class inside a domain of
// the given privilege. Kernel domains never carry the user bit.
func leafFlags(mt MapType, df DomainFlag) PTEFlag {
	flags := mapTypeFlags[mt]
	if df == DomainKernel {
		flags &^= FlagUserAccessible
	}
	return flags
}

// Map verifies the caller's memory capability and installs PTEs translating
// [virtAddr, virtAddr+size) to [physAddr, physAddr+size) with the protection
// profile of mapType. Intermediate tables are allocated on demand; the
// capability must be a memory (or, for device mappings, device) capability
// whose range covers the physical target.
func Map(domain capability.DomainID, virtAddr, physAddr uintptr, size uint64, mapType MapType, h capability.Handle) *kernel.Error {
	if virtAddr&(mm.PageSize-1) != 0 || physAddr&(mm.PageSize-1) != 0 || size&uint64(mm.PageSize-1) != 0 {
		return ErrUnaligned
	}

	required := capability.PermRead
	if mapType.writable() {
		required |= capability.PermWrite
	}
	if err := capCheckFn(domain, h, required); err != nil {
		return err
	}

	info, err := capLookupFn(h)
	if err != nil {
		return err
	}
	switch {
	case info.Kind == capability.KindMemory:
	case info.Kind == capability.KindDevice && mapType == MapDevice:
	default:
		return ErrBadCapKind
	}
	if physAddr < info.Base || uint64(physAddr-info.Base)+size > info.Size {
		return ErrBadMapRange
	}

	iso.lock.Acquire()
	defer iso.lock.Release()

	space, ok := iso.spaces[domain]
	if !ok {
		return ErrNoPageTables
	}

	flags := leafFlags(mapType, space.flags)
	checkLeafInvariant(mapType, space.flags, flags)

	intermediate := FlagRW
	if flags&FlagUserAccessible != 0 {
		intermediate |= FlagUserAccessible
	}

	for off := uint64(0); off < size; off += uint64(mm.PageSize) {
		leaf, err := walkToLeaf(space, virtAddr+uintptr(off), true, intermediate)
		if err != nil {
			return err
		}
		*leaf = 0
		leaf.SetFrame(mm.FrameFromAddress(physAddr + uintptr(off)))
		leaf.SetFlags(flags)
		flushTLBEntryFn(virtAddr + uintptr(off))
	}

	return nil
}

// checkLeafInvariant panics when the computed leaf flags contradict the
// mapping class: a writable read-only mapping or a user-accessible page in a
// kernel domain is a kernel bug, not a caller error.
func checkLeafInvariant(mt MapType, df DomainFlag, flags PTEFlag) {
	if mt == MapReadOnly && flags&FlagRW != 0 {
		kernel.Panic(errBadLeafFlags)
	}
	if df == DomainKernel && flags&FlagUserAccessible != 0 {
		kernel.Panic(errBadLeafFlags)
	}
}

// Unmap removes the translations for [virtAddr, virtAddr+size) and
// invalidates the affected TLB entries page by page.
func Unmap(domain capability.DomainID, virtAddr uintptr, size uint64) *kernel.Error {
	if virtAddr&(mm.PageSize-1) != 0 || size&uint64(mm.PageSize-1) != 0 {
		return ErrUnaligned
	}

	iso.lock.Acquire()
	defer iso.lock.Release()

	space, ok := iso.spaces[domain]
	if !ok {
		return ErrNoPageTables
	}

	for off := uint64(0); off < size; off += uint64(mm.PageSize) {
		leaf, err := walkToLeaf(space, virtAddr+uintptr(off), false, 0)
		if err != nil {
			return err
		}
		if !leaf.HasFlags(FlagPresent) {
			return ErrNotMapped
		}
		*leaf = 0
		flushTLBEntryFn(virtAddr + uintptr(off))
	}

	return nil
}
