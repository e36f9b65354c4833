package vmm

import (
	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/mm"
)

// Access describes the constraints VerifyAccess checks for.
type Access uint8

const (
	// AccessRead requires the page to be present.
	AccessRead Access = 1 << iota

	// AccessWrite additionally requires the writable bit.
	AccessWrite

	// AccessUser additionally requires the user-accessible bit.
	AccessUser
)

// Translate walks the domain's tables and returns the physical address that
// virtAddr maps to.
func Translate(domain capability.DomainID, virtAddr uintptr) (uintptr, *kernel.Error) {
	pa, _, err := PageInfo(domain, virtAddr)
	if err != nil {
		return 0, err
	}
	return pa + pageOffset(virtAddr), nil
}

// PageInfo returns the frame address and flags of the leaf entry mapping
// virtAddr.
func PageInfo(domain capability.DomainID, virtAddr uintptr) (uintptr, PTEFlag, *kernel.Error) {
	iso.lock.Acquire()
	defer iso.lock.Release()

	space, ok := iso.spaces[domain]
	if !ok {
		return 0, 0, ErrNoPageTables
	}

	leaf, err := walkToLeaf(space, virtAddr, false, 0)
	if err != nil {
		return 0, 0, err
	}
	if !leaf.HasFlags(FlagPresent) {
		return 0, 0, ErrNotMapped
	}

	flags := PTEFlag(uint64(*leaf) &^ ptePhysPageMask)
	return leaf.Frame().Address(), flags, nil
}

// VerifyAccess walks the domain's tables for every page in
// [addr, addr+size) and succeeds only if each one is present and satisfies
// the requested constraints. Finding a user-accessible page inside a
// kernel domain is an invariant violation and panics.
func VerifyAccess(domain capability.DomainID, addr uintptr, size uint64, access Access) *kernel.Error {
	if size == 0 {
		return nil
	}

	iso.lock.Acquire()
	defer iso.lock.Release()

	space, ok := iso.spaces[domain]
	if !ok {
		return ErrNoPageTables
	}

	first := addr &^ (mm.PageSize - 1)
	last := (addr + uintptr(size) - 1) &^ (mm.PageSize - 1)

	for va := first; ; va += mm.PageSize {
		leaf, err := walkToLeaf(space, va, false, 0)
		if err != nil || !leaf.HasFlags(FlagPresent) {
			return ErrAccessDenied
		}

		if space.flags == DomainKernel && leaf.HasFlags(FlagUserAccessible) {
			kernel.Panic(errBadLeafFlags)
		}

		if access&AccessWrite != 0 && !leaf.HasFlags(FlagRW) {
			return ErrAccessDenied
		}
		if access&AccessUser != 0 && !leaf.HasFlags(FlagUserAccessible) {
			return ErrAccessDenied
		}

		if va == last {
			break
		}
	}

	return nil
}

// pageOffset returns the offset of virtAddr within its page.
func pageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
