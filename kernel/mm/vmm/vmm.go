// Package vmm implements per-domain isolation: four-level x86-64 page
// tables, access verification and TLB maintenance. Page tables are modelled
// as an arena of owned tables — a domain owns its PML4 and every
// intermediate table hangs off the entry that allocated it — and all walks
// go through the arena rather than through raw physical pointers.
package vmm

import (
	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/mm"
	"hikos/kernel/mm/pmm"
	"hikos/kernel/sync"
)

// DomainFlag records the privilege class a domain's page tables enforce.
type DomainFlag uint8

const (
	DomainKernel DomainFlag = 1 << iota
	DomainService
	DomainApp
)

const (
	pageLevels = 4

	tableEntries = 512
)

// pageLevelShifts gives the virtual-address shift for each paging level,
// topmost first.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

var (
	// ErrNoPageTables is returned for domains without a page-table tree.
	ErrNoPageTables = &kernel.Error{Module: "vmm", Message: "domain has no page tables"}

	// ErrTablesExist is returned when page tables are created twice for
	// the same domain.
	ErrTablesExist = &kernel.Error{Module: "vmm", Message: "domain already has page tables"}

	// ErrNotMapped is returned when a walk reaches a non-present entry.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrUnaligned is returned for map/unmap arguments that are not
	// page-aligned.
	ErrUnaligned = &kernel.Error{Module: "vmm", Message: "address or size is not page-aligned"}

	// ErrTableAllocFailed is returned when no frame could be reserved
	// for an intermediate page table.
	ErrTableAllocFailed = &kernel.Error{Module: "vmm", Message: "out of frames for page tables"}

	// ErrBadMapRange is returned when the presented memory capability
	// does not cover the physical range being mapped.
	ErrBadMapRange = &kernel.Error{Module: "vmm", Message: "capability does not cover the physical range"}

	// ErrBadCapKind is returned when the presented capability is not a
	// memory or device capability.
	ErrBadCapKind = &kernel.Error{Module: "vmm", Message: "capability does not govern memory"}

	// ErrAccessDenied is returned by VerifyAccess for ranges that are
	// unmapped or fail the requested constraints.
	ErrAccessDenied = &kernel.Error{Module: "vmm", Message: "access check failed"}

	errBadLeafFlags = &kernel.Error{Module: "vmm", Message: "page table entry flags violate mapping class"}
)

// pageTable is one 512-entry table in the arena together with the physical
// frame that backs it.
type pageTable struct {
	entries [tableEntries]pte
	frame   mm.Frame
}

// addressSpace is the per-domain page-table tree root.
type addressSpace struct {
	domain capability.DomainID
	flags  DomainFlag
	pml4   int
}

// isolation is the singleton arena of page tables plus the per-domain roots.
type isolation struct {
	lock sync.Spinlock

	tables        []*pageTable
	tableForFrame map[mm.Frame]int

	spaces map[capability.DomainID]*addressSpace
}

var iso isolation

// Test and platform seams, inlined by the compiler in kernel builds.
var (
	allocTableFrameFn = func(owner capability.DomainID) uintptr {
		return pmm.Alloc(uint64(mm.PageSize), uint64(mm.PageSize), mm.FrameKernel, uint64(owner))
	}
	freeTableFrameFn = func(addr uintptr) *kernel.Error { return pmm.Free(addr) }
	capCheckFn       = capability.Check
	capLookupFn      = capability.Lookup
)

// Init resets the isolation state. Called once during boot before any
// domain is constructed.
func Init() {
	iso.lock.Acquire()
	defer iso.lock.Release()

	iso.tables = nil
	iso.tableForFrame = make(map[mm.Frame]int)
	iso.spaces = make(map[capability.DomainID]*addressSpace)
}

// newTable reserves a frame for a page table and registers it in the arena.
// Lock must be held.
func newTable(owner capability.DomainID) (int, *kernel.Error) {
	addr := allocTableFrameFn(owner)
	if addr == 0 {
		return -1, ErrTableAllocFailed
	}

	t := &pageTable{frame: mm.FrameFromAddress(addr)}
	iso.tables = append(iso.tables, t)
	index := len(iso.tables) - 1
	iso.tableForFrame[t.frame] = index
	return index, nil
}

// CreatePageTables allocates a PML4 for the domain and records its privilege
// flags.
func CreatePageTables(domain capability.DomainID, flags DomainFlag) *kernel.Error {
	iso.lock.Acquire()
	defer iso.lock.Release()

	if _, ok := iso.spaces[domain]; ok {
		return ErrTablesExist
	}

	root, err := newTable(domain)
	if err != nil {
		return err
	}

	iso.spaces[domain] = &addressSpace{domain: domain, flags: flags, pml4: root}
	return nil
}

// releaseTable frees one table's frame and drops it from the arena index.
// Lock must be held.
func releaseTable(index int) {
	t := iso.tables[index]
	delete(iso.tableForFrame, t.frame)
	freeTableFrameFn(t.frame.Address())
	iso.tables[index] = nil
}

// releaseTree frees the subtree rooted at the given table. Intermediate
// tables are owned by the entry that allocated them, so the walk mirrors the
// ownership tree exactly. Lock must be held.
func releaseTree(index int, level int) {
	t := iso.tables[index]
	if level < pageLevels-1 {
		for i := range t.entries {
			e := t.entries[i]
			if !e.HasFlags(FlagPresent) || e.HasFlags(FlagHugePage) {
				continue
			}
			if child, ok := iso.tableForFrame[e.Frame()]; ok {
				releaseTree(child, level+1)
			}
		}
	}
	releaseTable(index)
}

// DestroyPageTables tears down a domain's page-table tree, returning every
// table frame to the physical allocator.
func DestroyPageTables(domain capability.DomainID) *kernel.Error {
	iso.lock.Acquire()
	defer iso.lock.Release()

	space, ok := iso.spaces[domain]
	if !ok {
		return ErrNoPageTables
	}

	releaseTree(space.pml4, 0)
	delete(iso.spaces, domain)
	return nil
}

// DomainFlags reports the privilege class a domain's tables were created
// with.
func DomainFlags(domain capability.DomainID) (DomainFlag, *kernel.Error) {
	iso.lock.Acquire()
	defer iso.lock.Release()

	space, ok := iso.spaces[domain]
	if !ok {
		return 0, ErrNoPageTables
	}
	return space.flags, nil
}

// Activate switches the CPU onto the domain's page-table tree. Loading CR3
// flushes every non-global TLB entry.
func Activate(domain capability.DomainID) *kernel.Error {
	iso.lock.Acquire()
	space, ok := iso.spaces[domain]
	if !ok {
		iso.lock.Release()
		return ErrNoPageTables
	}
	root := iso.tables[space.pml4].frame.Address()
	iso.lock.Release()

	switchPDTFn(root)
	return nil
}

// entryIndex extracts the table index for a virtual address at the given
// paging level.
func entryIndex(virtAddr uintptr, level int) int {
	return int((virtAddr >> pageLevelShifts[level]) & (tableEntries - 1))
}

// walkToLeaf walks the domain's tree for virtAddr and returns a pointer to
// the final-level entry. When allocate is set, missing intermediate tables
// are created with the supplied intermediate flags; otherwise a missing
// entry aborts the walk with ErrNotMapped. Lock must be held.
func walkToLeaf(space *addressSpace, virtAddr uintptr, allocate bool, intermediate PTEFlag) (*pte, *kernel.Error) {
	tableIdx := space.pml4

	for level := 0; level < pageLevels-1; level++ {
		t := iso.tables[tableIdx]
		e := &t.entries[entryIndex(virtAddr, level)]

		if !e.HasFlags(FlagPresent) {
			if !allocate {
				return nil, ErrNotMapped
			}
			child, err := newTable(space.domain)
			if err != nil {
				return nil, err
			}
			// newTable may grow the arena slice; re-resolve the
			// parent before writing the entry.
			t = iso.tables[tableIdx]
			e = &t.entries[entryIndex(virtAddr, level)]
			*e = 0
			e.SetFrame(iso.tables[child].frame)
			e.SetFlags(FlagPresent | intermediate)
		}

		next, ok := iso.tableForFrame[e.Frame()]
		if !ok {
			return nil, ErrNotMapped
		}
		tableIdx = next
	}

	return &iso.tables[tableIdx].entries[entryIndex(virtAddr, pageLevels-1)], nil
}
