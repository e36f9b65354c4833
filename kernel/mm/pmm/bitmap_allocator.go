// Package pmm implements the physical memory manager: a page-granular
// first-fit allocator over a typed bitmap. Every frame carries a class and an
// owning domain id; allocations flip whole runs of frames to the requested
// (class, owner) pair and frees restore the entire run, which the allocator
// locates through an ordered index of live runs.
package pmm

import (
	"github.com/google/btree"

	"hikos/kernel"
	"hikos/kernel/kfmt"
	"hikos/kernel/mm"
	"hikos/kernel/sync"
)

var (
	// ErrOutOfRange is returned when an address falls outside the frame
	// bitmap established by Init.
	ErrOutOfRange = &kernel.Error{Module: "pmm", Message: "address is outside the managed physical range"}

	// ErrNotRunBase is returned by Free for an address that is not the
	// base of a live allocation run.
	ErrNotRunBase = &kernel.Error{Module: "pmm", Message: "address is not the base of a live allocation"}

	// ErrBadClass is returned when a reservation names the reserved
	// pseudo-class with a non-zero owner or an unknown class value.
	ErrBadClass = &kernel.Error{Module: "pmm", Message: "invalid frame class for reservation"}
)

// frameInfo is the bitmap entry for one 4 KiB frame.
type frameInfo struct {
	class mm.FrameClass
	owner uint64
}

// allocRun records a live allocation so that Free can release the entire
// contiguous range handed out by a single Alloc call.
type allocRun struct {
	start mm.Frame
	pages uint64
}

func runLess(a, b allocRun) bool { return a.start < b.start }

// state is the singleton allocator. One lock serializes the scan-and-commit
// sequence so two allocators cannot race on the same candidate run.
type state struct {
	lock sync.Spinlock

	frames []frameInfo
	runs   *btree.BTreeG[allocRun]

	totalPages     uint64
	availablePages uint64
	allocatedPages uint64
}

var alloc state

// Init sets up the frame bitmap for totalBytes of physical memory. Every
// frame starts out reserved; the boot sequence releases usable ranges by
// replaying the boot memory map through Reserve.
func Init(totalBytes uint64) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pages := totalBytes >> mm.PageShift
	alloc.frames = make([]frameInfo, pages)
	alloc.runs = btree.NewG(2, runLess)
	alloc.totalPages = pages
	alloc.availablePages = 0
	alloc.allocatedPages = 0

	for i := range alloc.frames {
		alloc.frames[i] = frameInfo{class: mm.FrameReserved}
	}

	return nil
}

// markFrame reclassifies a single frame keeping the availability accounting
// consistent: available counts frames in the available class, allocated
// counts frames in any owned class, and reserved frames count toward
// neither.
func markFrame(frame mm.Frame, class mm.FrameClass, owner uint64) {
	old := &alloc.frames[frame]

	switch {
	case old.class == mm.FrameAvailable:
		alloc.availablePages--
	case old.class.Allocated():
		alloc.allocatedPages--
	}

	switch {
	case class == mm.FrameAvailable:
		alloc.availablePages++
	case class.Allocated():
		alloc.allocatedPages++
	}

	old.class = class
	old.owner = owner
}

// Alloc reserves the lowest run of contiguous available frames large enough
// for size bytes whose base address is aligned to align, tags the run with
// (class, owner) and returns its base physical address. A zero return means
// the allocation failed; frame 0 is reserved by boot so zero never denotes a
// usable frame in a correctly booted system.
func Alloc(size, align uint64, class mm.FrameClass, owner uint64) uintptr {
	if size == 0 || !class.Allocated() {
		return 0
	}

	pagesNeeded := (size + uint64(mm.PageSize) - 1) >> mm.PageShift
	alignPages := (align + uint64(mm.PageSize) - 1) >> mm.PageShift
	if alignPages == 0 {
		alignPages = 1
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var (
		start mm.Frame
		found uint64
	)

	for frame := uint64(0); frame < alloc.totalPages; frame++ {
		if alloc.frames[frame].class != mm.FrameAvailable {
			found = 0
			continue
		}

		if found == 0 {
			// A run can only begin at an aligned frame; skip ahead
			// to the next aligned candidate instead of rejecting
			// the remainder of the region.
			if frame%alignPages != 0 {
				continue
			}
			start = mm.Frame(frame)
		}
		found++

		if found == pagesNeeded {
			for f := start; f < start+mm.Frame(pagesNeeded); f++ {
				markFrame(f, class, owner)
			}
			alloc.runs.ReplaceOrInsert(allocRun{start: start, pages: pagesNeeded})
			return start.Address()
		}
	}

	return 0
}

// Free releases the allocation run that starts at addr, restoring every
// frame in the run to the available class with no owner.
func Free(addr uintptr) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	frame := mm.FrameFromAddress(addr)
	if uint64(frame) >= alloc.totalPages {
		return ErrOutOfRange
	}

	run, ok := alloc.runs.Get(allocRun{start: frame})
	if !ok {
		return ErrNotRunBase
	}

	for f := run.start; f < run.start+mm.Frame(run.pages); f++ {
		markFrame(f, mm.FrameAvailable, 0)
	}
	alloc.runs.Delete(run)

	return nil
}

// Reserve marks the frames covering [base, base+size) with the supplied
// class and owner regardless of their current state. It is idempotent and is
// how the boot sequence classifies the firmware memory map and how managers
// tag regions they hand to a newly created domain.
func Reserve(base uintptr, size uint64, class mm.FrameClass, owner uint64) *kernel.Error {
	if class == mm.FrameReserved && owner != 0 {
		return ErrBadClass
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	startFrame := mm.FrameFromAddress(base)
	pages := (size + uint64(mm.PageSize) - 1) >> mm.PageShift

	if uint64(startFrame)+pages > alloc.totalPages {
		return ErrOutOfRange
	}

	for f := startFrame; f < startFrame+mm.Frame(pages); f++ {
		markFrame(f, class, owner)
	}

	return nil
}

// FrameAt reports the class and owning domain recorded for the frame that
// contains addr. The second return is false when addr is unmanaged.
func FrameAt(addr uintptr) (mm.FrameClass, uint64, bool) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	frame := mm.FrameFromAddress(addr)
	if uint64(frame) >= alloc.totalPages {
		return mm.FrameReserved, 0, false
	}

	info := alloc.frames[frame]
	return info.class, info.owner, true
}

// Stats returns the total, available and allocated page counts. At rest
// available+allocated equals the number of non-reserved frames.
func Stats() (total, available, allocated uint64) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalPages, alloc.availablePages, alloc.allocatedPages
}

// PrintStats logs the allocator's page accounting.
func PrintStats() {
	total, available, allocated := Stats()
	kfmt.Printf("[pmm] page stats: available: %d/%d (%d allocated)\n", available, total, allocated)
}

// VisitRuns invokes visitor for every live allocation run in ascending base
// order, stopping early if the visitor returns false. The monitor service
// uses this to render the physical memory layout.
func VisitRuns(visitor func(base uintptr, pages uint64) bool) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.runs.Ascend(func(run allocRun) bool {
		return visitor(run.start.Address(), run.pages)
	})
}
