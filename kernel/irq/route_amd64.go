// Package irq implements the interrupt router: a 256-entry vector table
// seeded at boot with the architectural exception and legacy IRQ routes,
// dispatching each arriving vector to an in-kernel handler or — after a
// capability check — to a registered service or application handler.
package irq

import (
	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/kfmt"
	"hikos/kernel/sync"
)

// NumVectors is the size of the vector table.
const NumVectors = 256

// HandlerKind describes where a vector's handler runs.
type HandlerKind uint8

const (
	// HandlerKernel handlers are called directly inside Core-0.
	HandlerKernel HandlerKind = iota

	// HandlerService handlers run inside a Core-1 service domain.
	HandlerService

	// HandlerApplication handlers run inside a Core-3 process domain.
	HandlerApplication
)

// RouteFlag holds the per-vector control bits.
type RouteFlag uint8

const (
	// FlagEnabled gates dispatch for the vector.
	FlagEnabled RouteFlag = 1 << iota

	// FlagMasked suppresses dispatch even when the vector is enabled.
	FlagMasked

	// FlagLevelTriggered marks level- rather than edge-triggered
	// semantics.
	FlagLevelTriggered
)

// KernelHandler is an in-kernel interrupt handler. It receives the vector
// and the error code pushed by the CPU (zero for vectors without one).
type KernelHandler func(vector uint8, errorCode uint64)

// routeEntry is one vector-table slot.
type routeEntry struct {
	kernelHandler KernelHandler
	handlerAddr   uintptr
	kind          HandlerKind
	cap           capability.Handle
	domain        capability.DomainID
	flags         RouteFlag
}

// deferredSlots bounds how many nested interrupts can queue while a
// dispatch is in flight.
const deferredSlots = 16

type deferredIRQ struct {
	vector    uint8
	errorCode uint64
}

type routeTable struct {
	lock    sync.Spinlock
	entries [NumVectors]routeEntry

	// dispatching makes the dispatcher non-reentrant; a nested interrupt
	// is deferred until the current one returns.
	dispatching bool
	deferred    [deferredSlots]deferredIRQ
	deferredLen int

	dropped  uint64
	spurious uint64
}

var table routeTable

var (
	// ErrBadVector is returned by Route when it is given the HandlerKernel
	// kind; in-kernel handlers are installed with RouteKernel.
	ErrBadVector = &kernel.Error{Module: "irq", Message: "vector out of range"}

	capCheckFn = capability.Check

	// deliverFn carries a capability-approved interrupt into a service
	// or application domain. The platform layer installs the real
	// context-switching delivery; the default logs and drops.
	deliverFn = func(entry uintptr, domain capability.DomainID, vector uint8, errorCode uint64) {
		kfmt.Printf("[irq] no delivery path for vector %d (domain %d)\n", vector, uint64(domain))
	}
)

// defaultHandler backs the boot-seeded routes until a subsystem claims the
// vector.
func defaultHandler(vector uint8, errorCode uint64) {
	kfmt.Printf("[irq] unhandled vector %d (error code %x)\n", vector, errorCode)
}

// Init seeds the vector table: 0-31 (architectural exceptions) and 32-47
// (legacy IRQs) as enabled in-kernel routes, everything above masked until
// explicitly routed.
func Init() {
	table.lock.Acquire()
	defer table.lock.Release()

	table.entries = [NumVectors]routeEntry{}
	table.dispatching = false
	table.deferredLen = 0
	table.dropped = 0
	table.spurious = 0

	for v := 0; v < 48; v++ {
		table.entries[v] = routeEntry{
			kernelHandler: defaultHandler,
			kind:          HandlerKernel,
			flags:         FlagEnabled,
		}
	}
	for v := 48; v < NumVectors; v++ {
		table.entries[v] = routeEntry{flags: FlagMasked}
	}
}

// RouteKernel reassigns a vector to an in-kernel handler.
func RouteKernel(vector uint8, handler KernelHandler) *kernel.Error {
	table.lock.Acquire()
	defer table.lock.Release()

	table.entries[vector] = routeEntry{
		kernelHandler: handler,
		kind:          HandlerKernel,
		flags:         table.entries[vector].flags,
	}
	return nil
}

// Route reassigns a vector to a service or application handler. The handler
// runs at entry inside the given domain; dispatch requires the domain to
// hold the named capability with irq read permission at delivery time.
func Route(vector uint8, entry uintptr, kind HandlerKind, h capability.Handle, domain capability.DomainID) *kernel.Error {
	if kind == HandlerKernel {
		return ErrBadVector
	}

	table.lock.Acquire()
	defer table.lock.Release()

	table.entries[vector] = routeEntry{
		handlerAddr: entry,
		kind:        kind,
		cap:         h,
		domain:      domain,
		flags:       table.entries[vector].flags,
	}
	return nil
}

// Enable unmasks a vector and allows dispatch.
func Enable(vector uint8) {
	table.lock.Acquire()
	defer table.lock.Release()
	table.entries[vector].flags |= FlagEnabled
	table.entries[vector].flags &^= FlagMasked
}

// Disable masks a vector.
func Disable(vector uint8) {
	table.lock.Acquire()
	defer table.lock.Release()
	table.entries[vector].flags |= FlagMasked
	table.entries[vector].flags &^= FlagEnabled
}

// Dispatch routes one interrupt. Masked, disabled and unrouted vectors are
// dropped; service and application routes are dispatched only when the
// owning domain still passes the capability check. The dispatcher is
// non-reentrant: an interrupt arriving while another is being dispatched is
// deferred and replayed when the current dispatch returns.
func Dispatch(vector uint16, errorCode uint64) {
	if vector >= NumVectors {
		return
	}

	table.lock.Acquire()
	if table.dispatching {
		if table.deferredLen < deferredSlots {
			table.deferred[table.deferredLen] = deferredIRQ{vector: uint8(vector), errorCode: errorCode}
			table.deferredLen++
		} else {
			table.dropped++
		}
		table.lock.Release()
		return
	}
	table.dispatching = true
	table.lock.Release()

	dispatchOne(uint8(vector), errorCode)

	for {
		table.lock.Acquire()
		if table.deferredLen == 0 {
			table.dispatching = false
			table.lock.Release()
			return
		}
		next := table.deferred[0]
		copy(table.deferred[:table.deferredLen-1], table.deferred[1:table.deferredLen])
		table.deferredLen--
		table.lock.Release()

		dispatchOne(next.vector, next.errorCode)
	}
}

func dispatchOne(vector uint8, errorCode uint64) {
	table.lock.Acquire()
	entry := table.entries[vector]
	table.lock.Release()

	if entry.flags&FlagMasked != 0 || entry.flags&FlagEnabled == 0 {
		table.lock.Acquire()
		table.spurious++
		table.lock.Release()
		return
	}

	switch entry.kind {
	case HandlerKernel:
		if entry.kernelHandler != nil {
			entry.kernelHandler(vector, errorCode)
		}
	case HandlerService, HandlerApplication:
		if err := capCheckFn(entry.domain, entry.cap, capability.PermRead); err != nil {
			table.lock.Acquire()
			table.dropped++
			table.lock.Release()
			return
		}
		deliverFn(entry.handlerAddr, entry.domain, vector, errorCode)
	}
}

// Stats returns the dropped and spurious interrupt counters.
func Stats() (dropped, spurious uint64) {
	table.lock.Acquire()
	defer table.lock.Release()
	return table.dropped, table.spurious
}
