// Package gate implements inter-domain call gates: the controlled entry
// points through which one domain transfers execution into another. A gate
// is created against a service-execute capability and that capability is
// re-checked on every invocation, so revoking it closes the gate for the
// revoked caller immediately.
package gate

import (
	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/mm"
	"hikos/kernel/mm/pmm"
	"hikos/kernel/sync"
)

const (
	// MaxCallGates bounds the call-gate table.
	MaxCallGates = 64

	// gateStackSize is the per-gate stack the callee runs on; it is
	// allocated when the gate is created.
	gateStackSize = 4 * uint64(mm.PageSize)

	// kernelCodeSelector is the GDT selector call gates transfer
	// through.
	kernelCodeSelector = 0x08

	// gateTypeAvailable is the descriptor type for a 64-bit call gate.
	gateTypeAvailable = 0x0C
)

var (
	// ErrGateTableFull is returned when no gate slot is free.
	ErrGateTableFull = &kernel.Error{Module: "gate", Message: "call gate table full"}

	// ErrUnknownGate is returned for gate ids with no live gate.
	ErrUnknownGate = &kernel.Error{Module: "gate", Message: "unknown call gate"}

	// ErrStackAllocFailed is returned when the gate stack cannot be
	// reserved.
	ErrStackAllocFailed = &kernel.Error{Module: "gate", Message: "cannot allocate call gate stack"}

	// ErrBadCapKind is returned when the presented capability does not
	// name a service.
	ErrBadCapKind = &kernel.Error{Module: "gate", Message: "capability does not govern a service"}
)

// callGate is one descriptor-table entry plus the bookkeeping needed to
// re-check the governing capability at invocation time.
type callGate struct {
	offset   uintptr
	selector uint16
	ist      uint8
	gateType uint8
	dpl      uint8
	present  bool

	target    capability.DomainID
	governing capability.Handle
	stackBase uintptr
}

type gateTable struct {
	lock  sync.Spinlock
	gates [MaxCallGates]callGate
	count int
}

var gates gateTable

// Test and platform seams.
var (
	capCheckFn  = capability.Check
	capLookupFn = capability.Lookup

	allocStackFn = func(owner capability.DomainID) uintptr {
		return pmm.Alloc(gateStackSize, uint64(mm.PageSize), mm.FrameKernel, uint64(owner))
	}

	// transferFn performs the stack-switched control transfer into the
	// target domain and returns the callee's result. The platform layer
	// installs the real trampoline; the default rejects the call.
	transferFn = func(g *callGate, args []uint64) (uint64, *kernel.Error) {
		return 0, ErrUnknownGate
	}
)

// Init resets the call-gate table.
func Init() {
	gates.lock.Acquire()
	defer gates.lock.Release()
	gates.gates = [MaxCallGates]callGate{}
	gates.count = 0
}

// Create reserves a call-gate slot targeting entry inside the target
// domain. The caller must hold h with the execute permission and h must be a
// service capability; which service h names is not compared with target. h
// becomes the gate's governing capability and is re-checked on every Call.
func Create(caller, target capability.DomainID, entry uintptr, h capability.Handle) (int, *kernel.Error) {
	if err := capCheckFn(caller, h, capability.PermExecute); err != nil {
		return -1, err
	}
	info, err := capLookupFn(h)
	if err != nil {
		return -1, err
	}
	if info.Kind != capability.KindService {
		return -1, ErrBadCapKind
	}

	gates.lock.Acquire()
	defer gates.lock.Release()

	if gates.count >= MaxCallGates {
		return -1, ErrGateTableFull
	}

	stack := allocStackFn(target)
	if stack == 0 {
		return -1, ErrStackAllocFailed
	}

	id := gates.count
	gates.gates[id] = callGate{
		offset:    entry,
		selector:  kernelCodeSelector,
		gateType:  gateTypeAvailable,
		dpl:       3,
		present:   true,
		target:    target,
		governing: h,
		stackBase: stack,
	}
	gates.count++

	return id, nil
}

// Call transfers control through gate id on behalf of caller. The governing
// capability is checked against the caller's domain at invocation time, so a
// capability revoked after gate creation no longer opens the gate.
func Call(id int, caller capability.DomainID, args []uint64) (uint64, *kernel.Error) {
	gates.lock.Acquire()
	if id < 0 || id >= gates.count || !gates.gates[id].present {
		gates.lock.Release()
		return 0, ErrUnknownGate
	}
	g := &gates.gates[id]
	gates.lock.Release()

	if err := capCheckFn(caller, g.governing, capability.PermExecute); err != nil {
		return 0, err
	}

	return transferFn(g, args)
}

// Target reports the domain a gate transfers into.
func Target(id int) (capability.DomainID, *kernel.Error) {
	gates.lock.Acquire()
	defer gates.lock.Release()

	if id < 0 || id >= gates.count || !gates.gates[id].present {
		return 0, ErrUnknownGate
	}
	return gates.gates[id].target, nil
}
