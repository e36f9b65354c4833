// Package process implements the Core-3 process manager: user processes
// with private domains, the fixed virtual address-space layout, and the
// system-call dispatch table through which applications reach the kernel.
package process

import (
	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/mm"
	"hikos/kernel/mm/pmm"
	"hikos/kernel/mm/vmm"
	"hikos/kernel/sched"
	"hikos/kernel/sync"
)

const (
	// MaxProcesses bounds the process table.
	MaxProcesses = 32

	// segmentSize is the default size of each of the code, data, stack
	// and heap segments.
	segmentSize = 0x10000

	// imageSize is the contiguous physical block backing a new process.
	imageSize = 0x100000
)

// PID names a process. Zero is the "no process" sentinel; the kernel itself
// is not a process.
type PID uint64

// State tracks a process's lifecycle.
type State uint8

const (
	ProcNew State = iota + 1
	ProcReady
	ProcRunning
	ProcBlocked
	ProcTerminated
)

// Process is one Core-3 process record.
type Process struct {
	pid    PID
	parent PID
	state  State

	domain capability.DomainID
	memCap capability.Handle
	thread sched.ThreadID

	physBase uintptr

	entry     uintptr
	codeBase  uintptr
	codeSize  uint64
	dataBase  uintptr
	dataSize  uint64
	stackBase uintptr
	stackSize uint64
	heapBase  uintptr
	heapSize  uint64

	path string
	argv []string
	envp []string

	exitCode  int32
	startedAt uint64
}

var (
	// ErrTableFull is returned when the process table has no free slot.
	ErrTableFull = &kernel.Error{Module: "process", Message: "process table full"}

	// ErrUnknownProcess is returned for pids with no live process.
	ErrUnknownProcess = &kernel.Error{Module: "process", Message: "unknown process"}

	// ErrNoMemory is returned when the physical image block cannot be
	// allocated.
	ErrNoMemory = &kernel.Error{Module: "process", Message: "cannot allocate process image"}

	// ErrNotNew is returned when starting a process that has already
	// been started.
	ErrNotNew = &kernel.Error{Module: "process", Message: "process already started"}

	// ErrNotImplemented is returned by the reserved fork/exec/wait
	// surface.
	ErrNotImplemented = &kernel.Error{Module: "process", Message: "not implemented"}
)

type manager struct {
	lock    sync.Spinlock
	procs   [MaxProcesses]Process
	nextPID PID
	count   int
}

var mgr manager

// Test seams over the subsystems the manager drives.
var (
	pmmAllocFn      = pmm.Alloc
	pmmFreeFn       = pmm.Free
	reserveFn       = pmm.Reserve
	createDomainFn  = capability.CreateDomain
	deleteDomainFn  = capability.DeleteDomain
	capCreateFn     = capability.Create
	createTablesFn  = vmm.CreatePageTables
	destroyTablesFn = vmm.DestroyPageTables
	vmmMapFn        = vmm.Map
	vmmUnmapFn      = vmm.Unmap
	createThreadFn  = sched.CreateThread
	killThreadFn    = sched.TerminateThread
	currentThreadFn = sched.CurrentThread
	yieldFn         = sched.Yield

	// enterProcessFn transfers a new process thread to its image entry
	// point in ring 3; the platform layer installs the real trampoline.
	enterProcessFn = func(p *Process) {}
)

// Init resets the process table.
func Init() {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	mgr.procs = [MaxProcesses]Process{}
	mgr.nextPID = 1
	mgr.count = 0
}

// byPID returns the live record for pid. Lock must be held.
func byPID(pid PID) *Process {
	for i := range mgr.procs {
		if mgr.procs[i].pid == pid {
			return &mgr.procs[i]
		}
	}
	return nil
}

// Create allocates the physical image block, builds a fresh domain with
// application page tables, maps the fixed code/data/stack/heap layout and
// records the process in the new state. parent is the creating process, or
// zero when the kernel spawns the first application.
func Create(path string, argv []string, parent PID) (PID, *kernel.Error) {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	var slot *Process
	for i := range mgr.procs {
		if mgr.procs[i].pid == 0 {
			slot = &mgr.procs[i]
			break
		}
	}
	if slot == nil {
		return 0, ErrTableFull
	}

	phys := pmmAllocFn(imageSize, uint64(mm.PageSize), mm.FrameApplication, 0)
	if phys == 0 {
		return 0, ErrNoMemory
	}

	domain, err := createDomainFn(phys, imageSize)
	if err != nil {
		pmmFreeFn(phys)
		return 0, err
	}

	// Re-tag the image frames with their owning domain now that it
	// exists.
	reserveFn(phys, imageSize, mm.FrameApplication, uint64(domain))

	if err = createTablesFn(domain, vmm.DomainApp); err != nil {
		deleteDomainFn(domain)
		pmmFreeFn(phys)
		return 0, err
	}

	memCap, err := capCreateFn(capability.KindMemory, capability.PermRead|capability.PermWrite, uint64(mgr.nextPID), phys, imageSize, domain)
	if err != nil {
		destroyTablesFn(domain)
		deleteDomainFn(domain)
		pmmFreeFn(phys)
		return 0, err
	}

	p := Process{
		pid:       mgr.nextPID,
		parent:    parent,
		state:     ProcNew,
		domain:    domain,
		memCap:    memCap,
		physBase:  phys,
		entry:     vmm.UserBase,
		codeBase:  vmm.UserBase,
		codeSize:  segmentSize,
		dataBase:  vmm.UserBase + segmentSize,
		dataSize:  segmentSize,
		stackBase: vmm.UserBase + 2*segmentSize,
		stackSize: segmentSize,
		heapBase:  vmm.UserBase + 3*segmentSize,
		heapSize:  segmentSize,
		path:      path,
		argv:      append([]string(nil), argv...),
	}

	if err = vmmMapFn(domain, p.codeBase, phys, p.codeSize, vmm.MapCode, memCap); err == nil {
		err = vmmMapFn(domain, p.dataBase, phys+uintptr(p.codeSize), p.dataSize, vmm.MapData, memCap)
	}
	if err == nil {
		err = vmmMapFn(domain, p.stackBase, phys+uintptr(p.codeSize+p.dataSize), p.stackSize, vmm.MapData, memCap)
	}
	if err == nil {
		err = vmmMapFn(domain, p.heapBase, phys+uintptr(p.codeSize+p.dataSize+p.stackSize), p.heapSize, vmm.MapData, memCap)
	}
	if err != nil {
		destroyTablesFn(domain)
		deleteDomainFn(domain)
		pmmFreeFn(phys)
		return 0, err
	}

	mgr.nextPID++
	*slot = p
	mgr.count++

	return p.pid, nil
}

// Start creates the process thread at its entry point and moves the process
// to ready.
func Start(pid PID) *kernel.Error {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	p := byPID(pid)
	if p == nil {
		return ErrUnknownProcess
	}
	if p.state != ProcNew {
		return ErrNotNew
	}

	proc := p
	thread, err := createThreadFn(p.domain, func(uintptr) { enterProcessFn(proc) }, 0, sched.PriorityNormal)
	if err != nil {
		return err
	}

	p.thread = thread
	p.state = ProcReady
	p.startedAt = sched.Clock()
	return nil
}

// releaseLocked frees everything a process owns. Lock must be held.
func releaseLocked(p *Process) {
	if p.thread != 0 {
		killThreadFn(p.thread)
		p.thread = 0
	}
	destroyTablesFn(p.domain)
	deleteDomainFn(p.domain)
	pmmFreeFn(p.physBase)
}

// Exit terminates the calling process: the record is marked terminated, its
// resources are released and the CPU is yielded. Cancellation never lands
// mid-syscall; Exit is itself the final syscall of the process.
func Exit(pid PID, code int32) *kernel.Error {
	mgr.lock.Acquire()

	p := byPID(pid)
	if p == nil {
		mgr.lock.Release()
		return ErrUnknownProcess
	}

	p.state = ProcTerminated
	p.exitCode = code
	releaseLocked(p)
	mgr.lock.Release()

	yieldFn()
	return nil
}

// Fork is reserved in the interface; the core does not implement it.
func Fork(pid PID) (PID, *kernel.Error) {
	return 0, ErrNotImplemented
}

// Exec is reserved in the interface; the core does not implement it.
func Exec(pid PID, path string, argv []string) *kernel.Error {
	return ErrNotImplemented
}

// Wait is reserved in the interface; the core does not implement it.
func Wait(pid PID, child PID) (int32, *kernel.Error) {
	return 0, ErrNotImplemented
}

// CurrentPID resolves the process owning the currently running thread, or
// zero when the CPU is running kernel or service code.
func CurrentPID() PID {
	thread := currentThreadFn()

	mgr.lock.Acquire()
	defer mgr.lock.Release()

	for i := range mgr.procs {
		if mgr.procs[i].pid != 0 && mgr.procs[i].thread == thread {
			return mgr.procs[i].pid
		}
	}
	return 0
}

// StateOf reports a process's lifecycle state.
func StateOf(pid PID) (State, *kernel.Error) {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	p := byPID(pid)
	if p == nil {
		return 0, ErrUnknownProcess
	}
	return p.state, nil
}

// DomainOf reports the domain backing a process.
func DomainOf(pid PID) (capability.DomainID, *kernel.Error) {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	p := byPID(pid)
	if p == nil {
		return 0, ErrUnknownProcess
	}
	return p.domain, nil
}

// ExitCode reports the exit code of a terminated process.
func ExitCode(pid PID) (int32, *kernel.Error) {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	p := byPID(pid)
	if p == nil {
		return 0, ErrUnknownProcess
	}
	return p.exitCode, nil
}
