package process

import (
	"hikos/kernel/capability"
	"hikos/kernel/ipc"
	"hikos/kernel/mm"
	"hikos/kernel/mm/vmm"
	"hikos/kernel/sched"
)

// System-call numbers. The number travels in the syscall register; up to
// five integer/pointer arguments follow, and the result returns in the same
// register with negative values indicating errors.
const (
	SysExit uint64 = iota
	SysRead
	SysWrite
	SysOpen
	SysClose
	SysIoctl
	SysMmap
	SysMunmap
	SysIPCCall
	SysIPCRegister
	SysIPCWait
	SysGetpid
	SysGetppid
	SysSleep
	SysYield
	SysGettime
)

// Negative syscall results.
const (
	retOK          int64 = 0
	errNoSys       int64 = -1
	errDenied      int64 = -2
	errNoEndpoint  int64 = -3
	errInval       int64 = -4
	errNoMem       int64 = -5
	errTimeout     int64 = -6
	errBadProcess  int64 = -7
	errAccessFault int64 = -8
)

// consoleEndpoint is the well-known endpoint the console service registers;
// read/write/open/close/ioctl delegate to it.
const consoleEndpoint = "console"

// syscallHandler executes one syscall for p. Handlers run with p's domain in
// scope; every memory or IPC argument is checked against p's capability set
// and page tables before it is acted on.
type syscallHandler func(p *Process, a1, a2, a3, a4, a5 uint64) int64

// syscallTable is indexed by syscall number.
var syscallTable = [...]syscallHandler{
	SysExit:        sysExit,
	SysRead:        sysRead,
	SysWrite:       sysWrite,
	SysOpen:        sysConsoleControl,
	SysClose:       sysConsoleControl,
	SysIoctl:       sysConsoleControl,
	SysMmap:        sysMmap,
	SysMunmap:      sysMunmap,
	SysIPCCall:     sysIPCCall,
	SysIPCRegister: sysIPCRegister,
	SysIPCWait:     sysIPCWait,
	SysGetpid:      sysGetpid,
	SysGetppid:     sysGetppid,
	SysSleep:       sysSleep,
	SysYield:       sysYield,
	SysGettime:     sysGettime,
}

// Syscall seams for tests.
var (
	verifyAccessFn = vmm.VerifyAccess
	translateFn    = vmm.Translate
	capCheckFn     = capability.Check
	capLookupFn    = capability.Lookup
	ipcFindFn      = ipc.Find
	ipcCallFn      = ipc.Call
	ipcRegisterFn  = ipc.Register
	ipcWaitFn      = ipc.Wait
	sleepFn        = sched.Sleep
	clockFn        = sched.Clock
)

// Dispatch executes the syscall identified by num on behalf of pid. Unknown
// numbers and unknown callers fail with a negative result rather than a
// fault; the caller's capability set is in scope for every handler.
func Dispatch(pid PID, num, a1, a2, a3, a4, a5 uint64) int64 {
	if num >= uint64(len(syscallTable)) {
		return errNoSys
	}

	mgr.lock.Acquire()
	p := byPID(pid)
	mgr.lock.Release()
	if p == nil {
		return errBadProcess
	}

	return syscallTable[num](p, a1, a2, a3, a4, a5)
}

func sysExit(p *Process, a1, _, _, _, _ uint64) int64 {
	Exit(p.pid, int32(a1))
	return retOK
}

// sysRead and sysWrite validate the user buffer against the process's page
// tables and delegate the transfer to the console service endpoint.
func sysRead(p *Process, fd, buf, count, _, _ uint64) int64 {
	return consoleTransfer(p, ipc.MsgRequest, uint32(SysRead), buf, count, vmm.AccessUser|vmm.AccessWrite)
}

func sysWrite(p *Process, fd, buf, count, _, _ uint64) int64 {
	return consoleTransfer(p, ipc.MsgRequest, uint32(SysWrite), buf, count, vmm.AccessUser|vmm.AccessRead)
}

func consoleTransfer(p *Process, msgType ipc.MsgType, op uint32, buf, count uint64, access vmm.Access) int64 {
	if count == 0 {
		return 0
	}
	if err := verifyAccessFn(p.domain, uintptr(buf), count, access); err != nil {
		return errAccessFault
	}

	ep, err := ipcFindFn(consoleEndpoint)
	if err != nil {
		return errNoEndpoint
	}
	if _, err = ipcCallFn(uint32(p.pid), ep, msgType, op, nil); err != nil {
		return errNoEndpoint
	}
	return int64(count)
}

// sysConsoleControl backs open, close and ioctl: a control notification to
// the console service.
func sysConsoleControl(p *Process, a1, _, _, _, _ uint64) int64 {
	ep, err := ipcFindFn(consoleEndpoint)
	if err != nil {
		return errNoEndpoint
	}
	if _, err = ipcCallFn(uint32(p.pid), ep, ipc.MsgNotification, uint32(a1), nil); err != nil {
		return errNoEndpoint
	}
	return retOK
}

// sysMmap maps count bytes of fresh application memory at addr inside the
// caller's address space.
func sysMmap(p *Process, addr, length, _, _, _ uint64) int64 {
	if addr&uint64(mm.PageSize-1) != 0 || length == 0 {
		return errInval
	}
	length = (length + uint64(mm.PageSize) - 1) &^ uint64(mm.PageSize-1)
	if !vmm.IsUserAddress(uintptr(addr)) || !vmm.IsUserAddress(uintptr(addr+length-1)) {
		return errInval
	}

	phys := pmmAllocFn(length, uint64(mm.PageSize), mm.FrameApplication, uint64(p.domain))
	if phys == 0 {
		return errNoMem
	}

	h, err := capCreateFn(capability.KindMemory, capability.PermRead|capability.PermWrite, uint64(p.pid), phys, length, p.domain)
	if err != nil {
		pmmFreeFn(phys)
		return errNoMem
	}

	if err := vmmMapFn(p.domain, uintptr(addr), phys, length, vmm.MapData, h); err != nil {
		pmmFreeFn(phys)
		return errInval
	}
	return int64(addr)
}

// sysMunmap removes a mapping installed by mmap and releases its frames.
func sysMunmap(p *Process, addr, length uint64, _, _, _ uint64) int64 {
	if addr&uint64(mm.PageSize-1) != 0 || length == 0 {
		return errInval
	}
	length = (length + uint64(mm.PageSize) - 1) &^ uint64(mm.PageSize-1)

	phys, err := translateFn(p.domain, uintptr(addr))
	if err != nil {
		return errInval
	}
	if err := vmmUnmapFn(p.domain, uintptr(addr), length); err != nil {
		return errInval
	}
	pmmFreeFn(phys)
	return retOK
}

// sysIPCCall delivers a request to an endpoint. The caller presents the
// capability handle naming the target endpoint; the capability is consulted
// before the message is delivered.
func sysIPCCall(p *Process, endpointID, capHandle, flags, _, _ uint64) int64 {
	h := capability.Handle(capHandle)
	if err := capCheckFn(p.domain, h, capability.PermWrite); err != nil {
		return errDenied
	}
	info, err := capLookupFn(h)
	if err != nil || info.Kind != capability.KindIPCEndpoint || info.ResourceID != endpointID {
		return errDenied
	}

	if _, cerr := ipcCallFn(uint32(p.pid), endpointID, ipc.MsgRequest, uint32(flags), nil); cerr != nil {
		return errNoEndpoint
	}
	return retOK
}

// sysIPCRegister registers an endpoint named after the process image.
func sysIPCRegister(p *Process, kind, _, _, _, _ uint64) int64 {
	id, err := ipcRegisterFn(uint32(p.pid), p.path, ipc.EndpointKind(kind), nil)
	if err != nil {
		return errInval
	}
	return int64(id)
}

// sysIPCWait blocks on an endpoint owned by the process.
func sysIPCWait(p *Process, endpointID, timeoutMs, _, _, _ uint64) int64 {
	msg, err := ipcWaitFn(uint32(p.pid), endpointID, timeoutMs)
	if err == ipc.ErrTimeout {
		return errTimeout
	}
	if err != nil {
		return errInval
	}
	return int64(msg.Header.DataSize)
}

func sysGetpid(p *Process, _, _, _, _, _ uint64) int64 {
	return int64(p.pid)
}

func sysGetppid(p *Process, _, _, _, _, _ uint64) int64 {
	return int64(p.parent)
}

func sysSleep(p *Process, ms, _, _, _, _ uint64) int64 {
	sleepFn(ms)
	return retOK
}

func sysYield(p *Process, _, _, _, _, _ uint64) int64 {
	yieldFn()
	return retOK
}

func sysGettime(p *Process, _, _, _, _, _ uint64) int64 {
	return int64(clockFn())
}
