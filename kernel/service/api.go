package service

import (
	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/ipc"
	"hikos/kernel/kfmt"
	"hikos/kernel/mm"
	"hikos/kernel/mm/pmm"
	"hikos/kernel/mm/vmm"
	"hikos/kernel/sched"
)

// API is the kernel surface handed to a Core-1 service at startup. It is
// the only doorway a service has into kernel state; everything else is
// denied by the page-table enforcement of its domain. At this boundary the
// surface is dynamic dispatch — internal kernel callers never go through it.
type API interface {
	// Capability operations, scoped to the service's domain.
	CapGrant(h capability.Handle, target capability.DomainID) (capability.Handle, *kernel.Error)
	CapRevoke(h capability.Handle, domain capability.DomainID) *kernel.Error
	CapCheck(h capability.Handle, required capability.Perm) *kernel.Error

	// Thread operations.
	ThreadCreate(entry func(arg uintptr), arg uintptr, priority sched.Priority) (sched.ThreadID, *kernel.Error)
	ThreadExit()
	ThreadYield()
	ThreadSleep(ms uint64)

	// Memory operations, owner-tagged with the service's domain.
	MemAlloc(size, align uint64) uintptr
	MemFree(addr uintptr) *kernel.Error
	MemMap(virtAddr, physAddr uintptr, size uint64, mapType vmm.MapType, h capability.Handle) *kernel.Error
	MemUnmap(virtAddr uintptr, size uint64) *kernel.Error

	// IPC operations.
	IPCRegister(name string, kind ipc.EndpointKind, handler ipc.Handler) (uint64, *kernel.Error)
	IPCUnregister(name string) *kernel.Error
	IPCCall(endpointID uint64, msgType ipc.MsgType, flags uint32, data []byte) (uint32, *kernel.Error)
	IPCWait(endpointID uint64, timeoutMs uint64) (*ipc.Message, *kernel.Error)

	// Logging through the kernel sink, prefixed with the service name.
	Log(msg string)

	// Service lifecycle control for services holding management roles.
	ServiceStart(id uint64) *kernel.Error
	ServiceStop(id uint64) *kernel.Error
	ServiceRestart(id uint64) *kernel.Error
}

// kernelAPI implements API with direct calls into the subsystems, closed
// over the owning service record.
type kernelAPI struct {
	id     uint64
	name   string
	domain capability.DomainID
}

// APIFor returns the kernel API surface scoped to a service. It is handed
// to the service by the startup trampoline.
func APIFor(id uint64) (API, *kernel.Error) {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	s := byID(id)
	if s == nil {
		return nil, ErrUnknownService
	}
	return &kernelAPI{id: s.id, name: s.name, domain: s.domain}, nil
}

func (a *kernelAPI) CapGrant(h capability.Handle, target capability.DomainID) (capability.Handle, *kernel.Error) {
	// The granting service must itself hold the capability.
	if err := capability.Check(a.domain, h, capability.PermGrant); err != nil {
		return 0, err
	}
	return capability.Grant(h, target)
}

func (a *kernelAPI) CapRevoke(h capability.Handle, domain capability.DomainID) *kernel.Error {
	if err := capability.Check(a.domain, h, capability.PermRevoke); err != nil {
		return err
	}
	return capability.Revoke(h, domain)
}

func (a *kernelAPI) CapCheck(h capability.Handle, required capability.Perm) *kernel.Error {
	return capability.Check(a.domain, h, required)
}

func (a *kernelAPI) ThreadCreate(entry func(arg uintptr), arg uintptr, priority sched.Priority) (sched.ThreadID, *kernel.Error) {
	return sched.CreateThread(a.domain, entry, arg, priority)
}

func (a *kernelAPI) ThreadExit() {
	sched.TerminateThread(sched.CurrentThread())
	sched.Yield()
}

func (a *kernelAPI) ThreadYield() { sched.Yield() }

func (a *kernelAPI) ThreadSleep(ms uint64) { sched.Sleep(ms) }

func (a *kernelAPI) MemAlloc(size, align uint64) uintptr {
	return pmm.Alloc(size, align, mm.FrameService, uint64(a.domain))
}

func (a *kernelAPI) MemFree(addr uintptr) *kernel.Error {
	return pmm.Free(addr)
}

func (a *kernelAPI) MemMap(virtAddr, physAddr uintptr, size uint64, mapType vmm.MapType, h capability.Handle) *kernel.Error {
	return vmm.Map(a.domain, virtAddr, physAddr, size, mapType, h)
}

func (a *kernelAPI) MemUnmap(virtAddr uintptr, size uint64) *kernel.Error {
	return vmm.Unmap(a.domain, virtAddr, size)
}

func (a *kernelAPI) IPCRegister(name string, kind ipc.EndpointKind, handler ipc.Handler) (uint64, *kernel.Error) {
	return ipc.Register(uint32(a.id), name, kind, handler)
}

func (a *kernelAPI) IPCUnregister(name string) *kernel.Error {
	return ipc.Unregister(uint32(a.id), name)
}

func (a *kernelAPI) IPCCall(endpointID uint64, msgType ipc.MsgType, flags uint32, data []byte) (uint32, *kernel.Error) {
	return ipc.Call(uint32(a.id), endpointID, msgType, flags, data)
}

func (a *kernelAPI) IPCWait(endpointID uint64, timeoutMs uint64) (*ipc.Message, *kernel.Error) {
	return ipc.Wait(uint32(a.id), endpointID, timeoutMs)
}

func (a *kernelAPI) Log(msg string) {
	kfmt.Printf("[%s] %s\n", a.name, msg)
}

func (a *kernelAPI) ServiceStart(id uint64) *kernel.Error   { return Start(id) }
func (a *kernelAPI) ServiceStop(id uint64) *kernel.Error    { return Stop(id) }
func (a *kernelAPI) ServiceRestart(id uint64) *kernel.Error { return Restart(id) }
