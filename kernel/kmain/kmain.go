// Package kmain sequences kernel initialization: boot-info ingestion,
// subsystem bring-up in dependency order, Core-1 service construction and
// the syscall entry glue.
package kmain

import (
	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/cpu"
	"hikos/kernel/gate"
	"hikos/kernel/hal/bootinfo"
	"hikos/kernel/ipc"
	"hikos/kernel/irq"
	"hikos/kernel/kfmt"
	"hikos/kernel/kimage"
	"hikos/kernel/mm"
	"hikos/kernel/mm/pmm"
	"hikos/kernel/mm/vmm"
	"hikos/kernel/process"
	"hikos/kernel/sched"
	"hikos/kernel/service"
)

// timerVector is the legacy PIT vector driving the scheduler quantum
// (1 ms tick).
const timerVector = 32

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// kernelDomain is the domain id owning Core-0 itself.
	kernelDomain capability.DomainID

	// kernelMemCap governs the kernel image mapping.
	kernelMemCap capability.Handle
)

// KernelDomain returns the domain id Core-0 runs in.
func KernelDomain() capability.DomainID { return kernelDomain }

// Kmain is invoked by the platform entry code with the physical address of
// the boot-info record left by the bootloader. It brings the kernel up in
// leaves-first order and never returns.
func Kmain(bootInfoPtr uintptr) {
	bootinfo.SetInfoPtr(bootInfoPtr)

	info, err := bootinfo.Get()
	if err != nil {
		panic(err)
	}

	kfmt.Printf("hikos core-0 starting\n")
	if info.HasFlag(bootinfo.FlagDebug) {
		kfmt.Printf("[kmain] cmdline: %s\n", info.Cmdline())
	}

	if err = initMemory(info); err != nil {
		panic(err)
	}
	if err = initKernelDomain(info); err != nil {
		panic(err)
	}
	if err = initKernelMappings(info); err != nil {
		panic(err)
	}

	irq.Init()
	irq.RouteKernel(timerVector, timerTick)
	irq.Enable(timerVector)

	if err = sched.Init(); err != nil {
		panic(err)
	}
	ipc.Init()
	gate.Init()
	service.Init()
	process.Init()

	startCore1Services()

	pmm.PrintStats()
	kfmt.Printf("[kmain] system ready\n")

	cpu.EnableInterrupts()
	mainLoop()

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// mainLoop parks the boot CPU; all further work happens in threads and
// interrupt handlers.
func mainLoop() {
	for {
		cpu.Halt()
	}
}

// initMemory sizes the PMM from the firmware memory map and releases the
// usable regions. Everything not explicitly usable stays reserved, frame 0
// included.
func initMemory(info *bootinfo.Info) *kernel.Error {
	var totalBytes uint64
	info.VisitMemRegions(func(entry *bootinfo.MemoryMapEntry) bool {
		if end := entry.Base + entry.Length; end > totalBytes {
			totalBytes = end
		}
		return true
	})

	if err := pmm.Init(totalBytes); err != nil {
		return err
	}

	var err *kernel.Error
	info.VisitMemRegions(func(entry *bootinfo.MemoryMapEntry) bool {
		if info.HasFlag(bootinfo.FlagDebug) {
			kfmt.Printf("[pmm] region 0x%16x - 0x%16x (%s)\n", entry.Base, entry.Base+entry.Length, entry.Type.String())
		}
		if entry.Type != bootinfo.MemUsable {
			return true
		}
		err = pmm.Reserve(uintptr(entry.Base), entry.Length, mm.FrameAvailable, 0)
		return err == nil
	})
	if err != nil {
		return err
	}

	// Frame 0 stays off-limits so a zero address can always signal
	// allocation failure.
	return pmm.Reserve(0, uint64(mm.PageSize), mm.FrameReserved, 0)
}

// initKernelDomain creates the kernel's own domain and the capability that
// covers the loaded image.
func initKernelDomain(info *bootinfo.Info) *kernel.Error {
	capability.Init()

	var err *kernel.Error
	kernelDomain, err = capability.CreateDomain(uintptr(info.KernelBase), info.KernelSize)
	if err != nil {
		return err
	}
	capability.SetState(kernelDomain, capability.DomainRunning)

	if err = pmm.Reserve(uintptr(info.KernelBase), info.KernelSize, mm.FrameKernel, uint64(kernelDomain)); err != nil {
		return err
	}

	kernelMemCap, err = capability.Create(
		capability.KindMemory,
		capability.PermRead|capability.PermWrite|capability.PermExecute,
		0, uintptr(info.KernelBase), info.KernelSize, kernelDomain,
	)
	return err
}

// initKernelMappings parses the kernel's own image header and rebuilds the
// higher-half mappings for its code and data sections.
func initKernelMappings(info *bootinfo.Info) *kernel.Error {
	vmm.Init()

	hdr, err := kimage.HeaderAt(uintptr(info.KernelBase))
	if err != nil {
		return err
	}
	if err = hdr.Validate(info.KernelSize); err != nil {
		return err
	}
	if hdr.Signed() && !info.HasFlag(bootinfo.FlagSecure) {
		kfmt.Printf("[kmain] warning: signed image booted without secure flag\n")
	}

	if err = vmm.CreatePageTables(kernelDomain, vmm.DomainKernel); err != nil {
		return err
	}

	codeBase := uintptr(info.KernelBase + hdr.CodeOffset)
	dataBase := uintptr(info.KernelBase + hdr.DataOffset)

	if err = vmm.Map(kernelDomain, vmm.KernelCodeBase+uintptr(hdr.CodeOffset), codeBase, pageAlign(hdr.CodeSize), vmm.MapCode, kernelMemCap); err != nil {
		return err
	}
	if err = vmm.Map(kernelDomain, vmm.KernelCodeBase+uintptr(hdr.DataOffset), dataBase, pageAlign(hdr.DataSize), vmm.MapData, kernelMemCap); err != nil {
		return err
	}

	return vmm.Activate(kernelDomain)
}

func pageAlign(n uint64) uint64 {
	return (n + uint64(mm.PageSize) - 1) &^ uint64(mm.PageSize-1)
}

// timerTick drives preemption from the PIT interrupt.
func timerTick(_ uint8, _ uint64) {
	sched.Tick()
}

// core1Image describes a service image loaded by the bootloader at a known
// physical base; the concrete services are opaque to Core-0.
type core1Image struct {
	name     string
	entry    uintptr
	codeBase uintptr
	codeSize uint64
	dataBase uintptr
	dataSize uint64
}

var core1Images = []core1Image{
	{name: "monitor", entry: 0x100000, codeBase: 0x100000, codeSize: 0x1000, dataBase: 0x101000, dataSize: 0x1000},
	{name: "console", entry: 0x102000, codeBase: 0x102000, codeSize: 0x1000, dataBase: 0x103000, dataSize: 0x1000},
}

// startCore1Services constructs and starts the privileged service layer.
// Failures are logged, not fatal: the kernel can run degraded without a
// console.
func startCore1Services() {
	for _, img := range core1Images {
		id, err := service.Create(img.name, img.entry, img.codeBase, img.codeSize, img.dataBase, img.dataSize)
		if err != nil {
			kfmt.Printf("[kmain] cannot create %s service: %s\n", img.name, err.Message)
			continue
		}
		if err = service.Start(id); err != nil {
			kfmt.Printf("[kmain] cannot start %s service: %s\n", img.name, err.Message)
			continue
		}
		kfmt.Printf("[kmain] %s service started (id %d)\n", img.name, id)
	}
}

// Syscall is the kernel-side syscall entry invoked by the platform stub.
// The number arrives in the syscall register with up to five arguments; the
// result travels back the same way, negative values carrying error codes.
func Syscall(num, a1, a2, a3, a4, a5 uint64) int64 {
	pid := process.CurrentPID()
	if pid == 0 {
		return -1
	}
	return process.Dispatch(pid, num, a1, a2, a3, a4, a5)
}
