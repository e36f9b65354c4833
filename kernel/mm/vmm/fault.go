package vmm

import (
	"golang.org/x/arch/x86/x86asm"

	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/cpu"
	"hikos/kernel/gate"
	"hikos/kernel/kfmt"
)

var (
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable memory access violation"}

	// readCR2Fn is used by tests to substitute the faulting address.
	readCR2Fn = func() uint64 { return cpu.ReadCR2() }

	// serviceFaultFn is installed by the service manager; it receives
	// faults raised inside service or application domains and reports
	// whether the fault was absorbed (e.g. by scheduling a restart).
	serviceFaultFn func(domain capability.DomainID, errorCode uint64) bool
)

// SetServiceFaultHandler installs the handler that absorbs faults raised in
// non-kernel domains.
func SetServiceFaultHandler(fn func(domain capability.DomainID, errorCode uint64) bool) {
	serviceFaultFn = fn
}

// HandlePageFault is invoked by the interrupt plumbing when a page-table
// walk faults. A violation inside the kernel domain is a kernel bug and
// panics; in a service or application domain the fault is fatal to the
// offending thread and is handed to the service manager, which may restart
// the domain. instr optionally carries the instruction bytes at the faulting
// RIP for the diagnostic dump.
func HandlePageFault(domain capability.DomainID, errorCode uint64, regs *gate.Registers, instr []byte) {
	faultAddr := uintptr(readCR2Fn())

	kfmt.Printf("\nPage fault in domain %d while accessing address: 0x%16x\nReason: ", uint64(domain), faultAddr)
	switch errorCode {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}
	kfmt.Printf("\n")

	dumpFaultContext(regs, instr)
	routeFault(domain, errorCode)
}

// HandleGeneralProtectionFault mirrors HandlePageFault for protection
// violations that are not page-table walks: segment errors, privileged
// instructions outside ring-0, reserved register access.
func HandleGeneralProtectionFault(domain capability.DomainID, errorCode uint64, regs *gate.Registers, instr []byte) {
	kfmt.Printf("\nGeneral protection fault in domain %d while accessing address: 0x%x\n", uint64(domain), readCR2Fn())
	dumpFaultContext(regs, instr)
	routeFault(domain, errorCode)
}

// dumpFaultContext prints the register snapshot and, when the instruction
// bytes at the faulting RIP are available, their decoded form.
func dumpFaultContext(regs *gate.Registers, instr []byte) {
	if regs != nil {
		kfmt.Printf("\nRegisters:\n")
		regs.DumpTo(kfmt.GetOutputSink())
	}

	if len(instr) == 0 {
		return
	}
	inst, err := x86asm.Decode(instr, 64)
	if err != nil {
		kfmt.Printf("Faulting instruction: (undecodable)\n")
		return
	}
	kfmt.Printf("Faulting instruction: %s\n", inst.String())
}

// routeFault applies the fault policy: kernel-domain violations panic,
// everything else goes to the service manager.
func routeFault(domain capability.DomainID, errorCode uint64) {
	flags, err := DomainFlags(domain)
	if err == nil && flags == DomainKernel {
		kernel.Panic(errUnrecoverableFault)
	}

	if serviceFaultFn != nil && serviceFaultFn(domain, errorCode) {
		return
	}
	kfmt.Printf("[vmm] fault in domain %d dropped (no fault handler)\n", uint64(domain))
}
