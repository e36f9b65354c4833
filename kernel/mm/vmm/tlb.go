package vmm

import "hikos/kernel/cpu"

// Test seams for the CPU TLB primitives; inlined by the compiler in kernel
// builds.
var (
	flushTLBEntryFn = func(virtAddr uintptr) { cpu.FlushTLBEntry(virtAddr) }
	switchPDTFn     = func(root uintptr) { cpu.SwitchPDT(root) }
)

// FlushAll reloads CR3 with the active root, discarding every non-global
// TLB entry. Single-processor design: there is no shootdown to coordinate.
func FlushAll() {
	switchPDTFn(cpu.ActivePDT())
}
