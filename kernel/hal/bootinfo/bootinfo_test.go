package bootinfo

import (
	"testing"
	"unsafe"
)

const recordSize = offModuleCount + 4

type recordBuilder struct {
	data []byte
}

func newRecord() *recordBuilder {
	return &recordBuilder{data: make([]byte, recordSize)}
}

func (b *recordBuilder) putU32(off int, v uint32) *recordBuilder {
	b.data[off] = byte(v)
	b.data[off+1] = byte(v >> 8)
	b.data[off+2] = byte(v >> 16)
	b.data[off+3] = byte(v >> 24)
	return b
}

func (b *recordBuilder) putU64(off int, v uint64) *recordBuilder {
	b.putU32(off, uint32(v))
	b.putU32(off+4, uint32(v>>32))
	return b
}

func (b *recordBuilder) putString(off int, s string) *recordBuilder {
	copy(b.data[off:], s)
	return b
}

func buildMemMap(entries []MemoryMapEntry) []byte {
	const stride = 24
	out := make([]byte, len(entries)*stride)
	for i, e := range entries {
		base := i * stride
		rb := &recordBuilder{data: out}
		rb.putU64(base, e.Base)
		rb.putU64(base+8, e.Length)
		rb.putU32(base+16, uint32(e.Type))
		rb.putU32(base+20, e.Attributes)
	}
	return out
}

func TestGetValidatesRecord(t *testing.T) {
	defer SetInfoPtr(0)

	SetInfoPtr(0)
	if _, err := Get(); err != ErrNotSet {
		t.Fatalf("expected ErrNotSet; got %v", err)
	}

	rb := newRecord().putU32(offMagic, 0xdeadbeef).putU32(offVersion, Version)
	SetInfoPtr(uintptr(unsafe.Pointer(&rb.data[0])))
	if _, err := Get(); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic; got %v", err)
	}

	rb = newRecord().putU32(offMagic, Magic).putU32(offVersion, 99)
	SetInfoPtr(uintptr(unsafe.Pointer(&rb.data[0])))
	if _, err := Get(); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion; got %v", err)
	}
}

func TestGetDecodesFields(t *testing.T) {
	defer SetInfoPtr(0)

	rb := newRecord().
		putU32(offMagic, Magic).
		putU32(offVersion, Version).
		putU64(offFlags, FlagSerial|FlagDebug).
		putU64(offRSDP, 0xfee0_0000).
		putU64(offKernelBase, 0x10_0000).
		putU64(offKernelSize, 0x8_0000).
		putU64(offEntryPoint, 0x10_1000).
		putString(offCmdline, "console=ttyS0,115200\x00garbage").
		putU64(offModules, 0x20_0000).
		putU32(offModuleCount, 2)

	SetInfoPtr(uintptr(unsafe.Pointer(&rb.data[0])))
	info, err := Get()
	if err != nil {
		t.Fatal(err)
	}

	if !info.HasFlag(FlagSerial) || !info.HasFlag(FlagDebug) || info.HasFlag(FlagSecure) {
		t.Fatalf("unexpected flags %x", info.Flags)
	}
	if info.RSDP != 0xfee0_0000 || info.KernelBase != 0x10_0000 || info.KernelSize != 0x8_0000 || info.EntryPoint != 0x10_1000 {
		t.Fatalf("unexpected kernel fields %+v", info)
	}
	if info.Modules != 0x20_0000 || info.ModuleCount != 2 {
		t.Fatalf("unexpected module fields %+v", info)
	}
	if got := info.Cmdline(); got != "console=ttyS0,115200" {
		t.Fatalf("expected cmdline cut at NUL; got %q", got)
	}
}

func TestVisitMemRegions(t *testing.T) {
	defer SetInfoPtr(0)

	mmap := buildMemMap([]MemoryMapEntry{
		{Base: 0, Length: 0x9F000, Type: MemUsable},
		{Base: 0x9F000, Length: 0x1000, Type: MemReserved},
		{Base: 0x100000, Length: 0xF00000, Type: MemUsable},
		{Base: 0x1000000, Length: 0x1000, Type: EntryType(42)}, // unknown type
	})

	rb := newRecord().
		putU32(offMagic, Magic).
		putU32(offVersion, Version).
		putU64(offMemMapBase, uint64(uintptr(unsafe.Pointer(&mmap[0])))).
		putU64(offMemMapSize, uint64(len(mmap))).
		putU64(offMemMapDesc, 24).
		putU32(offMemMapCount, 4)

	SetInfoPtr(uintptr(unsafe.Pointer(&rb.data[0])))
	info, err := Get()
	if err != nil {
		t.Fatal(err)
	}

	var got []MemoryMapEntry
	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		got = append(got, *entry)
		return true
	})

	if len(got) != 4 {
		t.Fatalf("expected 4 regions; got %d", len(got))
	}
	if got[0].Type != MemUsable || got[0].Length != 0x9F000 {
		t.Fatalf("unexpected first region %+v", got[0])
	}
	if got[3].Type != MemReserved {
		t.Fatalf("expected unknown type presented as reserved; got %+v", got[3])
	}

	// Early abort stops the walk.
	count := 0
	info.VisitMemRegions(func(*MemoryMapEntry) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Fatalf("expected visitor abort after 2 entries; got %d", count)
	}
}
