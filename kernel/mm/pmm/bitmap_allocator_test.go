package pmm

import (
	"testing"

	"hikos/kernel/mm"
)

func TestFrameLifecycle(t *testing.T) {
	// 16 KiB of physical memory: 4 frames, all reserved after Init.
	if err := Init(16 * 1024); err != nil {
		t.Fatal(err)
	}

	if total, available, allocated := Stats(); total != 4 || available != 0 || allocated != 0 {
		t.Fatalf("expected 4 reserved frames after init; got total=%d available=%d allocated=%d", total, available, allocated)
	}

	if err := Reserve(0, 16*1024, mm.FrameAvailable, 0); err != nil {
		t.Fatal(err)
	}
	if _, available, _ := Stats(); available != 4 {
		t.Fatalf("expected 4 available frames after release; got %d", available)
	}

	if addr := Alloc(4096, 4096, mm.FrameKernel, 7); addr != 0 {
		t.Fatalf("expected first allocation at address 0; got %x", addr)
	}
	if addr := Alloc(8192, 4096, mm.FrameService, 9); addr != 4096 {
		t.Fatalf("expected second allocation at address 4096; got %x", addr)
	}

	expectFrame := func(addr uintptr, class mm.FrameClass, owner uint64) {
		t.Helper()
		gotClass, gotOwner, ok := FrameAt(addr)
		if !ok || gotClass != class || gotOwner != owner {
			t.Fatalf("frame at %x: expected (%s, %d); got (%s, %d, %t)", addr, class.String(), owner, gotClass.String(), gotOwner, ok)
		}
	}
	expectFrame(0, mm.FrameKernel, 7)
	expectFrame(4096, mm.FrameService, 9)
	expectFrame(8192, mm.FrameService, 9)
	expectFrame(12288, mm.FrameAvailable, 0)

	if err := Free(0); err != nil {
		t.Fatal(err)
	}
	expectFrame(0, mm.FrameAvailable, 0)

	if addr := Alloc(4096, 4096, mm.FrameKernel, 7); addr != 0 {
		t.Fatalf("expected freed frame 0 to be reallocated; got %x", addr)
	}
}

func TestConservation(t *testing.T) {
	if err := Init(1 << 20); err != nil {
		t.Fatal(err)
	}
	if err := Reserve(0, 1<<20, mm.FrameAvailable, 0); err != nil {
		t.Fatal(err)
	}

	_, available, allocated := Stats()
	sum := available + allocated

	a := Alloc(12*1024, 4096, mm.FrameKernel, 1)
	b := Alloc(4096, 4096, mm.FrameApplication, 2)
	if a == 0 && b == 0 {
		t.Fatal("expected allocations to succeed")
	}
	if err := Free(a); err != nil {
		t.Fatal(err)
	}
	c := Alloc(8192, 8192, mm.FrameService, 3)
	_ = c

	if _, available, allocated = Stats(); available+allocated != sum {
		t.Fatalf("conservation violated: expected available+allocated=%d; got %d", sum, available+allocated)
	}
}

func TestAllocAlignment(t *testing.T) {
	if err := Init(1 << 20); err != nil {
		t.Fatal(err)
	}
	// Make frame 0 unusable so alignment is visible in the result.
	if err := Reserve(4096, (1<<20)-4096, mm.FrameAvailable, 0); err != nil {
		t.Fatal(err)
	}

	specs := []uint64{4096, 8192, 16384, 65536}
	for _, align := range specs {
		addr := Alloc(4096, align, mm.FrameKernel, 1)
		if addr == 0 {
			t.Fatalf("alloc with align %d failed", align)
		}
		if uint64(addr)%align != 0 {
			t.Errorf("expected address %x to be %d-aligned", addr, align)
		}
		if addr&(mm.PageSize-1) != 0 {
			t.Errorf("expected address %x to be page-aligned", addr)
		}
	}
}

func TestAlignmentRestartsScan(t *testing.T) {
	if err := Init(64 * 1024); err != nil {
		t.Fatal(err)
	}
	if err := Reserve(0, 64*1024, mm.FrameAvailable, 0); err != nil {
		t.Fatal(err)
	}
	// Poke a hole at frame 2 so the aligned run at frame 0 is too short;
	// the scan must restart at the next aligned candidate (frame 4).
	if err := Reserve(2*4096, 4096, mm.FrameKernel, 1); err != nil {
		t.Fatal(err)
	}

	addr := Alloc(3*4096, 4*4096, mm.FrameService, 2)
	if addr != 4*4096 {
		t.Fatalf("expected scan to restart at the next aligned frame (0x4000); got %x", addr)
	}
}

func TestFreeReleasesWholeRun(t *testing.T) {
	if err := Init(64 * 1024); err != nil {
		t.Fatal(err)
	}
	// Frame 0 stays reserved, as boot leaves it: address 0 is Alloc's
	// failure result.
	if err := Reserve(4096, 64*1024-4096, mm.FrameAvailable, 0); err != nil {
		t.Fatal(err)
	}

	addr := Alloc(3*4096, 4096, mm.FrameKernel, 1)
	if addr == 0 {
		t.Fatal("expected allocation to succeed")
	}

	if err := Free(addr + 4096); err != ErrNotRunBase {
		t.Fatalf("expected freeing mid-run to fail with ErrNotRunBase; got %v", err)
	}

	if err := Free(addr); err != nil {
		t.Fatal(err)
	}
	for off := uintptr(0); off < 3*4096; off += 4096 {
		class, owner, _ := FrameAt(addr + off)
		if class != mm.FrameAvailable || owner != 0 {
			t.Fatalf("expected frame at %x to be released; got (%s, %d)", addr+off, class.String(), owner)
		}
	}
}

func TestAllocFailures(t *testing.T) {
	if err := Init(16 * 1024); err != nil {
		t.Fatal(err)
	}
	if err := Reserve(0, 16*1024, mm.FrameAvailable, 0); err != nil {
		t.Fatal(err)
	}

	if addr := Alloc(32*1024, 4096, mm.FrameKernel, 1); addr != 0 {
		t.Fatalf("expected oversized allocation to fail; got %x", addr)
	}
	if addr := Alloc(0, 4096, mm.FrameKernel, 1); addr != 0 {
		t.Fatalf("expected zero-size allocation to fail; got %x", addr)
	}
	if addr := Alloc(4096, 4096, mm.FrameAvailable, 0); addr != 0 {
		t.Fatalf("expected allocation with non-owned class to fail; got %x", addr)
	}
}

func TestReserveBounds(t *testing.T) {
	if err := Init(16 * 1024); err != nil {
		t.Fatal(err)
	}

	if err := Reserve(8*1024, 16*1024, mm.FrameAvailable, 0); err != ErrOutOfRange {
		t.Fatalf("expected out-of-range reservation to fail; got %v", err)
	}
	if err := Reserve(0, 4096, mm.FrameReserved, 5); err != ErrBadClass {
		t.Fatalf("expected owned reserved class to fail; got %v", err)
	}
	if err := Free(1 << 30); err != ErrOutOfRange {
		t.Fatalf("expected out-of-range free to fail; got %v", err)
	}
}

func TestVisitRuns(t *testing.T) {
	if err := Init(64 * 1024); err != nil {
		t.Fatal(err)
	}
	if err := Reserve(0, 64*1024, mm.FrameAvailable, 0); err != nil {
		t.Fatal(err)
	}

	a := Alloc(4096, 4096, mm.FrameKernel, 1)
	b := Alloc(8192, 4096, mm.FrameService, 2)

	var got []uintptr
	VisitRuns(func(base uintptr, pages uint64) bool {
		got = append(got, base)
		return true
	})

	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("expected runs [%x %x]; got %v", a, b, got)
	}
}
