package mm

import "testing"

func TestFramePageConversions(t *testing.T) {
	specs := []struct {
		addr     uintptr
		expIndex uintptr
	}{
		{0, 0},
		{4095, 0},
		{4096, 1},
		{0x100000, 0x100},
		{0x100fff, 0x100},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.addr); got != Frame(spec.expIndex) {
			t.Errorf("[spec %d] FrameFromAddress(%x): expected %d; got %d", specIndex, spec.addr, spec.expIndex, got)
		}
		if got := PageFromAddress(spec.addr); got != Page(spec.expIndex) {
			t.Errorf("[spec %d] PageFromAddress(%x): expected %d; got %d", specIndex, spec.addr, spec.expIndex, got)
		}
	}

	if got := Frame(3).Address(); got != 3*PageSize {
		t.Errorf("expected frame 3 at %x; got %x", 3*PageSize, got)
	}
	if got := Page(3).Address(); got != 3*PageSize {
		t.Errorf("expected page 3 at %x; got %x", 3*PageSize, got)
	}
}

func TestFrameClass(t *testing.T) {
	specs := []struct {
		class     FrameClass
		name      string
		allocated bool
	}{
		{FrameReserved, "reserved", false},
		{FrameAvailable, "available", false},
		{FrameKernel, "kernel", true},
		{FrameService, "service", true},
		{FrameApplication, "application", true},
		{FrameDevice, "device", true},
		{FrameCustom, "custom", true},
		{FrameClass(200), "unknown", true},
	}

	for specIndex, spec := range specs {
		if got := spec.class.String(); got != spec.name {
			t.Errorf("[spec %d] expected name %q; got %q", specIndex, spec.name, got)
		}
		if got := spec.class.Allocated(); got != spec.allocated {
			t.Errorf("[spec %d] expected allocated=%t; got %t", specIndex, spec.allocated, got)
		}
	}
}
