package irq

import (
	"testing"

	"hikos/kernel"
	"hikos/kernel/capability"
)

func irqSetup(t *testing.T) {
	t.Helper()

	origCheck, origDeliver := capCheckFn, deliverFn
	t.Cleanup(func() {
		capCheckFn, deliverFn = origCheck, origDeliver
	})

	Init()
}

func TestInitSeedsTable(t *testing.T) {
	irqSetup(t)

	calls := 0
	capCheckFn = func(capability.DomainID, capability.Handle, capability.Perm) *kernel.Error {
		calls++
		return nil
	}

	// Exception and legacy IRQ vectors are enabled in-kernel routes and
	// dispatch without consulting capabilities.
	for _, v := range []uint16{0, 13, 14, 32, 47} {
		Dispatch(v, 0)
	}
	if calls != 0 {
		t.Fatalf("expected in-kernel dispatch without capability checks; got %d", calls)
	}

	// High vectors start masked and must not dispatch.
	handled := false
	RouteKernel(200, func(uint8, uint64) { handled = true })
	Dispatch(200, 0)
	if handled {
		t.Fatal("expected masked vector to drop the event")
	}
	if _, spurious := Stats(); spurious == 0 {
		t.Fatal("expected masked dispatch to count as spurious")
	}
}

func TestRouteEnableDisable(t *testing.T) {
	irqSetup(t)

	var gotVector uint8
	var gotCode uint64
	RouteKernel(100, func(v uint8, code uint64) { gotVector, gotCode = v, code })

	Enable(100)
	Dispatch(100, 0xdead)
	if gotVector != 100 || gotCode != 0xdead {
		t.Fatalf("expected handler invoked with (100, dead); got (%d, %x)", gotVector, gotCode)
	}

	gotVector = 0
	Disable(100)
	Dispatch(100, 1)
	if gotVector != 0 {
		t.Fatal("expected disabled vector to drop the event")
	}
}

func TestServiceDispatchIsCapabilityGated(t *testing.T) {
	irqSetup(t)

	const (
		dom = capability.DomainID(3)
		h   = capability.Handle(9)
	)

	allowed := false
	capCheckFn = func(gotDom capability.DomainID, gotH capability.Handle, required capability.Perm) *kernel.Error {
		if gotDom != dom || gotH != h || required != capability.PermRead {
			t.Fatalf("unexpected check (%d, %d, %x)", gotDom, gotH, required)
		}
		if !allowed {
			return capability.ErrNoHandle
		}
		return nil
	}

	delivered := 0
	deliverFn = func(entry uintptr, domain capability.DomainID, vector uint8, errorCode uint64) {
		delivered++
		if entry != 0x5000 || domain != dom || vector != 60 {
			t.Fatalf("unexpected delivery (%x, %d, %d)", entry, domain, vector)
		}
	}

	if err := Route(60, 0x5000, HandlerService, h, dom); err != nil {
		t.Fatal(err)
	}
	Enable(60)

	// Failed check: the event is dropped, not delivered.
	Dispatch(60, 0)
	if delivered != 0 {
		t.Fatal("expected capability failure to drop the event")
	}
	if dropped, _ := Stats(); dropped != 1 {
		t.Fatalf("expected one dropped event; got %d", dropped)
	}

	allowed = true
	Dispatch(60, 0)
	if delivered != 1 {
		t.Fatalf("expected delivery after capability success; got %d", delivered)
	}
}

func TestRouteRejectsKernelKind(t *testing.T) {
	irqSetup(t)

	if err := Route(60, 0x5000, HandlerKernel, 0, 0); err != ErrBadVector {
		t.Fatalf("expected kernel routes to go through RouteKernel; got %v", err)
	}
}

func TestNestedDispatchDeferred(t *testing.T) {
	irqSetup(t)

	var order []uint8
	RouteKernel(100, func(v uint8, _ uint64) {
		order = append(order, v)
		// Simulate an interrupt arriving while this one is handled.
		Dispatch(101, 0)
		order = append(order, 255) // handler for 100 finished
	})
	RouteKernel(101, func(v uint8, _ uint64) { order = append(order, v) })
	Enable(100)
	Enable(101)

	Dispatch(100, 0)

	if len(order) != 3 || order[0] != 100 || order[1] != 255 || order[2] != 101 {
		t.Fatalf("expected nested interrupt deferred until return; got %v", order)
	}
}

func TestDispatchBadVector(t *testing.T) {
	irqSetup(t)
	Dispatch(256, 0)
	Dispatch(1000, 0)
}
