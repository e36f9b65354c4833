package ipc

import (
	"bytes"
	"testing"

	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/sched"
)

func ipcSetup(t *testing.T) {
	t.Helper()

	origClock, origCurrent := clockFn, currentThreadFn
	origBlock, origSleep, origUnblock := blockFn, sleepFn, unblockFn
	t.Cleanup(func() {
		clockFn, currentThreadFn = origClock, origCurrent
		blockFn, sleepFn, unblockFn = origBlock, origSleep, origUnblock
	})

	clockFn = func() uint64 { return 1000 }
	currentThreadFn = func() sched.ThreadID { return 1 }
	blockFn = func() {}
	sleepFn = func(uint64) {}
	unblockFn = func(sched.ThreadID) *kernel.Error { return nil }

	Init()
}

func TestRegisterFindUnregister(t *testing.T) {
	ipcSetup(t)

	id, err := Register(1, "net", EndpointServer, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Find("net")
	if err != nil || got != id {
		t.Fatalf("expected to find endpoint %d; got (%d, %v)", id, got, err)
	}

	if _, err = Register(2, "net", EndpointServer, nil); err != ErrNameTaken {
		t.Fatalf("expected duplicate name to fail; got %v", err)
	}

	if err = Unregister(2, "net"); err != ErrNotOwner {
		t.Fatalf("expected foreign unregister to fail; got %v", err)
	}
	if err = Unregister(1, "net"); err != nil {
		t.Fatal(err)
	}
	if _, err = Find("net"); err != ErrUnknownEndpoint {
		t.Fatalf("expected endpoint gone; got %v", err)
	}
}

func TestEndpointBudget(t *testing.T) {
	ipcSetup(t)

	for i := 0; i < MaxEndpointsPerService; i++ {
		name := "ep" + string(rune('a'+i))
		if _, err := Register(7, name, EndpointClient, nil); err != nil {
			t.Fatalf("register %d failed: %v", i, err)
		}
	}
	if _, err := Register(7, "overflow", EndpointClient, nil); err != ErrTooManyEndpoints {
		t.Fatalf("expected endpoint budget to be enforced; got %v", err)
	}
	// Other services are unaffected.
	if _, err := Register(8, "other", EndpointClient, nil); err != nil {
		t.Fatalf("expected other service to register; got %v", err)
	}
}

func TestHandlerDelivery(t *testing.T) {
	ipcSetup(t)

	var got *Message
	id, _ := Register(1, "console", EndpointServer, func(m *Message) { got = m })

	payload := []byte("hello")
	msgID, err := Call(9, id, MsgRequest, 0x42, payload)
	if err != nil {
		t.Fatal(err)
	}

	if got == nil {
		t.Fatal("expected synchronous handler delivery")
	}
	h := got.Header
	if h.ID != msgID || h.Type != MsgRequest || h.SrcService != 9 || h.DstService != 1 || h.DataSize != 5 || h.Flags != 0x42 || h.Timestamp != 1000 {
		t.Fatalf("unexpected header %+v", h)
	}
	if !bytes.Equal(got.Data, payload) {
		t.Fatalf("expected payload copied; got %q", got.Data)
	}

	// The payload is a copy: mutating the caller's buffer afterwards
	// must not reach the receiver.
	payload[0] = 'X'
	if got.Data[0] == 'X' {
		t.Fatal("expected delivery to copy the payload")
	}
}

func TestQueueDeliveryWakesWaiter(t *testing.T) {
	ipcSetup(t)

	id, _ := Register(1, "q", EndpointServer, nil)

	// Prime a waiter record as Wait would before blocking.
	reg.lock.Acquire()
	reg.byID[id].waiter = 42
	reg.lock.Release()

	var woken sched.ThreadID
	unblockFn = func(tid sched.ThreadID) *kernel.Error {
		woken = tid
		return nil
	}

	if _, err := Call(2, id, MsgNotification, 0, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if woken != 42 {
		t.Fatalf("expected waiter 42 woken; got %d", woken)
	}

	msg, err := Wait(1, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Header.Type != MsgNotification || string(msg.Data) != "x" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestWaitOrderingAndOwnership(t *testing.T) {
	ipcSetup(t)

	id, _ := Register(1, "q", EndpointServer, nil)
	Call(2, id, MsgRequest, 1, nil)
	Call(2, id, MsgRequest, 2, nil)

	if _, err := Wait(9, id, 0); err != ErrNotOwner {
		t.Fatalf("expected foreign wait to fail; got %v", err)
	}

	first, _ := Wait(1, id, 0)
	second, _ := Wait(1, id, 0)
	if first.Header.Flags != 1 || second.Header.Flags != 2 {
		t.Fatalf("expected FIFO delivery; got %d then %d", first.Header.Flags, second.Header.Flags)
	}
}

func TestWaitTimeout(t *testing.T) {
	ipcSetup(t)

	id, _ := Register(1, "q", EndpointServer, nil)

	now := uint64(1000)
	clockFn = func() uint64 { return now }
	sleepFn = func(ms uint64) { now += ms }

	if _, err := Wait(1, id, 5); err != ErrTimeout {
		t.Fatalf("expected timeout; got %v", err)
	}
}

func TestCallValidation(t *testing.T) {
	ipcSetup(t)

	if _, err := Call(1, 999, MsgRequest, 0, nil); err != ErrUnknownEndpoint {
		t.Fatalf("expected unknown endpoint; got %v", err)
	}

	id, _ := Register(1, "q", EndpointServer, nil)
	big := make([]byte, MaxMsgSize+1)
	if _, err := Call(1, id, MsgRequest, 0, big); err != ErrTooLarge {
		t.Fatalf("expected oversized payload rejected; got %v", err)
	}

	for i := 0; i < queueDepth; i++ {
		if _, err := Call(1, id, MsgRequest, 0, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := Call(1, id, MsgRequest, 0, nil); err != ErrQueueFull {
		t.Fatalf("expected backpressure on a full queue; got %v", err)
	}
}

func TestRing(t *testing.T) {
	if _, err := NewRing(0); err != ErrBadRingSize {
		t.Fatalf("expected zero capacity rejected; got %v", err)
	}
	if _, err := NewRing(24); err != ErrBadRingSize {
		t.Fatalf("expected non-power-of-two rejected; got %v", err)
	}

	ring, err := NewRing(8)
	if err != nil {
		t.Fatal(err)
	}

	if err = ring.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if ring.Used() != 4 || ring.Available() != 4 {
		t.Fatalf("expected 4 used / 4 available; got %d/%d", ring.Used(), ring.Available())
	}

	out := make([]byte, 4)
	if err = ring.Read(out); err != nil {
		t.Fatal(err)
	}
	if string(out) != "abcd" {
		t.Fatalf("expected round trip; got %q", out)
	}

	// Wrap across the end of the backing slice.
	if err = ring.Write([]byte("12345678")); err != nil {
		t.Fatal(err)
	}
	if err = ring.Write([]byte("x")); err != ErrRingFull {
		t.Fatalf("expected full ring rejected; got %v", err)
	}
	out = make([]byte, 8)
	if err = ring.Read(out); err != nil {
		t.Fatal(err)
	}
	if string(out) != "12345678" {
		t.Fatalf("expected wrapped round trip; got %q", out)
	}
	if err = ring.Read(out[:1]); err != ErrRingEmpty {
		t.Fatalf("expected empty ring rejected; got %v", err)
	}
}

func TestChannelRequiresCapability(t *testing.T) {
	ipcSetup(t)

	origCheck := capCheckFn
	t.Cleanup(func() { capCheckFn = origCheck })

	denied := true
	var gotPerms capability.Perm
	capCheckFn = func(dom capability.DomainID, h capability.Handle, required capability.Perm) *kernel.Error {
		gotPerms = required
		if denied {
			return capability.ErrNoHandle
		}
		return nil
	}

	if _, err := NewChannel(3, 7, 4096); err != capability.ErrNoHandle {
		t.Fatalf("expected channel creation without the capability to fail; got %v", err)
	}
	if gotPerms != capability.PermRead|capability.PermWrite {
		t.Fatalf("expected read|write check; got %x", gotPerms)
	}

	denied = false
	if _, err := NewChannel(3, 7, 24); err != ErrBadRingSize {
		t.Fatalf("expected bad ring size rejected; got %v", err)
	}

	ch, err := NewChannel(3, 7, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if ch.CapHandle != 7 || ch.Ring == nil || ch.ID == 0 {
		t.Fatalf("unexpected channel %+v", ch)
	}
}
