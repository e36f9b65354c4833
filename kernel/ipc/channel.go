package ipc

import (
	"hikos/kernel"
	"hikos/kernel/capability"
)

var (
	// ErrBadRingSize is returned for ring capacities that are zero or
	// not powers of two.
	ErrBadRingSize = &kernel.Error{Module: "ipc", Message: "ring capacity must be a power of two"}

	// ErrRingFull is returned when a write does not fit in the ring.
	ErrRingFull = &kernel.Error{Module: "ipc", Message: "ring buffer full"}

	// ErrRingEmpty is returned when a read finds fewer bytes than
	// requested.
	ErrRingEmpty = &kernel.Error{Module: "ipc", Message: "ring buffer empty"}

	capCheckFn = capability.Check
)

// Ring is a power-of-two ring buffer used by shared-memory channels.
// Indices only grow; the mask folds them into the data slice.
type Ring struct {
	data []byte
	mask uint64
	head uint64
	tail uint64
}

// NewRing allocates a ring with the given power-of-two capacity.
func NewRing(capacity uint64) (*Ring, *kernel.Error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, ErrBadRingSize
	}
	return &Ring{data: make([]byte, capacity), mask: capacity - 1}, nil
}

// Used returns the number of unread bytes in the ring.
func (r *Ring) Used() uint64 { return r.head - r.tail }

// Available returns the free space in the ring.
func (r *Ring) Available() uint64 { return uint64(len(r.data)) - r.Used() }

// Write copies p into the ring; the write is all-or-nothing.
func (r *Ring) Write(p []byte) *kernel.Error {
	if uint64(len(p)) > r.Available() {
		return ErrRingFull
	}
	for _, b := range p {
		r.data[r.head&r.mask] = b
		r.head++
	}
	return nil
}

// Read fills p from the ring; the read is all-or-nothing.
func (r *Ring) Read(p []byte) *kernel.Error {
	if uint64(len(p)) > r.Used() {
		return ErrRingEmpty
	}
	for i := range p {
		p[i] = r.data[r.tail&r.mask]
		r.tail++
	}
	return nil
}

// Channel is a shared-memory bulk-transfer path between two domains. The
// backing region is governed by a memory capability; message-sized traffic
// goes through Call/Wait, anything larger through a channel.
type Channel struct {
	ID        uint64
	CapHandle capability.Handle
	Ring      *Ring
}

var nextChannelID uint64 = 1

// NewChannel creates a channel over a ring of the given capacity. The
// creating domain must hold the backing memory capability with read and
// write permission.
func NewChannel(domain capability.DomainID, h capability.Handle, capacity uint64) (*Channel, *kernel.Error) {
	if err := capCheckFn(domain, h, capability.PermRead|capability.PermWrite); err != nil {
		return nil, err
	}

	ring, err := NewRing(capacity)
	if err != nil {
		return nil, err
	}

	reg.lock.Acquire()
	id := nextChannelID
	nextChannelID++
	reg.lock.Release()

	return &Channel{ID: id, CapHandle: h, Ring: ring}, nil
}
