// Package ipc implements inter-domain messaging: named endpoints with
// bounded delivery queues, the fixed message format services exchange, and
// shared-memory ring channels for bulk transfer. Messages are copied into
// the destination queue; bulk data travels through capability-backed shared
// memory instead.
package ipc

import (
	"hikos/kernel"
	"hikos/kernel/sched"
	"hikos/kernel/sync"
)

const (
	// MaxMsgSize bounds the payload carried by a single message.
	MaxMsgSize = 4096

	// MaxEndpointsPerService bounds the endpoints one service may
	// register.
	MaxEndpointsPerService = 32

	// MaxEndpointName bounds endpoint names.
	MaxEndpointName = 64

	// queueDepth is the number of undelivered messages an endpoint
	// buffers before Call reports backpressure.
	queueDepth = 16
)

// MsgType classifies a message.
type MsgType uint32

const (
	MsgRequest MsgType = iota
	MsgResponse
	MsgNotification
	MsgError
)

// Header is the fixed message header exchanged between domains.
type Header struct {
	Type       MsgType
	ID         uint32
	SrcService uint32
	DstService uint32
	DataSize   uint32
	Flags      uint32
	Timestamp  uint64
}

// Message is a header plus up to MaxMsgSize payload bytes.
type Message struct {
	Header Header
	Data   []byte
}

// EndpointKind classifies an endpoint.
type EndpointKind uint8

const (
	EndpointClient EndpointKind = iota
	EndpointServer
	EndpointBroadcast
)

// Handler is invoked synchronously for endpoints registered with one;
// endpoints without a handler queue messages for Wait.
type Handler func(*Message)

type endpoint struct {
	id      uint64
	name    string
	kind    EndpointKind
	service uint32
	handler Handler

	queue  [queueDepth]*Message
	qHead  int
	qLen   int
	waiter sched.ThreadID
}

var (
	// ErrNameTooLong is returned for endpoint names over MaxEndpointName
	// bytes.
	ErrNameTooLong = &kernel.Error{Module: "ipc", Message: "endpoint name too long"}

	// ErrNameTaken is returned when registering an endpoint name that is
	// already in use.
	ErrNameTaken = &kernel.Error{Module: "ipc", Message: "endpoint name already registered"}

	// ErrTooManyEndpoints is returned when a service exceeds its
	// endpoint budget.
	ErrTooManyEndpoints = &kernel.Error{Module: "ipc", Message: "endpoint limit reached for service"}

	// ErrUnknownEndpoint is returned for endpoint ids or names with no
	// registration.
	ErrUnknownEndpoint = &kernel.Error{Module: "ipc", Message: "unknown endpoint"}

	// ErrNotOwner is returned when a service manipulates an endpoint it
	// does not own.
	ErrNotOwner = &kernel.Error{Module: "ipc", Message: "endpoint owned by another service"}

	// ErrTooLarge is returned for payloads over MaxMsgSize.
	ErrTooLarge = &kernel.Error{Module: "ipc", Message: "message payload too large"}

	// ErrQueueFull is returned when the destination queue has no room.
	ErrQueueFull = &kernel.Error{Module: "ipc", Message: "endpoint queue full"}

	// ErrTimeout is returned by Wait when the deadline passes without a
	// message.
	ErrTimeout = &kernel.Error{Module: "ipc", Message: "wait timed out"}
)

type registry struct {
	lock sync.Spinlock

	byName     map[string]*endpoint
	byID       map[uint64]*endpoint
	perService map[uint32]int

	nextEndpointID uint64
	nextMsgID      uint32
}

var reg registry

// Test seams into the scheduler.
var (
	clockFn         = sched.Clock
	currentThreadFn = sched.CurrentThread
	blockFn         = sched.Block
	sleepFn         = sched.Sleep
	unblockFn       = sched.Unblock
)

// Init resets the endpoint registry.
func Init() {
	reg.lock.Acquire()
	defer reg.lock.Release()

	reg.byName = make(map[string]*endpoint)
	reg.byID = make(map[uint64]*endpoint)
	reg.perService = make(map[uint32]int)
	reg.nextEndpointID = 1
	reg.nextMsgID = 1
}

// Register creates a named endpoint owned by the given service. Endpoints
// registered with a handler receive messages synchronously; others queue
// messages for Wait.
func Register(service uint32, name string, kind EndpointKind, handler Handler) (uint64, *kernel.Error) {
	if len(name) > MaxEndpointName {
		return 0, ErrNameTooLong
	}

	reg.lock.Acquire()
	defer reg.lock.Release()

	if _, exists := reg.byName[name]; exists {
		return 0, ErrNameTaken
	}
	if reg.perService[service] >= MaxEndpointsPerService {
		return 0, ErrTooManyEndpoints
	}

	ep := &endpoint{
		id:      reg.nextEndpointID,
		name:    name,
		kind:    kind,
		service: service,
		handler: handler,
	}
	reg.nextEndpointID++
	reg.byName[name] = ep
	reg.byID[ep.id] = ep
	reg.perService[service]++

	return ep.id, nil
}

// Unregister removes an endpoint; only the owning service may do so.
func Unregister(service uint32, name string) *kernel.Error {
	reg.lock.Acquire()
	defer reg.lock.Release()

	ep, ok := reg.byName[name]
	if !ok {
		return ErrUnknownEndpoint
	}
	if ep.service != service {
		return ErrNotOwner
	}

	delete(reg.byName, name)
	delete(reg.byID, ep.id)
	reg.perService[service]--
	return nil
}

// Find resolves an endpoint name to its id.
func Find(name string) (uint64, *kernel.Error) {
	reg.lock.Acquire()
	defer reg.lock.Release()

	ep, ok := reg.byName[name]
	if !ok {
		return 0, ErrUnknownEndpoint
	}
	return ep.id, nil
}

// Owner reports the service owning an endpoint.
func Owner(endpointID uint64) (uint32, *kernel.Error) {
	reg.lock.Acquire()
	defer reg.lock.Release()

	ep, ok := reg.byID[endpointID]
	if !ok {
		return 0, ErrUnknownEndpoint
	}
	return ep.service, nil
}

// Call delivers a message from src to the named endpoint. The payload is
// copied; the caller keeps ownership of data. Handler endpoints are invoked
// synchronously, queue endpoints buffer the message and wake a waiter.
func Call(src uint32, endpointID uint64, msgType MsgType, flags uint32, data []byte) (uint32, *kernel.Error) {
	if len(data) > MaxMsgSize {
		return 0, ErrTooLarge
	}

	reg.lock.Acquire()
	ep, ok := reg.byID[endpointID]
	if !ok {
		reg.lock.Release()
		return 0, ErrUnknownEndpoint
	}

	msg := &Message{
		Header: Header{
			Type:       msgType,
			ID:         reg.nextMsgID,
			SrcService: src,
			DstService: ep.service,
			DataSize:   uint32(len(data)),
			Flags:      flags,
			Timestamp:  clockFn(),
		},
		Data: append([]byte(nil), data...),
	}
	reg.nextMsgID++

	if ep.handler != nil {
		handler := ep.handler
		reg.lock.Release()
		handler(msg)
		return msg.Header.ID, nil
	}

	if ep.qLen == queueDepth {
		reg.lock.Release()
		return 0, ErrQueueFull
	}
	ep.queue[(ep.qHead+ep.qLen)%queueDepth] = msg
	ep.qLen++
	waiter := ep.waiter
	ep.waiter = 0
	reg.lock.Release()

	if waiter != 0 {
		unblockFn(waiter)
	}
	return msg.Header.ID, nil
}

// Wait blocks until a message arrives on the endpoint or the timeout (in
// milliseconds, zero meaning wait forever) expires. Only the owning service
// may wait on an endpoint.
func Wait(service uint32, endpointID uint64, timeoutMs uint64) (*Message, *kernel.Error) {
	deadline := uint64(0)
	if timeoutMs > 0 {
		deadline = clockFn() + timeoutMs
	}

	for {
		reg.lock.Acquire()
		ep, ok := reg.byID[endpointID]
		if !ok {
			reg.lock.Release()
			return nil, ErrUnknownEndpoint
		}
		if ep.service != service {
			reg.lock.Release()
			return nil, ErrNotOwner
		}

		if ep.qLen > 0 {
			msg := ep.queue[ep.qHead]
			ep.queue[ep.qHead] = nil
			ep.qHead = (ep.qHead + 1) % queueDepth
			ep.qLen--
			reg.lock.Release()
			return msg, nil
		}

		if deadline != 0 && clockFn() >= deadline {
			reg.lock.Release()
			return nil, ErrTimeout
		}

		ep.waiter = currentThreadFn()
		reg.lock.Release()

		if deadline != 0 {
			sleepFn(deadline - clockFn())
		} else {
			blockFn()
		}
	}
}
