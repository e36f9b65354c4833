// Package service implements the Core-1 service manager: lifecycle of the
// privileged service domains, the fault policy that bounds automatic
// restarts, and the kernel API surface handed to each service at startup.
package service

import (
	"hikos/kernel"
	"hikos/kernel/capability"
	"hikos/kernel/kfmt"
	"hikos/kernel/mm"
	"hikos/kernel/mm/pmm"
	"hikos/kernel/mm/vmm"
	"hikos/kernel/sched"
	"hikos/kernel/sync"
)

const (
	// MaxServices bounds the service table.
	MaxServices = 16

	// MaxNameLen bounds service names.
	MaxNameLen = 31

	// StackSize is the fixed service stack carved out after the data
	// region.
	StackSize = 64 * 1024

	// restartLimit is the number of faults a service survives since its
	// last manual start before it is left in the error state.
	restartLimit = 3
)

// State tracks a service's lifecycle.
type State uint8

const (
	ServiceStopped State = iota + 1
	ServiceStarting
	ServiceRunning
	ServiceStopping
	ServiceError
)

// Service is one Core-1 service record.
type Service struct {
	id    uint64
	name  string
	state State

	domain capability.DomainID
	cap    capability.Handle
	memCap capability.Handle

	entry     uintptr
	codeBase  uintptr
	codeSize  uint64
	dataBase  uintptr
	dataSize  uint64
	stackBase uintptr
	stackSize uint64

	thread sched.ThreadID

	// restartCount counts completed restarts; faultCount counts faults
	// survived since the last manual start and is what the auto-restart
	// policy bounds.
	restartCount uint32
	faultCount   uint32
	lastError    uint64
	startedAt    uint64
}

var (
	// ErrNameTooLong is returned for service names over MaxNameLen.
	ErrNameTooLong = &kernel.Error{Module: "service", Message: "service name too long"}

	// ErrTableFull is returned when the service table has no free slot.
	ErrTableFull = &kernel.Error{Module: "service", Message: "service table full"}

	// ErrUnknownService is returned for ids with no live service.
	ErrUnknownService = &kernel.Error{Module: "service", Message: "unknown service"}

	// ErrNotStopped is returned when starting a service that is not
	// stopped.
	ErrNotStopped = &kernel.Error{Module: "service", Message: "service is not stopped"}

	// ErrNotRunning is returned when stopping a service that is not
	// running.
	ErrNotRunning = &kernel.Error{Module: "service", Message: "service is not running"}

	// ErrRestartLimit is returned by HandleFault once a service has
	// exhausted its automatic restarts.
	ErrRestartLimit = &kernel.Error{Module: "service", Message: "service restart limit reached"}
)

type manager struct {
	lock     sync.Spinlock
	services [MaxServices]Service
	nextID   uint64
	count    int
}

var mgr manager

// Test seams over the subsystems the manager drives.
var (
	createDomainFn  = capability.CreateDomain
	deleteDomainFn  = capability.DeleteDomain
	setDomainState  = capability.SetState
	capCreateFn     = capability.Create
	createTablesFn  = vmm.CreatePageTables
	destroyTablesFn = vmm.DestroyPageTables
	vmmMapFn        = vmm.Map
	reserveFn       = pmm.Reserve
	createThreadFn  = sched.CreateThread
	killThreadFn    = sched.TerminateThread
	clockFn         = sched.Clock

	// enterServiceFn transfers the new service thread into the service
	// image entry point; the platform layer installs the real trampoline.
	enterServiceFn = func(s *Service) {}
)

// Init resets the service table and hooks the manager into the vmm fault
// path so memory violations inside service domains feed the restart policy.
func Init() {
	mgr.lock.Acquire()
	mgr.services = [MaxServices]Service{}
	mgr.nextID = 1
	mgr.count = 0
	mgr.lock.Release()

	vmm.SetServiceFaultHandler(handleDomainFault)
}

// byID returns the live record for id. Lock must be held.
func byID(id uint64) *Service {
	for i := range mgr.services {
		if mgr.services[i].id == id {
			return &mgr.services[i]
		}
	}
	return nil
}

// Create allocates a domain sized to code+data+stack, identity-maps the
// service's regions into a fresh page-table tree, mints the service
// capability and records the service stopped. The memory capability minted
// over the region stays with the service domain; holders of the service
// capability with execute permission may open call gates into it.
func Create(name string, entry uintptr, codeBase uintptr, codeSize uint64, dataBase uintptr, dataSize uint64) (uint64, *kernel.Error) {
	if len(name) > MaxNameLen {
		return 0, ErrNameTooLong
	}

	mgr.lock.Acquire()
	defer mgr.lock.Release()

	var slot *Service
	for i := range mgr.services {
		if mgr.services[i].id == 0 {
			slot = &mgr.services[i]
			break
		}
	}
	if slot == nil {
		return 0, ErrTableFull
	}

	totalSize := codeSize + dataSize + StackSize
	domain, err := createDomainFn(codeBase, totalSize)
	if err != nil {
		return 0, err
	}

	// The service owns its frames; tag them so PMM accounting reflects
	// the domain boundary.
	if err = reserveFn(codeBase, totalSize, mm.FrameService, uint64(domain)); err != nil {
		deleteDomainFn(domain)
		return 0, err
	}

	if err = createTablesFn(domain, vmm.DomainService); err != nil {
		deleteDomainFn(domain)
		return 0, err
	}

	id := mgr.nextID

	svcCap, err := capCreateFn(capability.KindService, capability.PermRead|capability.PermWrite|capability.PermExecute, id, 0, 0, domain)
	if err != nil {
		destroyTablesFn(domain)
		deleteDomainFn(domain)
		return 0, err
	}

	memCap, err := capCreateFn(capability.KindMemory, capability.PermRead|capability.PermWrite, id, codeBase, totalSize, domain)
	if err != nil {
		destroyTablesFn(domain)
		deleteDomainFn(domain)
		return 0, err
	}

	stackBase := dataBase + uintptr(dataSize)

	// Core-1 services run identity-mapped inside their region.
	if err = vmmMapFn(domain, codeBase, codeBase, codeSize, vmm.MapCode, memCap); err == nil {
		err = vmmMapFn(domain, dataBase, dataBase, dataSize+StackSize, vmm.MapData, memCap)
	}
	if err != nil {
		destroyTablesFn(domain)
		deleteDomainFn(domain)
		return 0, err
	}

	mgr.nextID++
	*slot = Service{
		id:        id,
		name:      name,
		state:     ServiceStopped,
		domain:    domain,
		cap:       svcCap,
		memCap:    memCap,
		entry:     entry,
		codeBase:  codeBase,
		codeSize:  codeSize,
		dataBase:  dataBase,
		dataSize:  dataSize,
		stackBase: stackBase,
		stackSize: StackSize,
	}
	mgr.count++

	return id, nil
}

// startLocked brings a stopped service up. Lock must be held.
func startLocked(s *Service) *kernel.Error {
	if s.state != ServiceStopped {
		return ErrNotStopped
	}

	s.state = ServiceStarting
	setDomainState(s.domain, capability.DomainStarting)

	svc := s
	thread, err := createThreadFn(s.domain, func(uintptr) { enterServiceFn(svc) }, 0, sched.PriorityNormal)
	if err != nil {
		s.state = ServiceStopped
		setDomainState(s.domain, capability.DomainStopped)
		return err
	}

	s.thread = thread
	s.state = ServiceRunning
	s.startedAt = clockFn()
	setDomainState(s.domain, capability.DomainRunning)
	return nil
}

// stopLocked tears a running service down. Lock must be held.
func stopLocked(s *Service) *kernel.Error {
	if s.state != ServiceRunning && s.state != ServiceError {
		return ErrNotRunning
	}

	s.state = ServiceStopping
	setDomainState(s.domain, capability.DomainStopping)

	if s.thread != 0 {
		killThreadFn(s.thread)
		s.thread = 0
	}

	s.state = ServiceStopped
	setDomainState(s.domain, capability.DomainStopped)
	return nil
}

// Start creates the service thread at the recorded entry point, hands the
// kernel API to the service and transitions it to running. A manual start
// resets the fault budget.
func Start(id uint64) *kernel.Error {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	s := byID(id)
	if s == nil {
		return ErrUnknownService
	}
	s.faultCount = 0
	return startLocked(s)
}

// Stop terminates the service's threads and returns it to stopped.
func Stop(id uint64) *kernel.Error {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	s := byID(id)
	if s == nil {
		return ErrUnknownService
	}
	return stopLocked(s)
}

// Restart is stop followed by start. The restart counter is incremented;
// being a manual action it also resets the fault budget.
func Restart(id uint64) *kernel.Error {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	s := byID(id)
	if s == nil {
		return ErrUnknownService
	}
	if err := stopLocked(s); err != nil {
		return err
	}
	s.restartCount++
	s.faultCount = 0
	return startLocked(s)
}

// Terminate stops the service and deletes its domain together with every
// capability the domain owned.
func Terminate(id uint64) *kernel.Error {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	s := byID(id)
	if s == nil {
		return ErrUnknownService
	}

	if s.state == ServiceRunning || s.state == ServiceError {
		stopLocked(s)
	}

	destroyTablesFn(s.domain)
	deleteDomainFn(s.domain)
	reserveFn(s.codeBase, s.codeSize+s.dataSize+s.stackSize, mm.FrameAvailable, 0)

	*s = Service{}
	mgr.count--
	return nil
}

// HandleFault applies the fault policy: the service is marked errored and
// automatically restarted while it has survived fewer than restartLimit
// faults since its last manual start; past the limit the fault is terminal.
func HandleFault(id uint64, errorCode uint64) *kernel.Error {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	s := byID(id)
	if s == nil {
		return ErrUnknownService
	}

	s.state = ServiceError
	s.lastError = errorCode
	s.faultCount++

	if s.faultCount > restartLimit {
		kfmt.Printf("[service] %s: fault %x, restart limit reached\n", s.name, errorCode)
		setDomainState(s.domain, capability.DomainError)
		return ErrRestartLimit
	}

	kfmt.Printf("[service] %s: fault %x, restarting (%d survived)\n", s.name, errorCode, s.faultCount)

	if err := stopLocked(s); err != nil {
		return err
	}
	s.restartCount++
	return startLocked(s)
}

// handleDomainFault adapts vmm fault notifications onto the fault policy.
func handleDomainFault(domain capability.DomainID, errorCode uint64) bool {
	mgr.lock.Acquire()
	var id uint64
	for i := range mgr.services {
		if mgr.services[i].id != 0 && mgr.services[i].domain == domain {
			id = mgr.services[i].id
			break
		}
	}
	mgr.lock.Release()

	if id == 0 {
		return false
	}
	HandleFault(id, errorCode)
	return true
}

// Lookup returns the id of the service with the given name.
func Lookup(name string) (uint64, *kernel.Error) {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	for i := range mgr.services {
		if mgr.services[i].id != 0 && mgr.services[i].name == name {
			return mgr.services[i].id, nil
		}
	}
	return 0, ErrUnknownService
}

// StateOf reports a service's lifecycle state.
func StateOf(id uint64) (State, *kernel.Error) {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	s := byID(id)
	if s == nil {
		return 0, ErrUnknownService
	}
	return s.state, nil
}

// RestartCount reports how many times a service has been restarted.
func RestartCount(id uint64) (uint32, *kernel.Error) {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	s := byID(id)
	if s == nil {
		return 0, ErrUnknownService
	}
	return s.restartCount, nil
}

// DomainOf reports the domain a service runs in.
func DomainOf(id uint64) (capability.DomainID, *kernel.Error) {
	mgr.lock.Acquire()
	defer mgr.lock.Release()

	s := byID(id)
	if s == nil {
		return 0, ErrUnknownService
	}
	return s.domain, nil
}
