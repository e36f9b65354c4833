// Package capability implements the Core-0 capability system: the table of
// unforgeable resource tokens, the domains that hold them, and the handle
// spaces binding the two. Every memory, IRQ and service operation in the
// kernel is mediated by a check against this table.
package capability

import (
	"hikos/kernel"
	"hikos/kernel/sync"
)

const (
	// MaxCapabilities bounds the capability table.
	MaxCapabilities = 256

	// MaxDomains bounds the number of simultaneously live domains.
	MaxDomains = 64

	// HandleSpaceSize is the number of handles a single domain can hold.
	HandleSpaceSize = 64

	// capMagic stamps live capability slots, distinguishing them from
	// cleared ones.
	capMagic uint32 = 0x43415030 // "CAP0"
)

// Handle names a capability. Handles are process-wide, monotonically
// increasing and never reused; possession of a handle in a domain's handle
// space is the only thing that conveys access.
type Handle uint32

// DomainID names a protection domain.
type DomainID uint64

// Kind describes the resource class a capability governs.
type Kind uint8

const (
	KindMemory Kind = iota
	KindIOPort
	KindIRQ
	KindIPCEndpoint
	KindService
	KindDevice
	KindCustom
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindIOPort:
		return "io_port"
	case KindIRQ:
		return "irq"
	case KindIPCEndpoint:
		return "ipc_endpoint"
	case KindService:
		return "service"
	case KindDevice:
		return "device"
	default:
		return "custom"
	}
}

// Perm is the capability permission bitmask.
type Perm uint32

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
	PermGrant
	PermRevoke
)

// DomainState tracks a domain's lifecycle.
type DomainState uint8

const (
	DomainStopped DomainState = iota
	DomainStarting
	DomainRunning
	DomainStopping
	DomainError
)

var (
	// ErrUnknownDomain is returned for operations naming a domain id
	// with no live domain record.
	ErrUnknownDomain = &kernel.Error{Module: "capability", Message: "unknown domain"}

	// ErrNoHandle is returned by Check when the handle is not present in
	// the domain's handle space (including handles that were deleted).
	ErrNoHandle = &kernel.Error{Module: "capability", Message: "handle not held by domain"}

	// ErrInsufficientPerms is returned by Check when the capability is
	// held but lacks one of the required permission bits.
	ErrInsufficientPerms = &kernel.Error{Module: "capability", Message: "insufficient permissions"}

	// ErrTableFull is returned when no capability slot is free.
	ErrTableFull = &kernel.Error{Module: "capability", Message: "capability table full"}

	// ErrDomainTableFull is returned when no domain slot is free.
	ErrDomainTableFull = &kernel.Error{Module: "capability", Message: "domain table full"}

	// ErrHandleSpaceFull is returned when a domain's handle space cannot
	// accept another handle.
	ErrHandleSpaceFull = &kernel.Error{Module: "capability", Message: "domain handle space full"}

	// ErrNoGrant is returned when a grant is attempted through a
	// capability that does not carry the grant permission.
	ErrNoGrant = &kernel.Error{Module: "capability", Message: "capability does not permit grant"}

	// ErrRefUnderflow reports a reference count underflow; this is an
	// invariant violation and the caller panics on it.
	ErrRefUnderflow = &kernel.Error{Module: "capability", Message: "capability ref_count underflow"}
)

// record is one capability table slot.
type record struct {
	magic      uint32
	kind       Kind
	perms      Perm
	resourceID uint64
	base       uintptr
	size       uint64
	owner      DomainID
	refCount   uint32
	flags      uint32
}

// domain is one protection boundary: a contiguous physical region (for
// services), a handle space and a lifecycle state.
type domain struct {
	id          DomainID
	memoryBase  uintptr
	memorySize  uint64
	handles     [HandleSpaceSize]Handle
	handleCount int
	state       DomainState
}

// Info is the caller-visible copy of a capability record.
type Info struct {
	Kind       Kind
	Perms      Perm
	ResourceID uint64
	Base       uintptr
	Size       uint64
	Owner      DomainID
}

// state is the singleton capability system. A single lock serializes the
// table and every handle space; no operation suspends while holding it.
type state struct {
	lock sync.Spinlock

	caps    [MaxCapabilities]record
	domains [MaxDomains]domain

	// slotForHandle maps live handles to table slots. The source design
	// scanned the table linearly; the map keeps lookup O(1) without
	// giving up the never-reuse handle discipline.
	slotForHandle map[Handle]int

	nextHandle Handle
	nextDomain DomainID
	numCaps    int
	numDomains int
}

var capSys state

// Init resets the capability system. Handles and domain ids start at 1;
// zero values are permanent "no such" sentinels.
func Init() {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	capSys.caps = [MaxCapabilities]record{}
	capSys.domains = [MaxDomains]domain{}
	capSys.slotForHandle = make(map[Handle]int)
	capSys.nextHandle = 1
	capSys.nextDomain = 1
	capSys.numCaps = 0
	capSys.numDomains = 0
}

// domainByID returns the live domain record for id. Lock must be held.
func domainByID(id DomainID) *domain {
	if id == 0 {
		return nil
	}
	for i := range capSys.domains {
		if capSys.domains[i].id == id {
			return &capSys.domains[i]
		}
	}
	return nil
}

// recordForHandle returns the table slot for a live handle. Lock must be
// held.
func recordForHandle(h Handle) *record {
	slot, ok := capSys.slotForHandle[h]
	if !ok {
		return nil
	}
	rec := &capSys.caps[slot]
	if rec.magic != capMagic {
		return nil
	}
	return rec
}

// addToDomain inserts h into d's handle space. Inserting a handle that is
// already present succeeds without duplicating it. Lock must be held.
func addToDomain(d *domain, h Handle) (inserted bool, err *kernel.Error) {
	for i := 0; i < d.handleCount; i++ {
		if d.handles[i] == h {
			return false, nil
		}
	}
	if d.handleCount >= HandleSpaceSize {
		return false, ErrHandleSpaceFull
	}
	d.handles[d.handleCount] = h
	d.handleCount++
	return true, nil
}

// removeFromDomain deletes h from d's handle space, compacting the ordered
// sequence. Lock must be held.
func removeFromDomain(d *domain, h Handle) bool {
	for i := 0; i < d.handleCount; i++ {
		if d.handles[i] != h {
			continue
		}
		copy(d.handles[i:d.handleCount-1], d.handles[i+1:d.handleCount])
		d.handleCount--
		d.handles[d.handleCount] = 0
		return true
	}
	return false
}

// createLocked allocates a slot, stamps it and issues a fresh handle into
// the owner's handle space. Lock must be held.
func createLocked(kind Kind, perms Perm, resourceID uint64, base uintptr, size uint64, owner DomainID) (Handle, *kernel.Error) {
	d := domainByID(owner)
	if d == nil {
		return 0, ErrUnknownDomain
	}
	if d.handleCount >= HandleSpaceSize {
		return 0, ErrHandleSpaceFull
	}

	slot := -1
	for i := range capSys.caps {
		if capSys.caps[i].magic != capMagic {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, ErrTableFull
	}

	h := capSys.nextHandle
	capSys.nextHandle++

	capSys.caps[slot] = record{
		magic:      capMagic,
		kind:       kind,
		perms:      perms,
		resourceID: resourceID,
		base:       base,
		size:       size,
		owner:      owner,
		refCount:   1,
	}
	capSys.slotForHandle[h] = slot
	capSys.numCaps++

	addToDomain(d, h)

	return h, nil
}

// Create allocates a new capability owned by the given domain and returns
// its handle. The handle is inserted into the owner's handle space with
// ref_count 1.
func Create(kind Kind, perms Perm, resourceID uint64, base uintptr, size uint64, owner DomainID) (Handle, *kernel.Error) {
	capSys.lock.Acquire()
	defer capSys.lock.Release()
	return createLocked(kind, perms, resourceID, base, size, owner)
}

// clearLocked wipes the slot backing h. Lock must be held.
func clearLocked(h Handle) {
	slot := capSys.slotForHandle[h]
	capSys.caps[slot] = record{}
	delete(capSys.slotForHandle, h)
	capSys.numCaps--
}

// Delete removes h from every domain's handle space and clears the slot.
// Deletion is monotone: checks against the handle fail permanently, and the
// handle value is never issued again.
func Delete(h Handle) *kernel.Error {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	rec := recordForHandle(h)
	if rec == nil {
		return ErrNoHandle
	}

	for i := range capSys.domains {
		if capSys.domains[i].id != 0 {
			removeFromDomain(&capSys.domains[i], h)
		}
	}

	clearLocked(h)
	return nil
}

// Grant inserts h into the target domain's handle space and bumps the
// reference count. The capability itself must carry the grant permission.
// Granting a handle a domain already holds is a no-op returning the same
// handle.
func Grant(h Handle, target DomainID) (Handle, *kernel.Error) {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	rec := recordForHandle(h)
	if rec == nil {
		return 0, ErrNoHandle
	}
	if rec.perms&PermGrant == 0 {
		return 0, ErrNoGrant
	}

	d := domainByID(target)
	if d == nil {
		return 0, ErrUnknownDomain
	}

	inserted, err := addToDomain(d, h)
	if err != nil {
		return 0, err
	}
	if inserted {
		rec.refCount++
	}
	return h, nil
}

// Revoke removes h from the named domain and drops the reference count,
// clearing the slot when it reaches zero.
func Revoke(h Handle, id DomainID) *kernel.Error {
	capSys.lock.Acquire()
	defer capSys.lock.Release()
	return revokeLocked(h, id)
}

func revokeLocked(h Handle, id DomainID) *kernel.Error {
	rec := recordForHandle(h)
	if rec == nil {
		return ErrNoHandle
	}

	d := domainByID(id)
	if d == nil {
		return ErrUnknownDomain
	}

	if !removeFromDomain(d, h) {
		return ErrNoHandle
	}

	if rec.refCount == 0 {
		kernel.Panic(ErrRefUnderflow)
	}
	rec.refCount--
	if rec.refCount == 0 {
		clearLocked(h)
	}
	return nil
}

// Check verifies that the domain holds h with every permission bit in
// required. Failures are distinguished: unknown domain, handle not held, or
// insufficient permissions.
func Check(id DomainID, h Handle, required Perm) *kernel.Error {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	d := domainByID(id)
	if d == nil {
		return ErrUnknownDomain
	}

	held := false
	for i := 0; i < d.handleCount; i++ {
		if d.handles[i] == h {
			held = true
			break
		}
	}
	if !held {
		return ErrNoHandle
	}

	rec := recordForHandle(h)
	if rec == nil {
		return ErrNoHandle
	}
	if rec.perms&required != required {
		return ErrInsufficientPerms
	}
	return nil
}

// Derive creates a fresh capability over the same resource with the
// permission intersection perms(h) AND newPerms. Permissions can only be
// attenuated through derivation, never elevated.
func Derive(h Handle, newPerms Perm) (Handle, *kernel.Error) {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	rec := recordForHandle(h)
	if rec == nil {
		return 0, ErrNoHandle
	}

	return createLocked(rec.kind, rec.perms&newPerms, rec.resourceID, rec.base, rec.size, rec.owner)
}

// Lookup returns a copy of the capability record for h.
func Lookup(h Handle) (Info, *kernel.Error) {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	rec := recordForHandle(h)
	if rec == nil {
		return Info{}, ErrNoHandle
	}
	return Info{
		Kind:       rec.kind,
		Perms:      rec.perms,
		ResourceID: rec.resourceID,
		Base:       rec.base,
		Size:       rec.size,
		Owner:      rec.owner,
	}, nil
}

// CreateDomain allocates a new protection domain covering the given physical
// region and returns its id. The domain starts stopped with an empty handle
// space.
func CreateDomain(memoryBase uintptr, memorySize uint64) (DomainID, *kernel.Error) {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	slot := -1
	for i := range capSys.domains {
		if capSys.domains[i].id == 0 {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, ErrDomainTableFull
	}

	id := capSys.nextDomain
	capSys.nextDomain++

	capSys.domains[slot] = domain{
		id:         id,
		memoryBase: memoryBase,
		memorySize: memorySize,
		state:      DomainStopped,
	}
	capSys.numDomains++

	return id, nil
}

// DeleteDomain revokes every handle the domain holds, deletes any remaining
// capabilities the domain owns, and clears the domain record.
func DeleteDomain(id DomainID) *kernel.Error {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	d := domainByID(id)
	if d == nil {
		return ErrUnknownDomain
	}

	for d.handleCount > 0 {
		h := d.handles[0]
		if revokeLocked(h, id) != nil {
			// The space never holds dead handles, but a failed revoke
			// must still drain the slot or this loop cannot finish.
			removeFromDomain(d, h)
		}
	}

	// Capabilities owned by the domain may still be granted elsewhere;
	// they die with their owner.
	for h, slot := range capSys.slotForHandle {
		if capSys.caps[slot].owner != id {
			continue
		}
		for i := range capSys.domains {
			if capSys.domains[i].id != 0 {
				removeFromDomain(&capSys.domains[i], h)
			}
		}
		capSys.caps[slot] = record{}
		delete(capSys.slotForHandle, h)
		capSys.numCaps--
	}

	*d = domain{}
	capSys.numDomains--
	return nil
}

// StateOf returns the lifecycle state of a domain.
func StateOf(id DomainID) (DomainState, *kernel.Error) {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	d := domainByID(id)
	if d == nil {
		return DomainStopped, ErrUnknownDomain
	}
	return d.state, nil
}

// SetState transitions a domain's lifecycle state.
func SetState(id DomainID, s DomainState) *kernel.Error {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	d := domainByID(id)
	if d == nil {
		return ErrUnknownDomain
	}
	d.state = s
	return nil
}

// DomainRegion returns the physical region a domain was created over.
func DomainRegion(id DomainID) (uintptr, uint64, *kernel.Error) {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	d := domainByID(id)
	if d == nil {
		return 0, 0, ErrUnknownDomain
	}
	return d.memoryBase, d.memorySize, nil
}

// HandleCount returns the number of handles in a domain's handle space.
func HandleCount(id DomainID) (int, *kernel.Error) {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	d := domainByID(id)
	if d == nil {
		return 0, ErrUnknownDomain
	}
	return d.handleCount, nil
}

// RefCount returns the reference count of a live capability, which equals
// the number of domain handle spaces containing its handle.
func RefCount(h Handle) (uint32, *kernel.Error) {
	capSys.lock.Acquire()
	defer capSys.lock.Release()

	rec := recordForHandle(h)
	if rec == nil {
		return 0, ErrNoHandle
	}
	return rec.refCount, nil
}
