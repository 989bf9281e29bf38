package osmem

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/jitmem/memutils"
)

const defaultSimulatedPageSize = 4096

// SimulatedOptions configures a Simulated address space
type SimulatedOptions struct {
	// PageSize defaults to 4096
	PageSize int
	// CommitLimit is the maximum number of bytes that may be committed at once. Zero means no limit.
	CommitLimit int
}

// Transition describes a single protection change applied to a Simulated address space
type Transition struct {
	Addr uintptr
	Size int
	From Protection
	To   Protection
}

// FlushRange describes a single instruction cache flush
type FlushRange struct {
	Addr uintptr
	Size int
}

type simulatedReservation struct {
	backing []byte
	size    int
}

// Simulated implements Memory over anonymous read-write mappings. Reservations are real, page
// aligned, addressable memory outside the Go heap, but protections are only recorded, never
// enforced by hardware. Every
// transition is checked against the W^X rule and can be observed, and failures can be injected.
type Simulated struct {
	pageSize    int
	commitLimit int

	mutex          sync.Mutex
	reservations   *swiss.Map[uintptr, *simulatedReservation]
	protections    *swiss.Map[uintptr, Protection]
	committedBytes int

	failReserves int
	failCommits  int
	failProtects int

	observers   []func(Transition)
	transitions int
	flushes     []FlushRange
}

var _ Memory = &Simulated{}

func NewSimulated(options SimulatedOptions) *Simulated {
	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = defaultSimulatedPageSize
	}
	memutils.DebugCheckPow2(pageSize, "pageSize")

	return &Simulated{
		pageSize:     pageSize,
		commitLimit:  options.CommitLimit,
		reservations: swiss.NewMap[uintptr, *simulatedReservation](16),
		protections:  swiss.NewMap[uintptr, Protection](256),
	}
}

func (s *Simulated) PageSize() int { return s.pageSize }

// FailNextReserves causes the next count calls to Reserve to fail with an out of memory error
func (s *Simulated) FailNextReserves(count int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failReserves = count
}

// FailNextCommits causes the next count calls to Commit to fail with an out of memory error
func (s *Simulated) FailNextCommits(count int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failCommits = count
}

// FailNextProtects causes the next count calls to Protect to fail with an out of memory error
func (s *Simulated) FailNextProtects(count int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failProtects = count
}

// Observe registers a callback that runs, under the address space lock, for every page whose
// protection changes
func (s *Simulated) Observe(observer func(Transition)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.observers = append(s.observers, observer)
}

// TransitionCount returns the number of page protection changes applied so far
func (s *Simulated) TransitionCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.transitions
}

// Flushes returns every instruction cache flush requested so far
func (s *Simulated) Flushes() []FlushRange {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]FlushRange(nil), s.flushes...)
}

// CommittedBytes returns the number of bytes currently committed
func (s *Simulated) CommittedBytes() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.committedBytes
}

// ReservationCount returns the number of live reservations
func (s *Simulated) ReservationCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.reservations.Count()
}

func (s *Simulated) Reserve(size int) (uintptr, error) {
	if size <= 0 || size%s.pageSize != 0 {
		return 0, errors.Newf("reservation size %d is not a positive multiple of the page size", size)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.failReserves > 0 {
		s.failReserves--
		return 0, memutils.OutOfMemory(nil, "simulated reservation of %d bytes failed", size)
	}

	backing, err := mapBacking(size + s.pageSize)
	if err != nil {
		return 0, memutils.OutOfMemory(err, "simulated reservation of %d bytes failed", size)
	}
	addr := memutils.AlignUp(uintptr(unsafe.Pointer(&backing[0])), uintptr(s.pageSize))
	s.reservations.Put(addr, &simulatedReservation{backing: backing, size: size})
	return addr, nil
}

func (s *Simulated) findReservation(addr uintptr, size int) (uintptr, *simulatedReservation) {
	var base uintptr
	var found *simulatedReservation
	s.reservations.Iter(func(start uintptr, reservation *simulatedReservation) bool {
		if addr >= start && addr+uintptr(size) <= start+uintptr(reservation.size) {
			base = start
			found = reservation
			return true
		}
		return false
	})
	return base, found
}

func (s *Simulated) applyProtection(addr uintptr, size int, prot Protection) {
	for page := addr; page < addr+uintptr(size); page += uintptr(s.pageSize) {
		from, _ := s.protections.Get(page)
		if from == prot {
			continue
		}

		if prot == ProtectNone {
			s.protections.Delete(page)
		} else {
			s.protections.Put(page, prot)
		}
		s.transitions++

		transition := Transition{Addr: page, Size: s.pageSize, From: from, To: prot}
		for _, observer := range s.observers {
			observer(transition)
		}
	}
}

func (s *Simulated) committedIn(addr uintptr, size int) int {
	committed := 0
	for page := addr; page < addr+uintptr(size); page += uintptr(s.pageSize) {
		if s.protections.Has(page) {
			committed += s.pageSize
		}
	}
	return committed
}

func (s *Simulated) Commit(addr uintptr, size int, prot Protection) error {
	err := validateRange(s.pageSize, addr, size)
	if err != nil {
		return err
	}
	if prot.WritableExecutable() {
		return protectionViolation(addr, size, prot)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, reservation := s.findReservation(addr, size)
	if reservation == nil {
		return errors.Newf("commit of [%#x, +%d) is outside any reservation", addr, size)
	}

	if s.failCommits > 0 {
		s.failCommits--
		return memutils.OutOfMemory(nil, "simulated commit of [%#x, +%d) failed", addr, size)
	}

	newlyCommitted := size - s.committedIn(addr, size)
	if s.commitLimit > 0 && s.committedBytes+newlyCommitted > s.commitLimit {
		return memutils.OutOfMemory(nil, "committing %d bytes would exceed the simulated commit limit of %d bytes",
			newlyCommitted, s.commitLimit)
	}

	if prot == ProtectNone {
		// Committed memory always carries a readable protection in the shadow table
		prot = ProtectRead
	}
	s.committedBytes += newlyCommitted
	s.applyProtection(addr, size, prot)
	return nil
}

func (s *Simulated) Decommit(addr uintptr, size int) error {
	err := validateRange(s.pageSize, addr, size)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, reservation := s.findReservation(addr, size)
	if reservation == nil {
		return errors.Newf("decommit of [%#x, +%d) is outside any reservation", addr, size)
	}

	s.committedBytes -= s.committedIn(addr, size)

	// Decommitted pages read back as zero when they are committed again
	clear(rangeSlice(addr, size))
	s.applyProtection(addr, size, ProtectNone)
	return nil
}

func (s *Simulated) Protect(addr uintptr, size int, prot Protection) error {
	err := validateRange(s.pageSize, addr, size)
	if err != nil {
		return err
	}
	if prot.WritableExecutable() {
		return protectionViolation(addr, size, prot)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.committedIn(addr, size) != size {
		return errors.Newf("protect of [%#x, +%d) touches uncommitted pages", addr, size)
	}

	if s.failProtects > 0 {
		s.failProtects--
		return memutils.OutOfMemory(nil, "simulated protect of [%#x, +%d) to %s failed", addr, size, prot)
	}

	if prot == ProtectNone {
		return errors.Newf("use Decommit to make [%#x, +%d) inaccessible", addr, size)
	}

	s.applyProtection(addr, size, prot)
	return nil
}

func (s *Simulated) Query(addr uintptr) (Protection, error) {
	page := memutils.AlignDown(addr, uintptr(s.pageSize))

	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, reservation := s.findReservation(page, s.pageSize)
	if reservation == nil {
		return ProtectNone, errors.Newf("address %#x is outside any reservation", addr)
	}

	prot, _ := s.protections.Get(page)
	return prot, nil
}

func (s *Simulated) Release(addr uintptr, size int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	reservation, ok := s.reservations.Get(addr)
	if !ok {
		return errors.Newf("address %#x is not the start of a reservation", addr)
	}
	if reservation.size != size {
		return errors.Newf("reservation at %#x is %d bytes, not %d", addr, reservation.size, size)
	}

	s.committedBytes -= s.committedIn(addr, size)
	s.applyProtection(addr, size, ProtectNone)
	s.reservations.Delete(addr)
	return unmapBacking(reservation.backing)
}

func (s *Simulated) FlushInstructionCache(addr uintptr, size int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.flushes = append(s.flushes, FlushRange{Addr: addr, Size: size})
	return nil
}

// ReadBytes copies size bytes starting at addr out of the address space. Every page touched must
// currently be readable.
func (s *Simulated) ReadBytes(addr uintptr, size int) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	first := memutils.AlignDown(addr, uintptr(s.pageSize))
	for page := first; page < addr+uintptr(size); page += uintptr(s.pageSize) {
		prot, _ := s.protections.Get(page)
		if prot&ProtectRead == 0 {
			return nil, errors.Newf("page %#x is not readable (%s)", page, prot)
		}
	}

	return append([]byte(nil), rangeSlice(addr, size)...), nil
}

// Validate scans every committed page and returns an error marked ErrProtectionInvariantViolated
// if any of them is writable and executable
func (s *Simulated) Validate() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var err error
	s.protections.Iter(func(page uintptr, prot Protection) bool {
		if prot.WritableExecutable() {
			err = protectionViolation(page, s.pageSize, prot)
			return true
		}
		return false
	})
	return err
}

func rangeSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
