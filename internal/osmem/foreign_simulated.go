package osmem

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/jitmem/memutils"
)

const simulatedForeignBase uint64 = 0x7f0000000000

type foreignRegion struct {
	data        []byte
	protections []Protection
}

// SimulatedForeignProcess is a ForeignProcess whose address space is held in local buffers keyed by
// foreign address. It can be made to exit so that callers observe ErrForeignProcessGone.
type SimulatedForeignProcess struct {
	pid      int
	pageSize int

	mutex       sync.Mutex
	regions     *swiss.Map[uint64, *foreignRegion]
	nextAddress uint64
	exited      bool
	failCommits int
	writes      int
}

var _ ForeignProcess = &SimulatedForeignProcess{}

func NewSimulatedForeignProcess(pid int, pageSize int) *SimulatedForeignProcess {
	if pageSize == 0 {
		pageSize = defaultSimulatedPageSize
	}

	return &SimulatedForeignProcess{
		pid:         pid,
		pageSize:    pageSize,
		regions:     swiss.NewMap[uint64, *foreignRegion](16),
		nextAddress: simulatedForeignBase,
	}
}

func (p *SimulatedForeignProcess) Pid() int      { return p.pid }
func (p *SimulatedForeignProcess) PageSize() int { return p.pageSize }

// Exit simulates the foreign process terminating
func (p *SimulatedForeignProcess) Exit() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.exited = true
}

// FailNextCommits causes the next count commits to fail with an out of memory error
func (p *SimulatedForeignProcess) FailNextCommits(count int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.failCommits = count
}

// WriteCount returns the number of successful writes
func (p *SimulatedForeignProcess) WriteCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.writes
}

func (p *SimulatedForeignProcess) gone(operation string) error {
	if p.exited {
		return ProcessGone(nil, "%s failed: process %d has exited", operation, p.pid)
	}
	return nil
}

func (p *SimulatedForeignProcess) find(addr uint64, size int) (uint64, *foreignRegion) {
	var base uint64
	var found *foreignRegion
	p.regions.Iter(func(start uint64, region *foreignRegion) bool {
		if addr >= start && addr+uint64(size) <= start+uint64(len(region.data)) {
			base = start
			found = region
			return true
		}
		return false
	})
	return base, found
}

func (p *SimulatedForeignProcess) Reserve(size int) (uint64, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := p.gone("reserve")
	if err != nil {
		return 0, err
	}
	if size <= 0 || size%p.pageSize != 0 {
		return 0, errors.Newf("reservation size %d is not a positive multiple of the page size", size)
	}

	addr := p.nextAddress
	// Leave a guard page between reservations
	p.nextAddress += uint64(size + p.pageSize)
	p.regions.Put(addr, &foreignRegion{
		data:        make([]byte, size),
		protections: make([]Protection, size/p.pageSize),
	})
	return addr, nil
}

func (p *SimulatedForeignProcess) setProtection(addr uint64, size int, prot Protection, requireCommitted bool) error {
	if addr%uint64(p.pageSize) != 0 || size <= 0 || size%p.pageSize != 0 {
		return errors.Newf("foreign range [%#x, +%d) is not page aligned", addr, size)
	}
	if prot.WritableExecutable() {
		return protectionViolation(uintptr(addr), size, prot)
	}

	base, region := p.find(addr, size)
	if region == nil {
		return errors.Newf("foreign range [%#x, +%d) is outside any reservation", addr, size)
	}

	first := int(addr-base) / p.pageSize
	for page := first; page < first+size/p.pageSize; page++ {
		if requireCommitted && region.protections[page] == ProtectNone {
			return errors.Newf("foreign page %#x is not committed", base+uint64(page*p.pageSize))
		}
	}
	for page := first; page < first+size/p.pageSize; page++ {
		region.protections[page] = prot
	}
	return nil
}

func (p *SimulatedForeignProcess) Commit(addr uint64, size int, prot Protection) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := p.gone("commit")
	if err != nil {
		return err
	}
	if p.failCommits > 0 {
		p.failCommits--
		return memutils.OutOfMemory(nil, "simulated foreign commit of [%#x, +%d) failed", addr, size)
	}
	if prot == ProtectNone {
		prot = ProtectRead
	}
	return p.setProtection(addr, size, prot, false)
}

func (p *SimulatedForeignProcess) Protect(addr uint64, size int, prot Protection) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := p.gone("protect")
	if err != nil {
		return err
	}
	return p.setProtection(addr, size, prot, true)
}

func (p *SimulatedForeignProcess) access(addr uint64, size int, required Protection) (*foreignRegion, int, error) {
	base, region := p.find(addr, size)
	if region == nil {
		return nil, 0, errors.Newf("foreign range [%#x, +%d) is outside any reservation", addr, size)
	}

	offset := int(addr - base)
	for page := offset / p.pageSize; page <= (offset+size-1)/p.pageSize; page++ {
		if region.protections[page]&required != required {
			return nil, 0, errors.Newf("foreign page %#x does not allow %s access",
				base+uint64(page*p.pageSize), required)
		}
	}
	return region, offset, nil
}

func (p *SimulatedForeignProcess) Write(addr uint64, data []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := p.gone("write")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	region, offset, err := p.access(addr, len(data), ProtectWrite)
	if err != nil {
		return err
	}
	copy(region.data[offset:], data)
	p.writes++
	return nil
}

func (p *SimulatedForeignProcess) Read(addr uint64, data []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := p.gone("read")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	region, offset, err := p.access(addr, len(data), ProtectRead)
	if err != nil {
		return err
	}
	copy(data, region.data[offset:])
	return nil
}
