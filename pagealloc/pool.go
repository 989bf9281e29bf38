package pagealloc

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"golang.org/x/exp/slog"
)

const (
	defaultMaxFreeListSize int           = 4
	defaultIdleTimeout     time.Duration = 5 * time.Second
)

// PoolOptions contains optional settings when creating a Pool
type PoolOptions struct {
	// AllocatorOptions are applied to every PageAllocator the pool constructs. The ID is assigned
	// by the pool.
	AllocatorOptions CreateOptions
	// MaxFreeListSize is the number of idle allocators above which the idle timer is armed even
	// though allocators are still checked out
	MaxFreeListSize int
	// IdleTimeout is the delay between arming the idle timer and freeing every idle allocator
	IdleTimeout time.Duration
}

// Pool recycles PageAllocator objects between short-lived compile jobs. Allocators that are
// returned keep their reservations so the next job can reuse them; once the pool goes idle a
// timer releases them to the OS.
type Pool struct {
	logger  *slog.Logger
	memory  osmem.Memory
	options PoolOptions

	mutex       sync.Mutex
	freeList    []*PageAllocator
	activeCount int
	nextID      int
	timer       *time.Timer
	timerArmed  bool
	shutdown    bool
}

// NewPool creates a Pool whose allocators reserve memory from the provided osmem.Memory
func NewPool(logger *slog.Logger, memory osmem.Memory, options PoolOptions) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if options.MaxFreeListSize == 0 {
		options.MaxFreeListSize = defaultMaxFreeListSize
	}
	if options.IdleTimeout == 0 {
		options.IdleTimeout = defaultIdleTimeout
	}

	return &Pool{
		logger:  logger,
		memory:  memory,
		options: options,
	}
}

// GetPageAllocator pops an idle allocator from the pool, or constructs a new one if none is idle
func (p *Pool) GetPageAllocator() (*PageAllocator, error) {
	p.logger.Debug("Pool::GetPageAllocator")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.shutdown {
		return nil, errors.New("the page allocator pool has been shut down")
	}

	if count := len(p.freeList); count > 0 {
		allocator := p.freeList[count-1]
		p.freeList[count-1] = nil
		p.freeList = p.freeList[:count-1]
		p.activeCount++
		return allocator, nil
	}

	options := p.options.AllocatorOptions
	p.nextID++
	options.ID = p.nextID

	allocator, err := New(p.logger, p.memory, options)
	if err != nil {
		return nil, err
	}
	p.activeCount++
	return allocator, nil
}

// ReturnPageAllocator gives an allocator back to the pool. If the allocator cannot be recycled it
// is released instead. The idle timer is armed when no allocators remain checked out or when too
// many are idle.
func (p *Pool) ReturnPageAllocator(allocator *PageAllocator) {
	p.logger.Debug("Pool::ReturnPageAllocator", slog.Int("ID", allocator.ID()))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.activeCount == 0 {
		panic("returned a page allocator to a pool that has none checked out")
	}
	p.activeCount--

	err := allocator.Recycle()
	if err != nil || p.shutdown {
		if err != nil {
			p.logger.LogAttrs(context.Background(), slog.LevelError, "failed to recycle page allocator, releasing it",
				slog.Int("ID", allocator.ID()),
				slog.Any("error", err))
		}
		p.release(allocator)
		return
	}

	p.freeList = append(p.freeList, allocator)

	if p.activeCount == 0 || len(p.freeList) > p.options.MaxFreeListSize {
		p.armTimer()
	}
}

func (p *Pool) armTimer() {
	if p.timerArmed {
		return
	}
	p.timerArmed = true

	if p.timer == nil {
		p.timer = time.AfterFunc(p.options.IdleTimeout, p.IdleCleanupRoutine)
		return
	}
	p.timer.Reset(p.options.IdleTimeout)
}

func (p *Pool) release(allocator *PageAllocator) {
	err := allocator.Release()
	if err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release page allocator",
			slog.Int("ID", allocator.ID()),
			slog.Any("error", err))
	}
}

// IdleCleanupRoutine releases every idle allocator. It runs when the idle timer fires and takes
// the same lock as GetPageAllocator and ReturnPageAllocator.
func (p *Pool) IdleCleanupRoutine() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.timerArmed = false
	p.logger.Debug("Pool::IdleCleanupRoutine", slog.Int("Idle", len(p.freeList)))

	p.releaseFreeList()
}

func (p *Pool) releaseFreeList() {
	for index, allocator := range p.freeList {
		p.release(allocator)
		p.freeList[index] = nil
	}
	p.freeList = p.freeList[:0]
}

// Shutdown cancels the idle timer and releases every idle allocator. Allocators returned after
// Shutdown are released immediately and GetPageAllocator fails.
func (p *Pool) Shutdown() {
	p.logger.Debug("Pool::Shutdown")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerArmed = false
	p.shutdown = true

	if p.activeCount > 0 {
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "page allocator pool shut down with allocators checked out",
			slog.Int("Active", p.activeCount))
	}

	p.releaseFreeList()
}

// GetInactivePageAllocatorCount returns the number of idle allocators held by the pool
func (p *Pool) GetInactivePageAllocatorCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.freeList)
}

// GetActivePageAllocatorCount returns the number of allocators currently checked out
func (p *Pool) GetActivePageAllocatorCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.activeCount
}

// IsIdleTimerArmed returns whether an idle cleanup is pending
func (p *Pool) IsIdleTimerArmed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.timerArmed
}

func (p *Pool) BuildStatsString(writer *jwriter.Writer) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Active").Int(p.activeCount)
	obj.Name("Inactive").Int(len(p.freeList))
	obj.Name("IdleTimerArmed").Bool(p.timerArmed)

	idle := obj.Name("IdleAllocators").Array()
	defer idle.End()

	for _, allocator := range p.freeList {
		allocatorObj := idle.Object()
		allocator.PrintJson(&allocatorObj)
		allocatorObj.End()
	}
}
