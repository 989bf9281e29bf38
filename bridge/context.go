// Package bridge wires the allocators of one compile context together. A Context hands out number
// records through the path its deployment mode selects and executable buffers from a page allocator
// borrowed from a shared pool.
package bridge

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/bumpalloc"
	"github.com/vkngwrapper/jitmem/codeheap"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/pagealloc"
	"github.com/vkngwrapper/jitmem/xproc"
	"golang.org/x/exp/slog"
)

// ErrContextClosed is returned by every operation on a Context after Close
var ErrContextClosed error = errors.New("compile context is closed")

// Context owns the memory of one compile job: a number allocator for the selected deployment mode
// and a code manager
type Context struct {
	logger *slog.Logger
	mode   DeploymentMode
	tags   *xproc.TypeTags

	pool      *pagealloc.Pool
	pages     *pagealloc.PageAllocator
	code      *codeheap.Manager
	numbers   bumpalloc.NumberAllocator
	foreign   *xproc.Allocator
	callbacks codeCallbacks

	// Operations hold gate for reading while they run; Close holds it for writing
	gate   sync.RWMutex
	closed bool
}

// New creates a Context. The page allocator behind its executable buffers stays checked out of
// options.Pool until Close.
func New(logger *slog.Logger, options Options) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if options.Pool == nil {
		return nil, errors.New("a compile context requires a page allocator pool")
	}
	if options.Tags == nil {
		return nil, errors.New("a compile context requires a type tag table")
	}

	numberTag, err := options.Tags.Lookup(xproc.RecordKindNumber)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		logger: logger,
		mode:   options.Mode,
		tags:   options.Tags,
		pool:   options.Pool,
	}
	ctx.callbacks = codeCallbacks{Callbacks: options.CodeCallbacks, Context: ctx}

	switch options.Mode {
	case DeploymentInProcess:
		err = ctx.createNumbers(options)
	case DeploymentOutOfProcess:
		err = ctx.createForeign(options)
	default:
		err = errors.Newf("unknown deployment mode %d", int(options.Mode))
	}
	if err != nil {
		return nil, err
	}

	ctx.pages, err = options.Pool.GetPageAllocator()
	if err != nil {
		return nil, errors.CombineErrors(err, ctx.destroyNumbers())
	}

	codeFlags := codeheap.CreateFlags(0)
	if options.Flags&CreateExternallySynchronized != 0 {
		codeFlags |= codeheap.CreateExternallySynchronized
	}
	if options.Flags&CreateWorkerContext != 0 {
		codeFlags |= codeheap.CreateWorkerContext
	}

	ctx.code, err = codeheap.New(logger, ctx.pages, codeheap.CreateOptions{
		Flags:   codeFlags,
		Reclaim: options.Reclaim,
	})
	if err != nil {
		options.Pool.ReturnPageAllocator(ctx.pages)
		return nil, errors.CombineErrors(err, ctx.destroyNumbers())
	}

	logger.Debug("Context::New",
		slog.String("Mode", options.Mode.String()),
		slog.Int("NumberTag", int(numberTag)),
		slog.Int("PageAllocator", ctx.pages.ID()))
	return ctx, nil
}

func (c *Context) createNumbers(options Options) error {
	if options.Collector == nil {
		return errors.New("an in-process compile context requires a collector")
	}

	numberOptions := options.Numbers
	if options.Flags&CreateExternallySynchronized != 0 {
		numberOptions.Flags |= bumpalloc.CreateExternallySynchronized
	}

	var err error
	if options.Flags&CreateCheckedNumbers != 0 || memutils.DebugMargin > 0 {
		c.numbers, err = bumpalloc.NewChecked(c.logger, options.Collector, numberOptions, options.CheckedMargin)
	} else {
		c.numbers, err = bumpalloc.New(c.logger, options.Collector, numberOptions)
	}
	return err
}

func (c *Context) createForeign(options Options) error {
	if options.Process == nil || options.ForeignCollector == nil {
		return errors.New("an out-of-process compile context requires a foreign process and its collector")
	}

	var err error
	c.foreign, err = xproc.New(c.logger, options.Process, options.ForeignCollector, options.Tags, options.CrossProcess)
	return err
}

func (c *Context) destroyNumbers() error {
	if c.numbers != nil {
		return c.numbers.Destroy()
	}
	if c.foreign != nil {
		return c.foreign.Destroy()
	}
	return nil
}

func (c *Context) Mode() DeploymentMode { return c.mode }

// Numbers returns the in-process number allocator, or nil for an out-of-process context
func (c *Context) Numbers() bumpalloc.NumberAllocator { return c.numbers }

// CrossProcess returns the cross-process number allocator, or nil for an in-process context
func (c *Context) CrossProcess() *xproc.Allocator { return c.foreign }

// Code returns the context's executable buffer manager
func (c *Context) Code() *codeheap.Manager { return c.code }

// enter keeps the context open until the returned release runs
func (c *Context) enter() (func(), error) {
	c.gate.RLock()
	if c.closed {
		c.gate.RUnlock()
		return nil, ErrContextClosed
	}
	return c.gate.RUnlock, nil
}

// AllocateNumber boxes value and returns the address of the record, in the local address space
// for an in-process context and in the foreign address space otherwise
func (c *Context) AllocateNumber(value float64) (uint64, error) {
	release, err := c.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	if c.foreign != nil {
		return c.foreign.AllocateNumber(value)
	}

	tag, err := c.tags.Lookup(xproc.RecordKindNumber)
	if err != nil {
		return 0, err
	}
	addr, err := c.numbers.AllocateNumber(uint64(tag), value)
	return uint64(addr), err
}

// FlushAllocations moves finished in-process blocks toward integration. Cross-process segments do
// not need flushing.
func (c *Context) FlushAllocations() error {
	release, err := c.enter()
	if err != nil {
		return err
	}
	defer release()

	if c.numbers != nil {
		c.numbers.FlushAllocations()
	}
	return nil
}

// Integrate hands every finished number block to the collector. It is called by the collector at a
// point where it can safely mutate its own metadata.
func (c *Context) Integrate() error {
	release, err := c.enter()
	if err != nil {
		return err
	}
	defer release()

	if c.foreign != nil {
		return c.foreign.Integrate()
	}
	return c.numbers.Integrate()
}

// InstallCode copies code, preceded by alignPad trap bytes, into a new executable buffer with
// room for sideTableSize bytes of side table, and finalizes it. The buffer is freed again if any
// step fails. The allocate callback runs after the context is released, so it may call back into
// the context.
func (c *Context) InstallCode(code []byte, alignPad int, sideTableSize int) (*codeheap.Allocation, error) {
	alloc, err := c.installCode(code, alignPad, sideTableSize)
	if err != nil {
		return nil, err
	}

	c.callbacks.Allocate(alloc.Address(), alloc.Size())
	return alloc, nil
}

func (c *Context) installCode(code []byte, alignPad int, sideTableSize int) (*codeheap.Allocation, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	alloc, addr, err := c.code.AllocateBuffer(alignPad+len(code), sideTableSize)
	if err != nil {
		return nil, err
	}

	err = c.code.CommitBuffer(alloc, addr, code, alignPad)
	if err == nil {
		err = c.code.FinalizeAllocation(alloc)
	}
	if err != nil {
		return nil, errors.CombineErrors(err, c.code.FreeAllocation(alloc))
	}
	return alloc, nil
}

// FreeCode frees an executable buffer returned by InstallCode
func (c *Context) FreeCode(alloc *codeheap.Allocation) error {
	address, size := alloc.Address(), alloc.Size()
	err := c.freeCode(alloc)
	if err != nil {
		return err
	}

	c.callbacks.Free(address, size)
	return nil
}

func (c *Context) freeCode(alloc *codeheap.Allocation) error {
	release, err := c.enter()
	if err != nil {
		return err
	}
	defer release()

	return c.code.FreeAllocation(alloc)
}

// Close waits for operations in flight, then destroys the number allocator, which integrates every
// outstanding block, frees every executable buffer, and returns the page allocator to the pool.
// Closing twice is a no-op.
func (c *Context) Close() error {
	c.logger.Debug("Context::Close")

	c.gate.Lock()
	defer c.gate.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.destroyNumbers()

	if count := c.code.AllocationCount(); count > 0 {
		c.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] executable buffers freed by Close",
			slog.Int("Count", count))
	}
	err = errors.CombineErrors(err, c.code.Clear())

	c.pool.ReturnPageAllocator(c.pages)
	c.pages = nil
	return err
}

func (c *Context) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Mode").String(c.mode.String())

	numbers := jwriter.NewWriter()
	if c.foreign != nil {
		c.foreign.BuildStatsString(&numbers)
	} else {
		c.numbers.BuildStatsString(&numbers)
	}
	obj.Name("Numbers").Raw(numbers.Bytes())

	code := jwriter.NewWriter()
	c.code.BuildStatsString(&code)
	obj.Name("Code").Raw(code.Bytes())
}
