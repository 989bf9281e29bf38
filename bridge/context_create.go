package bridge

import (
	"github.com/vkngwrapper/jitmem/bumpalloc"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/pagealloc"
	"github.com/vkngwrapper/jitmem/xproc"
)

// DeploymentMode selects where the compiler that uses a Context runs relative to the collector
type DeploymentMode int

const (
	// DeploymentInProcess compiles on a thread of the process that owns the collector. Numbers are
	// bump allocated from local segments.
	DeploymentInProcess DeploymentMode = iota
	// DeploymentOutOfProcess compiles in a worker process. Numbers are written into segments of the
	// foreign process that owns the collector.
	DeploymentOutOfProcess
)

func (m DeploymentMode) String() string {
	switch m {
	case DeploymentInProcess:
		return "DeploymentInProcess"
	case DeploymentOutOfProcess:
		return "DeploymentOutOfProcess"
	}
	return "Unknown"
}

// CreateFlags indicate specific context behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized is passed on to every allocator the context owns
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateWorkerContext marks the context as belonging to a background compiler worker, so failed code
	// allocations are reported immediately instead of reclaiming memory
	CreateWorkerContext
	// CreateCheckedNumbers pads every in-process number box with a verified margin. It is implied in
	// builds with the debug_mem_utils tag.
	CreateCheckedNumbers
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
	CreateWorkerContext:          "CreateWorkerContext",
	CreateCheckedNumbers:         "CreateCheckedNumbers",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}
	str, ok := createFlagsMapping[f]
	if !ok {
		return "Unknown"
	}
	return str
}

// Options configures a compile Context
type Options struct {
	Flags CreateFlags
	Mode  DeploymentMode

	// Pool supplies the page allocator behind the context's executable buffers. Required.
	Pool *pagealloc.Pool
	// Tags maps record kinds to the type tags written into number records. Required.
	Tags *xproc.TypeTags

	// Collector receives in-process number segments. Required for DeploymentInProcess.
	Collector bumpalloc.Collector
	// Numbers configures the in-process number allocator
	Numbers bumpalloc.CreateOptions
	// CheckedMargin is the margin placed after each box when checked numbers are enabled. Zero uses
	// memutils.DebugMargin.
	CheckedMargin int

	// Process is the foreign process that owns the collector. Required for DeploymentOutOfProcess.
	Process osmem.ForeignProcess
	// ForeignCollector adopts segments reserved in Process. Required for DeploymentOutOfProcess.
	ForeignCollector xproc.Collector
	// CrossProcess configures the cross-process number allocator
	CrossProcess xproc.CreateOptions

	// Reclaim is called when an executable buffer cannot be allocated outside a worker context
	Reclaim func()
	// CodeCallbacks is an optional set of callbacks executed when executable buffers are allocated
	// or freed through the context
	CodeCallbacks *CodeCallbackOptions
}
