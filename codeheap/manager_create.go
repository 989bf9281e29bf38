package codeheap

// CreateFlags indicate specific code manager behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that the manager will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateWorkerContext indicates that the manager serves a background compiler worker. Allocation
	// failures are returned immediately so the caller can fall back to the interpreter, without
	// asking the owner to reclaim memory.
	CreateWorkerContext
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
	CreateWorkerContext:          "CreateWorkerContext",
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

// MaxBufferSize is the largest code plus side table size a single buffer can hold
const MaxBufferSize int = 1 << 30

// TrapInstruction is written into alignment padding so that stray jumps into it fault
const TrapInstruction byte = 0xCC

// CreateOptions contains optional settings when creating a Manager
type CreateOptions struct {
	Flags CreateFlags
	// Reclaim is called once when an allocation fails outside a worker context. The allocation is
	// retried after it returns. It is called without the manager's lock held.
	Reclaim func()
}
