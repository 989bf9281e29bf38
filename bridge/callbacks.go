package bridge

type AllocateCodeCallback func(
	context *Context,
	address uintptr,
	size int,
	userData interface{},
)

type FreeCodeCallback func(
	context *Context,
	address uintptr,
	size int,
	userData interface{},
)

type CodeCallbackOptions struct {
	Allocate AllocateCodeCallback
	Free     FreeCodeCallback
	UserData interface{}
}

type codeCallbacks struct {
	Callbacks *CodeCallbackOptions
	Context   *Context
}

func (c *codeCallbacks) Allocate(address uintptr, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Context, address, size, c.Callbacks.UserData)
	}
}

func (c *codeCallbacks) Free(address uintptr, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Context, address, size, c.Callbacks.UserData)
	}
}
