package bumpalloc

import (
	"unsafe"

	"github.com/vkngwrapper/jitmem/memutils"
)

// Chunk is a fixed-capacity array of number box addresses, followed in memory by the addresses
// themselves. Chunks live in bump-allocated memory and are linked into a singly linked list that
// Finalize hands back when a compile job ends.
type Chunk struct {
	next     uintptr
	count    uint32
	capacity uint32
}

const chunkHeaderSize int = int(unsafe.Sizeof(Chunk{}))

func chunkSlotSize(capacity int) int {
	return memutils.AlignUp(chunkHeaderSize+capacity*int(unsafe.Sizeof(uintptr(0))), 16)
}

func initChunk(addr uintptr, capacity int, next *Chunk) *Chunk {
	chunk := (*Chunk)(unsafe.Pointer(addr))
	chunk.next = next.Address()
	chunk.count = 0
	chunk.capacity = uint32(capacity)
	return chunk
}

// Address returns the location of the chunk in bump-allocated memory, or 0 for a nil chunk
func (c *Chunk) Address() uintptr {
	if c == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(c))
}

// Next returns the chunk that was current before this one was allocated
func (c *Chunk) Next() *Chunk {
	if c.next == 0 {
		return nil
	}
	return (*Chunk)(unsafe.Pointer(c.next))
}

func (c *Chunk) Len() int   { return int(c.count) }
func (c *Chunk) Cap() int   { return int(c.capacity) }
func (c *Chunk) Full() bool { return c.count == c.capacity }

// Boxes returns the box addresses recorded in this chunk. The slice aliases chunk memory.
func (c *Chunk) Boxes() []uintptr {
	first := (*uintptr)(unsafe.Add(unsafe.Pointer(c), chunkHeaderSize))
	return unsafe.Slice(first, c.count)
}

func (c *Chunk) append(box uintptr) {
	first := (*uintptr)(unsafe.Add(unsafe.Pointer(c), chunkHeaderSize))
	unsafe.Slice(first, c.capacity)[c.count] = box
	c.count++
}

// CollectBoxes walks the chunk list starting at head and returns every box address it records,
// newest chunk first
func CollectBoxes(head *Chunk) []uintptr {
	var boxes []uintptr
	for chunk := head; chunk != nil; chunk = chunk.Next() {
		boxes = append(boxes, chunk.Boxes()...)
	}
	return boxes
}
