package codeheap

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// allocationList is an intrusive doubly linked list of every allocation a Manager owns. It is
// guarded by the Manager's mutex.
type allocationList struct {
	count int
	head  *Allocation
	tail  *Allocation
}

func (l *allocationList) Validate() error {
	actualCount := 0
	var prev *Allocation
	for alloc := l.head; alloc != nil; alloc = alloc.next {
		if alloc.prev != prev {
			return errors.Newf("allocation at %#x does not link back to its predecessor", alloc.address)
		}
		prev = alloc
		actualCount++
	}

	if prev != l.tail {
		return errors.New("the last allocation in the list is not the list's tail")
	}
	if l.count != actualCount {
		return errors.Newf("the listed number of allocations in the list (%d) does not match the actual number of allocations (%d)", l.count, actualCount)
	}
	return nil
}

func (l *allocationList) printJson(writer *jwriter.ArrayState) {
	for alloc := l.head; alloc != nil; alloc = alloc.next {
		o := writer.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

func (l *allocationList) IsEmpty() bool { return l.count == 0 }

func (l *allocationList) remove(alloc *Allocation) {
	prev := alloc.prev
	next := alloc.next

	if prev != nil {
		prev.next = next
	} else {
		l.head = next
	}

	if next != nil {
		next.prev = prev
	} else {
		l.tail = prev
	}

	alloc.next = nil
	alloc.prev = nil

	l.count--
}

func (l *allocationList) push(alloc *Allocation) {
	if l.count == 0 {
		l.head = alloc
		l.tail = alloc
		l.count = 1
		return
	}

	alloc.prev = l.tail
	l.tail.next = alloc
	l.tail = alloc
	l.count++
}
