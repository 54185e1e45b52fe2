package session

import "sync"

// IDAllocator hands out session ids for one listener. Ids are sequential,
// start at 1 and are never reused.
type IDAllocator struct {
	next      uint64
	allocated uint64
	mu        sync.Mutex
}

// NewIDAllocator creates an allocator whose first id is start.
func NewIDAllocator(start uint64) *IDAllocator {
	if start == 0 {
		start = 1 // id 0 is never assigned
	}
	return &IDAllocator{next: start}
}

// Next returns a new unique id.
func (a *IDAllocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.next
	a.next++
	if a.next == 0 {
		a.next = 1
	}
	a.allocated++
	return id
}

// AllocatedCount returns the number of ids handed out so far.
func (a *IDAllocator) AllocatedCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}
