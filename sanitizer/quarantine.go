package sanitizer

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/shadowheap/memsan"
)

type quarantineEntry struct {
	ptr  unsafe.Pointer
	size int
}

// Quarantine is the fixed-capacity ring of freed pointers pending physical
// release. The newest freed pointer always displaces the oldest occupant of
// its slot, so at most capacity-many freed allocations are retained in their
// poisoned state at once. Older frees lose their shadow protection on
// eviction; the detection window is bounded, not unbounded.
type Quarantine struct {
	slots []quarantineEntry
	index int
	count int
	bytes int
}

// NewQuarantine creates a ring with the given capacity, which must be a
// power of two.
func NewQuarantine(capacity int) (*Quarantine, error) {
	if capacity < 1 {
		return nil, errors.Errorf("invalid quarantine capacity: %d", capacity)
	}
	err := memsan.CheckPow2(uint(capacity), "quarantine capacity")
	if err != nil {
		return nil, err
	}

	return &Quarantine{
		slots: make([]quarantineEntry, capacity),
	}, nil
}

// Add stores p in the current slot, advances the slot index modulo capacity
// and returns whatever pointer previously occupied the slot (nil while the
// ring is still filling). The caller owns the evicted pointer and is expected
// to hand it to the underlying allocator immediately.
func (q *Quarantine) Add(p unsafe.Pointer, size int) (unsafe.Pointer, int) {
	evicted := q.slots[q.index]
	q.slots[q.index] = quarantineEntry{ptr: p, size: size}
	q.index = (q.index + 1) & (len(q.slots) - 1)

	q.bytes += size
	if evicted.ptr == nil {
		q.count++
	} else {
		q.bytes -= evicted.size
	}

	return evicted.ptr, evicted.size
}

// Flush releases every retained pointer through the provided routine and
// empties the ring.
func (q *Quarantine) Flush(release func(p unsafe.Pointer)) {
	for i := range q.slots {
		if q.slots[i].ptr != nil {
			release(q.slots[i].ptr)
			q.slots[i] = quarantineEntry{}
		}
	}
	q.index = 0
	q.count = 0
	q.bytes = 0
}

// Len returns the number of pointers currently retained.
func (q *Quarantine) Len() int {
	return q.count
}

// Cap returns the ring's capacity.
func (q *Quarantine) Cap() int {
	return len(q.slots)
}

// Bytes returns the payload bytes currently retained.
func (q *Quarantine) Bytes() int {
	return q.bytes
}

// Validate performs internal consistency checks on the ring.
func (q *Quarantine) Validate() error {
	count := 0
	bytes := 0
	for i := range q.slots {
		if q.slots[i].ptr != nil {
			count++
			bytes += q.slots[i].size
		} else if q.slots[i].size != 0 {
			return errors.Errorf("quarantine slot %d holds %d bytes but no pointer", i, q.slots[i].size)
		}
	}

	if count != q.count {
		return errors.Errorf("the quarantine counted %d occupants but its slots hold %d", q.count, count)
	}
	if bytes != q.bytes {
		return errors.Errorf("the quarantine counted %d retained bytes but its slots hold %d", q.bytes, bytes)
	}
	if q.index < 0 || q.index >= len(q.slots) {
		return errors.Errorf("quarantine slot index %d is out of range for capacity %d", q.index, len(q.slots))
	}

	return nil
}
