// Package arena provides the mmap-backed general-purpose allocator the
// sanitizer wraps. It hands out aligned blocks from one contiguous anonymous
// mapping, keeps a 32-byte non-payload gap in front of every payload so the
// wrapper's front redzone never overlays a neighboring payload, and answers
// usable-size queries. Its bin structure is deliberately simple: segregated
// power-of-two free lists over a physically ordered block chain with split
// and coalesce.
package arena

import (
	"context"
	"math/bits"
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/shadowheap/memsan"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

const (
	// HeaderGap is the guaranteed number of non-payload bytes immediately
	// before every payload this arena returns. It is sized for the widest
	// front redzone a caller stamps over it.
	HeaderGap = 32

	minBlockSize   = 32
	blockAlignment = 16
	maxSizeClasses = 48
)

var blockAllocator = sync.Pool{
	New: func() any {
		return &block{}
	},
}

type block struct {
	offset  int // block start, relative to the arena base
	size    int // full span of the block, gap and padding included
	payload int // payload start for taken blocks, relative to the arena base

	prevPhysical *block
	nextPhysical *block

	prevFree *block
	nextFree *block
}

func (b *block) MarkFree() {
	b.prevFree = nil
}

func (b *block) MarkTaken() {
	b.prevFree = b
}

func (b *block) IsFree() bool {
	return b.prevFree != b
}

// Arena is a single mmap-backed allocation region. It may only be mutated
// from one goroutine at a time.
type Arena struct {
	logger *slog.Logger
	region []byte
	base   uintptr

	taken      *swiss.Map[uintptr, *block]
	freeLists  [maxSizeClasses]*block
	headBlock  *block
	allocCount int
}

// New maps an anonymous region of the requested size and prepares it for
// allocation. size is rounded up to the block alignment.
func New(logger *slog.Logger, size int) (*Arena, error) {
	if size < minBlockSize {
		return nil, errors.Errorf("arena size %d is below the minimum block size %d", size, minBlockSize)
	}
	size = memsan.AlignUp(size, blockAlignment)

	region, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to map a %d-byte arena region", size)
	}

	a := &Arena{
		logger: logger,
		region: region,
		base:   uintptr(unsafe.Pointer(&region[0])),
		taken:  swiss.NewMap[uintptr, *block](42),
	}

	whole := a.allocateBlock()
	whole.offset = 0
	whole.size = size
	whole.MarkFree()
	a.headBlock = whole
	a.pushFree(whole)

	return a, nil
}

// Base returns the address of the first byte of the arena region.
func (a *Arena) Base() uintptr {
	return a.base
}

// Size returns the full span of the arena region in bytes.
func (a *Arena) Size() int {
	return len(a.region)
}

func (a *Arena) allocateBlock() *block {
	b := blockAllocator.Get().(*block)
	b.offset = 0
	b.size = 0
	b.payload = 0
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.prevFree = nil
	b.nextFree = nil
	return b
}

func (a *Arena) recycleBlock(b *block) {
	blockAllocator.Put(b)
}

func sizeClass(size int) int {
	class := bits.Len(uint(size - 1))
	if class >= maxSizeClasses {
		class = maxSizeClasses - 1
	}
	return class
}

func (a *Arena) pushFree(b *block) {
	class := sizeClass(b.size)
	b.prevFree = nil
	b.nextFree = a.freeLists[class]
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	}
	a.freeLists[class] = b
}

func (a *Arena) unlinkFree(b *block) {
	class := sizeClass(b.size)
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		a.freeLists[class] = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.prevFree = nil
	b.nextFree = nil
}

// AlignedAlloc returns a pointer to size bytes aligned to align, or an error
// when no free block can satisfy the request. align must be a power of two.
func (a *Arena) AlignedAlloc(align uint, size int) (unsafe.Pointer, error) {
	if size < 1 {
		return nil, errors.Errorf("invalid allocation size: %d", size)
	}
	if align < blockAlignment {
		align = blockAlignment
	}
	err := memsan.CheckPow2(align, "align")
	if err != nil {
		return nil, err
	}

	memsan.DebugValidate(a)

	// The worst-case span covers the gap, alignment slack and payload.
	worstCase := HeaderGap + int(align) + memsan.AlignUp(size, blockAlignment)

	for class := sizeClass(worstCase); class < maxSizeClasses; class++ {
		for candidate := a.freeLists[class]; candidate != nil; candidate = candidate.nextFree {
			// Alignment is a property of the absolute address, not the
			// base-relative offset: mmap only guarantees page alignment, so
			// for larger alignments the two disagree.
			payload := int(memsan.AlignUpAddr(a.base+uintptr(candidate.offset+HeaderGap), uintptr(align)) - a.base)
			end := memsan.AlignUp(payload+size, blockAlignment)
			if end > candidate.offset+candidate.size {
				continue
			}

			a.unlinkFree(candidate)
			a.splitTail(candidate, end)

			candidate.MarkTaken()
			candidate.payload = payload
			a.allocCount++

			ptr := a.base + uintptr(payload)
			a.taken.Put(ptr, candidate)
			return unsafe.Pointer(&a.region[payload]), nil
		}
	}

	return nil, errors.Errorf("arena exhausted: no free block for %d bytes at alignment %d", size, align)
}

// splitTail carves the span past end off b into a fresh free block when the
// remainder is large enough to be useful.
func (a *Arena) splitTail(b *block, end int) {
	remainder := b.offset + b.size - end
	if remainder < minBlockSize {
		return
	}

	tail := a.allocateBlock()
	tail.offset = end
	tail.size = remainder
	tail.MarkFree()

	tail.prevPhysical = b
	tail.nextPhysical = b.nextPhysical
	if tail.nextPhysical != nil {
		tail.nextPhysical.prevPhysical = tail
	}
	b.nextPhysical = tail
	b.size -= remainder

	a.pushFree(tail)
}

// Free releases a block previously returned by AlignedAlloc, coalescing it
// with free physical neighbors.
func (a *Arena) Free(p unsafe.Pointer) {
	b, present := a.taken.Get(uintptr(p))
	if !present {
		panic("arena: freeing a pointer this arena never returned")
	}
	a.taken.Delete(uintptr(p))
	a.allocCount--

	b.MarkFree()
	b.payload = 0

	prev := b.prevPhysical
	if prev != nil && prev.IsFree() {
		a.unlinkFree(prev)
		prev.size += b.size
		prev.nextPhysical = b.nextPhysical
		if b.nextPhysical != nil {
			b.nextPhysical.prevPhysical = prev
		}
		a.recycleBlock(b)
		b = prev
	}

	next := b.nextPhysical
	if next != nil && next.IsFree() {
		a.unlinkFree(next)
		b.size += next.size
		b.nextPhysical = next.nextPhysical
		if next.nextPhysical != nil {
			next.nextPhysical.prevPhysical = b
		}
		a.recycleBlock(next)
	}

	a.pushFree(b)
}

// UsableSize returns the number of bytes usable at p, from the payload start
// to the end of its block. This is never less than the size requested at
// allocation time.
func (a *Arena) UsableSize(p unsafe.Pointer) int {
	b, present := a.taken.Get(uintptr(p))
	if !present {
		panic("arena: querying a pointer this arena never returned")
	}
	return b.offset + b.size - b.payload
}

// AllocationCount returns the number of live blocks.
func (a *Arena) AllocationCount() int {
	return a.allocCount
}

// Validate performs internal consistency checks on the block chains. When the
// arena is functioning correctly it cannot return an error, but it may assist
// in diagnosing issues with the implementation.
func (a *Arena) Validate() error {
	var calculatedSize, freeListCount, freeCount, takenCount int

	for class := 0; class < maxSizeClasses; class++ {
		for b := a.freeLists[class]; b != nil; b = b.nextFree {
			if !b.IsFree() {
				return errors.Errorf("block at offset %d is in a free list but is not free", b.offset)
			}
			if sizeClass(b.size) != class {
				return errors.Errorf("block at offset %d with size %d is filed under class %d", b.offset, b.size, class)
			}
			if b.nextFree != nil && b.nextFree.prevFree != b {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next free block, but the reverse reference is broken", b.offset, b.nextFree.offset)
			}
			freeListCount++
		}
	}

	nextOffset := 0
	for b := a.headBlock; b != nil; b = b.nextPhysical {
		if b.offset != nextOffset {
			return errors.Errorf("physical block at offset %d does not start at the previous block's end offset %d", b.offset, nextOffset)
		}
		nextOffset = b.offset + b.size
		calculatedSize += b.size

		if b.IsFree() {
			freeCount++
			if b.nextPhysical != nil && b.nextPhysical.IsFree() {
				return errors.Errorf("adjacent free blocks at offsets %d and %d were not coalesced", b.offset, b.nextPhysical.offset)
			}
		} else {
			takenCount++
			if b.payload < b.offset+HeaderGap {
				return errors.Errorf("taken block at offset %d has a payload at %d, inside its header gap", b.offset, b.payload)
			}
		}

		if b.nextPhysical != nil && b.nextPhysical.prevPhysical != b {
			return errors.Errorf("block at offset %d has a next physical block, but the reverse reference is broken", b.offset)
		}
	}

	if calculatedSize != len(a.region) {
		return errors.Errorf("the arena region is %d bytes, but the blocks only added up to %d", len(a.region), calculatedSize)
	}
	if freeListCount != freeCount {
		return errors.Errorf("the physical chain has %d free blocks but the free lists hold %d", freeCount, freeListCount)
	}
	if takenCount != a.allocCount {
		return errors.Errorf("the allocation count is %d, but the taken blocks only added up to %d", a.allocCount, takenCount)
	}
	if a.taken.Count() != a.allocCount {
		return errors.Errorf("the payload index holds %d entries for %d allocations", a.taken.Count(), a.allocCount)
	}

	return nil
}

// AddDetailedStatistics sums this arena's allocation statistics into stats.
func (a *Arena) AddDetailedStatistics(stats *memsan.DetailedStatistics) {
	for b := a.headBlock; b != nil; b = b.nextPhysical {
		if !b.IsFree() {
			stats.AddAllocation(b.offset + b.size - b.payload)
		}
	}
}

// Destroy releases the arena region. Any allocations still live are logged
// and reported as an error, but the region is unmapped regardless.
func (a *Arena) Destroy() error {
	var leaked error
	if a.allocCount != 0 {
		a.taken.Iter(func(ptr uintptr, b *block) bool {
			a.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED MEMORY] unfreed allocation",
				slog.Uint64("address", uint64(ptr)),
				slog.Int("size", b.offset+b.size-b.payload))
			return false
		})
		leaked = errors.Errorf("%d allocations were not freed before the destruction of this arena", a.allocCount)
	}

	err := unix.Munmap(a.region)
	if err != nil {
		return cerrors.Wrap(err, "failed to unmap the arena region")
	}

	a.region = nil
	a.base = 0
	a.headBlock = nil
	return leaked
}
