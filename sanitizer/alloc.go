package sanitizer

import (
	"math"
	"math/bits"
	"os"
	"unsafe"

	"github.com/shadowheap/memsan"
	"github.com/shadowheap/memsan/shadow"
)

const (
	// heapRedzoneSize is the poisoned span kept on each side of a heap
	// payload. The front redzone overlays the underlying allocator's
	// non-payload gap, so only the back redzone consumes extra space in the
	// request.
	heapRedzoneSize = 16
	// stackRedzoneSize is the wider margin used for compiler-managed stack
	// and dynamic-local buffers.
	stackRedzoneSize = 32

	heapAlignment  = 16
	stackAlignment = 32
)

// allocate requests the extended block, ensures shadow is backed for it and
// writes the canonical live-allocation shadow run:
// [underrun][underrun...][valid words][partial count?][overrun][overrun...].
// A nil return means the underlying allocator could not satisfy the request;
// allocation failure is a normal, recoverable condition and never a fault.
func (s *Sanitizer) allocate(align uint, size int, redzone int, underrun, overrun shadow.PoisonKind) unsafe.Pointer {
	memsan.DebugCheckPow2(align, "allocation alignment")

	if size < 0 || size > math.MaxInt-redzone-shadow.WordSize {
		return nil
	}

	extended := memsan.AlignUp(size, shadow.WordSize) + redzone
	p, err := s.underlying.AlignedAlloc(align, extended)
	if err != nil {
		return nil
	}

	addr := uintptr(p)
	err = s.mapping.EnsureMapped(addr-uintptr(redzone), redzone+extended)
	if err != nil {
		s.mapFailure(err)
	}

	s.mapping.Fill(addr-uintptr(redzone), redzone>>shadow.Scale, underrun)
	s.mapping.Unpoison(addr, size)
	s.mapping.PoisonRedzone(addr, size, extended, overrun)

	s.noteAllocated(size, redzone+extended-size)
	return p
}

// deallocate validates the pointer's shadow state, stamps the whole
// allocation run with kind and defers the raw pointer to the quarantine,
// physically releasing whichever occupant the ring evicts.
func (s *Sanitizer) deallocate(p unsafe.Pointer, kind shadow.PoisonKind) {
	addr := uintptr(p)

	poison, mapped := s.mapping.Load(addr)
	// 0..7 is a live payload start; the overrun tag is the degenerate
	// zero-size allocation. Anything else is a bad or repeat free.
	if !mapped || poison >= shadow.WordSize ||
		(poison < 0 && shadow.PoisonKind(poison) != shadow.HeapOverrun &&
			shadow.PoisonKind(poison) != shadow.StackOverrun) {
		s.reportDeallocateFault(addr, poison)
	}

	payloadSize := s.mapping.ValidSpan(addr)
	usable := s.underlying.UsableSize(p)

	err := s.mapping.EnsureMapped(addr, usable)
	if err != nil {
		s.mapFailure(err)
	}

	memsan.FillFreed(p, payloadSize)
	s.mapping.Fill(addr, usable>>shadow.Scale, kind)

	evicted, _ := s.quarantine.Add(p, payloadSize)
	if evicted != nil {
		s.underlying.Free(evicted)
	}

	s.noteFreed(payloadSize)
}

// Malloc allocates size bytes with the default heap alignment. Returns nil
// on allocation failure.
func (s *Sanitizer) Malloc(size int) unsafe.Pointer {
	return s.Memalign(heapAlignment, size)
}

// Memalign allocates size bytes aligned to align. Returns nil on allocation
// failure.
func (s *Sanitizer) Memalign(align uint, size int) unsafe.Pointer {
	return s.allocate(align, size, heapRedzoneSize, shadow.HeapUnderrun, shadow.HeapOverrun)
}

// Calloc allocates a zeroed array of n elements of m bytes each. A product
// that overflows the size type is treated as an impossible request and
// returns nil rather than silently wrapping.
func (s *Sanitizer) Calloc(n int, m int) unsafe.Pointer {
	if n < 0 || m < 0 {
		return nil
	}

	hi, size := bits.Mul(uint(n), uint(m))
	if hi != 0 || size > math.MaxInt {
		return nil
	}

	p := s.Malloc(int(size))
	if p != nil {
		payload := unsafe.Slice((*byte)(p), int(size))
		for i := range payload {
			payload[i] = 0
		}
	}
	return p
}

// Realloc resizes an allocation. A nil p behaves as Malloc; a zero size
// behaves as Free. Otherwise a fresh block is allocated, min(size, old
// usable size) bytes are copied, and the old block is poisoned with the
// relocated kind so late accesses through the stale pointer are reported
// distinctly from a plain use-after-free.
func (s *Sanitizer) Realloc(p unsafe.Pointer, size int) unsafe.Pointer {
	if p == nil {
		return s.Malloc(size)
	}
	if size == 0 {
		s.Free(p)
		return nil
	}

	fresh := s.Malloc(size)
	if fresh == nil {
		return nil
	}

	copySize := s.underlying.UsableSize(p)
	if size < copySize {
		copySize = size
	}
	copy(unsafe.Slice((*byte)(fresh), copySize), unsafe.Slice((*byte)(p), copySize))

	s.deallocate(p, shadow.Relocated)
	return fresh
}

// Valloc allocates size bytes aligned to the page size.
func (s *Sanitizer) Valloc(size int) unsafe.Pointer {
	return s.allocate(uint(os.Getpagesize()), size, heapRedzoneSize, shadow.HeapUnderrun, shadow.HeapOverrun)
}

// Pvalloc allocates page-aligned memory rounded up to a whole number of
// pages.
func (s *Sanitizer) Pvalloc(size int) unsafe.Pointer {
	return s.Valloc(memsan.AlignUp(size, uint(os.Getpagesize())))
}

// Free releases an allocation through the quarantine. A nil pointer is a
// no-op. An invalid or already-freed pointer is a fault naming the stale
// poison kind; that path never returns.
func (s *Sanitizer) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	s.deallocate(p, shadow.HeapFree)
}

// UsableSize reproduces the payload size the shadow encoding represents:
// 8 per fully addressable word plus the valid prefix of the trailing partial
// word, stopping at the first redzone byte.
func (s *Sanitizer) UsableSize(p unsafe.Pointer) int {
	return s.mapping.ValidSpan(uintptr(p))
}
