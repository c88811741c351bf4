package sanitizer

import (
	"unsafe"

	"github.com/shadowheap/memsan/shadow"
)

// StackAlloc carves a compiler-managed fixed-size local buffer out of the
// side stack region, with stack-kind redzones on both sides. frameClass is
// the compiler's size-class discriminator; it is carried for the codegen
// contract but does not change placement. Returns nil when the side stack is
// exhausted, in which case the compiler falls back to the real stack.
func (s *Sanitizer) StackAlloc(size int, frameClass int) unsafe.Pointer {
	return s.allocate(stackAlignment, size, stackRedzoneSize, shadow.StackUnderrun, shadow.StackOverrun)
}

// StackFree releases a StackAlloc buffer at scope exit. The whole region is
// stamped with the stack-freed kind before release, so a dangling reference
// to an exited scope's local still faults while the buffer sits in
// quarantine.
func (s *Sanitizer) StackFree(p unsafe.Pointer, size int, frameClass int) {
	s.deallocate(p, shadow.StackFree)
}

// AllocaPoison applies the redzone protocol to a dynamic-size local buffer
// whose extent is only known at run time: the payload stays addressable and
// [size, size+32) takes the dynamic-local overrun kind.
func (s *Sanitizer) AllocaPoison(addr uintptr, size int) {
	err := s.mapping.EnsureMapped(addr, size+stackRedzoneSize)
	if err != nil {
		s.mapFailure(err)
	}
	s.mapping.PoisonRedzone(addr, size, size+stackRedzoneSize, shadow.AllocaOverrun)
}

// AllocasUnpoison bulk-clears the contiguous span [top, bottom), used when
// one scope exit (an early return, say) crosses several nested dynamic
// buffers at once. Endpoints are expected to be 8-aligned; a misaligned tail
// is rounded inward.
func (s *Sanitizer) AllocasUnpoison(top uintptr, bottom uintptr) {
	s.mapping.ClearRange(top, bottom)
}

// PoisonScope marks an arbitrary range with the generic unscoped tag, for
// compiler-inserted scope-lifetime tracking that maps to neither stack nor
// dynamic-local allocation.
func (s *Sanitizer) PoisonScope(addr uintptr, size int) {
	err := s.mapping.EnsureMapped(addr, size)
	if err != nil {
		s.mapFailure(err)
	}
	s.mapping.Poison(addr, size, shadow.Unscoped)
}

// UnpoisonScope clears a range previously marked by PoisonScope.
func (s *Sanitizer) UnpoisonScope(addr uintptr, size int) {
	s.mapping.UnpoisonScope(addr, size)
}
