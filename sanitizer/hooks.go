package sanitizer

import "unsafe"

// Hooks is the set of rebindable allocation entry points a host program may
// expose. Every slot is optional: the runtime fills only the slots the host
// actually provides. A host with no rebindable slots simply never installs
// the decorator, and the instrumentation stays active for stack and global
// checks regardless.
type Hooks struct {
	Malloc     *func(size int) unsafe.Pointer
	Free       *func(p unsafe.Pointer)
	Calloc     *func(n, m int) unsafe.Pointer
	Realloc    *func(p unsafe.Pointer, size int) unsafe.Pointer
	Memalign   *func(align uint, size int) unsafe.Pointer
	Valloc     *func(size int) unsafe.Pointer
	Pvalloc    *func(size int) unsafe.Pointer
	UsableSize *func(p unsafe.Pointer) int
}

// InstallHooks rebinds whichever allocation entry points the host exposes to
// this runtime's wrapped allocator. A nil hooks value, or a nil slot, is not
// an error.
func (s *Sanitizer) InstallHooks(hooks *Hooks) {
	if hooks == nil {
		return
	}

	if hooks.Malloc != nil {
		*hooks.Malloc = s.Malloc
	}
	if hooks.Free != nil {
		*hooks.Free = s.Free
	}
	if hooks.Calloc != nil {
		*hooks.Calloc = s.Calloc
	}
	if hooks.Realloc != nil {
		*hooks.Realloc = s.Realloc
	}
	if hooks.Memalign != nil {
		*hooks.Memalign = s.Memalign
	}
	if hooks.Valloc != nil {
		*hooks.Valloc = s.Valloc
	}
	if hooks.Pvalloc != nil {
		*hooks.Pvalloc = s.Pvalloc
	}
	if hooks.UsableSize != nil {
		*hooks.UsableSize = s.UsableSize
	}
}
