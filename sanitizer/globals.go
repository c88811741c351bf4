package sanitizer

import (
	"context"

	"github.com/shadowheap/memsan"
	"github.com/shadowheap/memsan/shadow"
	"golang.org/x/exp/slog"
)

// SourceLocation is the optional definition site of an instrumented global.
type SourceLocation struct {
	Filename string
	Line     int
	Column   int
}

// Global describes one module-scope variable registered by a translation
// unit at startup. The layout mirrors the instrumentation descriptor: the
// raw size, the size including the trailing redzone, and an ODR guard that
// identifies the variable across translation units.
type Global struct {
	Addr            uintptr
	Size            int
	SizeWithRedzone int
	Name            string
	ModuleName      string
	HasDynamicInit  bool
	Location        *SourceLocation
	ODRIndicator    uintptr
}

// RegisterGlobals poisons each descriptor's trailing [size, size_with_redzone)
// range with the global-overrun kind. Registering the same address twice is
// logged as a one-definition-rule violation but still applied, matching the
// tolerant behavior instrumented programs rely on.
func (s *Sanitizer) RegisterGlobals(globals []Global) {
	for i := range globals {
		g := globals[i]

		err := s.mapping.EnsureMapped(g.Addr, g.SizeWithRedzone)
		if err != nil {
			s.mapFailure(err)
		}

		_, present := s.registeredGlobals.Get(g.Addr)
		if present {
			s.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"global registered twice, possible ODR violation",
				slog.String("name", g.Name),
				slog.String("module", g.ModuleName),
				slog.Uint64("address", uint64(g.Addr)))
		}
		s.registeredGlobals.Put(g.Addr, g)

		s.mapping.PoisonRedzone(g.Addr, g.Size, g.SizeWithRedzone, shadow.GlobalOverrun)
	}
}

// UnregisterGlobals stamps each descriptor's 8-aligned extended range with
// the global-unregistered kind at teardown, so a post-teardown access is
// distinguishable from an access to a global that was never registered.
func (s *Sanitizer) UnregisterGlobals(globals []Global) {
	for i := range globals {
		g := globals[i]

		lo := memsan.AlignUpAddr(g.Addr, shadow.WordSize)
		hi := memsan.AlignDownAddr(g.Addr+uintptr(g.SizeWithRedzone), shadow.WordSize)
		if hi > lo {
			s.mapping.Fill(lo, int((hi-lo)>>shadow.Scale), shadow.GlobalUnregistered)
		}

		s.registeredGlobals.Delete(g.Addr)
	}
}

// RegisteredGlobalCount returns the number of globals currently registered.
func (s *Sanitizer) RegisteredGlobalCount() int {
	return s.registeredGlobals.Count()
}
