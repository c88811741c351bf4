// Package sanitizer is the memory-safety instrumentation runtime. It wraps an
// underlying allocator with redzone poisoning and a deferred-release
// quarantine, applies the same poison protocol to stack, global and
// dynamic-local regions, and terminates the process with a diagnostic when
// instrumented code touches memory its shadow encoding marks unaddressable.
package sanitizer

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/shadowheap/memsan"
	"github.com/shadowheap/memsan/shadow"
	"golang.org/x/exp/slog"
)

// Allocator is the underlying general-purpose allocator the runtime wraps.
// Its bin algorithms are opaque here; the runtime only requires that usable
// size is never less than the requested size, that at least 32 non-payload
// bytes precede every returned pointer, and that released memory is never
// touched again.
type Allocator interface {
	AlignedAlloc(align uint, size int) (unsafe.Pointer, error)
	Free(p unsafe.Pointer)
	UsableSize(p unsafe.Pointer) int
}

// Region is a span of application memory the runtime should instrument,
// supplied by the host for areas it does not allocate itself: the program
// image, the initial stack, argument and environment strings.
type Region struct {
	Addr uintptr
	Size int
}

// CreateOptions adjusts runtime construction. It is valid to leave all the
// fields blank.
type CreateOptions struct {
	// ShadowOffset is the displacement used to derive shadow addresses.
	// 0 selects shadow.DefaultOffset.
	ShadowOffset uintptr
	// QuarantineCapacity is the number of freed blocks retained in their
	// poisoned state before physical release. It must be a power of two;
	// 0 selects DefaultQuarantineCapacity.
	QuarantineCapacity int
	// FaultHandler replaces the default process-terminating handler. Its
	// contract is that it never returns; a handler that returns anyway is
	// backstopped by process exit.
	FaultHandler FaultHandler
	// BootstrapRegions are instrumented before the runtime is returned.
	BootstrapRegions []Region
}

// DefaultQuarantineCapacity bounds the use-after-free detection window when
// CreateOptions does not say otherwise.
const DefaultQuarantineCapacity = 16

// Sanitizer owns all mutable runtime state: the shadow mapping and its
// interval registry, the quarantine ring, the symbol cache and the
// statistics. It has a single-owner, single-goroutine lifecycle; no internal
// locking exists, and concurrent frees or concurrent poisoning of one shadow
// word are corruption hazards. A multi-goroutine port requires a lock or a
// sharded design around the quarantine ring and shadow writes.
type Sanitizer struct {
	logger     *slog.Logger
	mapping    *shadow.Mapping
	underlying Allocator
	quarantine *Quarantine
	handler    FaultHandler
	symbols    *symbolizer

	registeredGlobals *swiss.Map[uintptr, Global]

	liveCount    int
	liveBytes    int
	redzoneBytes int
	sizeMin      int
	sizeMax      int
}

// New constructs a runtime around the provided underlying allocator.
//
// logger - structured telemetry target; fault diagnostics additionally go to
// standard error in the fixed wire format regardless of the logger
//
// underlying - the allocator whose entry points the runtime decorates
//
// options - optional parameters; it is valid to leave all the fields blank
func New(logger *slog.Logger, underlying Allocator, options CreateOptions) (*Sanitizer, error) {
	if underlying == nil {
		panic("attempting to create a sanitizer without an underlying allocator")
	}

	capacity := options.QuarantineCapacity
	if capacity == 0 {
		capacity = DefaultQuarantineCapacity
	}

	quarantine, err := NewQuarantine(capacity)
	if err != nil {
		return nil, err
	}

	handler := options.FaultHandler
	if handler == nil {
		handler = ExitFaultHandler{}
	}

	s := &Sanitizer{
		logger:            logger,
		mapping:           shadow.CreateMapping(logger, options.ShadowOffset),
		underlying:        underlying,
		quarantine:        quarantine,
		handler:           handler,
		symbols:           newSymbolizer(),
		registeredGlobals: swiss.NewMap[uintptr, Global](42),
	}
	s.sizeMin = -1

	for _, region := range options.BootstrapRegions {
		err = s.mapping.EnsureMapped(region.Addr, region.Size)
		if err != nil {
			return nil, cerrors.Wrapf(err, "failed to instrument bootstrap region 0x%x", region.Addr)
		}
	}

	return s, nil
}

// Bootstrap instruments additional host-supplied regions after construction,
// e.g. when a fresh allocator arena comes under instrumentation. A mapping
// failure is fatal: the runtime cannot safely validate further accesses.
func (s *Sanitizer) Bootstrap(regions []Region) {
	for _, region := range regions {
		err := s.mapping.EnsureMapped(region.Addr, region.Size)
		if err != nil {
			s.mapFailure(err)
		}
	}
}

// Mapping exposes the shadow mapping for direct probes.
func (s *Sanitizer) Mapping() *shadow.Mapping {
	return s.mapping
}

func (s *Sanitizer) noteAllocated(size int, redzone int) {
	s.liveCount++
	s.liveBytes += size
	s.redzoneBytes += redzone

	if s.sizeMin < 0 || size < s.sizeMin {
		s.sizeMin = size
	}
	if size > s.sizeMax {
		s.sizeMax = size
	}
}

func (s *Sanitizer) noteFreed(size int) {
	s.liveCount--
	s.liveBytes -= size
}

// AddDetailedStatistics sums this runtime's current footprint into stats.
// Statistics are advisory; the fault path never consults them.
func (s *Sanitizer) AddDetailedStatistics(stats *memsan.DetailedStatistics) {
	s.mapping.AddStatistics(&stats.Statistics)

	stats.AllocationCount += s.liveCount
	stats.AllocationBytes += s.liveBytes
	stats.RedzoneBytes += s.redzoneBytes
	stats.QuarantinedCount += s.quarantine.Len()
	stats.QuarantinedBytes += s.quarantine.Bytes()

	if s.liveCount > 0 {
		if s.sizeMin < stats.AllocationSizeMin {
			stats.AllocationSizeMin = s.sizeMin
		}
		if s.sizeMax > stats.AllocationSizeMax {
			stats.AllocationSizeMax = s.sizeMax
		}
	}
}

// Validate performs internal consistency checks on the runtime's shadow
// registry and quarantine.
func (s *Sanitizer) Validate() error {
	err := s.mapping.Validate()
	if err != nil {
		return err
	}
	return s.quarantine.Validate()
}

// Destroy flushes the quarantine, releases the shadow mappings and renders
// the runtime unusable. Allocations still live are logged and reported as an
// error; their memory belongs to the underlying allocator and is not
// reclaimed here.
func (s *Sanitizer) Destroy() error {
	if s.underlying == nil {
		panic("attempting to destroy a sanitizer that was already destroyed")
	}

	s.quarantine.Flush(func(p unsafe.Pointer) {
		s.underlying.Free(p)
	})

	var leaked error
	if s.liveCount != 0 {
		s.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] allocations still live at sanitizer teardown",
			slog.Int("count", s.liveCount),
			slog.Int("bytes", s.liveBytes))
		leaked = cerrors.Newf("%d allocations were not freed before the destruction of this sanitizer", s.liveCount)
	}

	err := s.mapping.Destroy()
	if err != nil {
		return err
	}

	s.underlying = nil
	return leaked
}
