package sanitizer_test

import (
	"math"
	"os"
	"testing"
	"unsafe"

	"github.com/shadowheap/memsan"
	"github.com/shadowheap/memsan/arena"
	"github.com/shadowheap/memsan/sanitizer"
	"github.com/shadowheap/memsan/shadow"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

// faultPanic carries a report out of the diverging fault path so tests can
// examine it. The production handler terminates the process instead.
type faultPanic struct {
	report *sanitizer.FaultReport
}

type panicFaultHandler struct{}

func (panicFaultHandler) HandleFault(report *sanitizer.FaultReport) {
	panic(&faultPanic{report: report})
}

func createRuntime(t *testing.T, options sanitizer.CreateOptions) (*sanitizer.Sanitizer, *arena.Arena) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := arena.New(logger, 1<<20)
	require.NoError(t, err)

	if options.FaultHandler == nil {
		options.FaultHandler = panicFaultHandler{}
	}

	s, err := sanitizer.New(logger, heap, options)
	require.NoError(t, err)
	return s, heap
}

func requireFault(t *testing.T, operation func()) *sanitizer.FaultReport {
	var report *sanitizer.FaultReport

	func() {
		defer func() {
			recovered := recover()
			require.NotNil(t, recovered, "expected a memory-safety fault")
			fault, ok := recovered.(*faultPanic)
			require.True(t, ok, "unexpected panic: %v", recovered)
			report = fault.report
		}()
		operation()
	}()

	return report
}

func TestFullCoverageWriteNeverFaults(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	for _, size := range []int{0, 1, 7, 8, 9, 16, 100, 4096} {
		p := s.Malloc(size)
		require.NotNil(t, p, "allocation of %d bytes failed", size)

		for i := 0; i < size; i++ {
			s.CheckStore(unsafe.Add(p, i), 1)
		}
		if size > 0 {
			s.CheckStore(p, size)
			payload := unsafe.Slice((*byte)(p), size)
			for i := range payload {
				payload[i] = byte(i)
			}
		}

		s.Free(p)
	}
}

func TestExactBoundaryOverrun(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	p := s.Malloc(10)
	require.NotNil(t, p)

	// Offset 9 is the last valid byte.
	s.CheckStore(unsafe.Add(p, 9), 1)

	report := requireFault(t, func() {
		s.CheckStore(unsafe.Add(p, 10), 1)
	})
	require.Equal(t, sanitizer.OpStore, report.Op)
	require.Equal(t, shadow.HeapOverrun, report.Kind)
	require.Equal(t, uintptr(p)+10, report.Addr)
	require.Equal(t, 1, report.Size)
	require.Contains(t, report.Message, "heap overrun")
}

func TestReportEntryPointsDiverge(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	p := s.Malloc(16)
	require.NotNil(t, p)

	// The codegen contract calls these only after an inline probe already
	// failed, so they report unconditionally.
	report := requireFault(t, func() {
		s.ReportStore(unsafe.Add(p, 16), 4)
	})
	require.Equal(t, sanitizer.OpStore, report.Op)
	require.Equal(t, uintptr(p)+16, report.Addr)
	require.Equal(t, 4, report.Size)
	require.Equal(t, shadow.HeapOverrun, report.Kind)
	require.Contains(t, report.Message, "heap overrun 4-byte store")

	report = requireFault(t, func() {
		s.ReportLoad(unsafe.Add(p, -1), 8)
	})
	require.Equal(t, sanitizer.OpLoad, report.Op)
	require.Equal(t, uintptr(p)-1, report.Addr)
	require.Equal(t, shadow.HeapUnderrun, report.Kind)
	require.Contains(t, report.Message, "heap underrun 8-byte load")

	s.Free(p)
}

func TestDoubleFree(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	p := s.Malloc(32)
	require.NotNil(t, p)
	s.Free(p)

	report := requireFault(t, func() {
		s.Free(p)
	})
	require.Equal(t, sanitizer.OpFree, report.Op)
	require.Equal(t, shadow.HeapFree, report.Kind)
	require.Equal(t, uintptr(p), report.Addr)
	require.Contains(t, report.Message, "heap double free")
}

func TestUseAfterFreeWindow(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{QuarantineCapacity: 2})

	p := s.Malloc(24)
	require.NotNil(t, p)
	s.Free(p)

	report := requireFault(t, func() {
		s.CheckLoad(p, 1)
	})
	require.Equal(t, sanitizer.OpLoad, report.Op)
	require.Equal(t, shadow.HeapFree, report.Kind)
	require.Contains(t, report.Message, "heap use after free")

	// Push p out of the two-slot quarantine so it is physically released.
	for i := 0; i < 2; i++ {
		q := s.Malloc(24)
		require.NotNil(t, q)
		s.Free(q)
	}

	// A fresh allocation reusing released memory must not spuriously fault.
	fresh := s.Malloc(24)
	require.NotNil(t, fresh)
	for i := 0; i < 24; i++ {
		s.CheckStore(unsafe.Add(fresh, i), 1)
	}
	s.Free(fresh)
}

func TestReallocRelocates(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	p := s.Malloc(10)
	require.NotNil(t, p)
	old := unsafe.Slice((*byte)(p), 10)
	for i := range old {
		old[i] = byte(0xA0 + i)
	}

	grown := s.Realloc(p, 64)
	require.NotNil(t, grown)
	require.NotEqual(t, p, grown)

	moved := unsafe.Slice((*byte)(grown), 10)
	for i := range moved {
		require.Equal(t, byte(0xA0+i), moved[i])
	}
	for i := 0; i < 64; i++ {
		s.CheckStore(unsafe.Add(grown, i), 1)
	}

	// The old pointer faults with the relocate kind, distinct from a plain
	// use-after-free.
	report := requireFault(t, func() {
		s.CheckLoad(p, 1)
	})
	require.Equal(t, shadow.Relocated, report.Kind)
	require.Contains(t, report.Message, "heap use after relocate")

	report = requireFault(t, func() {
		s.Free(p)
	})
	require.Equal(t, shadow.Relocated, report.Kind)
	require.Contains(t, report.Message, "free after relocate")

	s.Free(grown)
}

func TestReallocDegenerateForms(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	// Nil pointer behaves as malloc.
	p := s.Realloc(nil, 16)
	require.NotNil(t, p)

	// Zero size behaves as free.
	require.Nil(t, s.Realloc(p, 0))
	report := requireFault(t, func() {
		s.CheckLoad(p, 1)
	})
	require.Equal(t, shadow.HeapFree, report.Kind)
}

func TestCallocOverflowFails(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	require.Nil(t, s.Calloc(math.MaxInt/2, 3))
	require.Nil(t, s.Calloc(-1, 8))

	p := s.Calloc(4, 8)
	require.NotNil(t, p)
	payload := unsafe.Slice((*byte)(p), 32)
	for i := range payload {
		require.Zero(t, payload[i])
	}
	s.Free(p)
}

func TestUsableSizeFidelity(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	for size := 0; size <= 40; size++ {
		p := s.Malloc(size)
		require.NotNil(t, p)
		require.Equal(t, size, s.UsableSize(p),
			"shadow encoding for a %d-byte allocation", size)
		s.Free(p)
	}
}

func TestMemalignAndPageAllocations(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	p := s.Memalign(64, 100)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)%64)
	s.Free(p)

	pageSize := uintptr(os.Getpagesize())
	p = s.Valloc(100)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)%pageSize)
	s.Free(p)

	p = s.Pvalloc(100)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)%pageSize)
	require.GreaterOrEqual(t, s.UsableSize(p), int(pageSize))
	s.Free(p)
}

func TestFreeNilIsNoOp(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})
	s.Free(nil)
}

func TestAllocationFailureIsNotAFault(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	heap, err := arena.New(logger, 4096)
	require.NoError(t, err)

	s, err := sanitizer.New(logger, heap, sanitizer.CreateOptions{
		FaultHandler: panicFaultHandler{},
	})
	require.NoError(t, err)

	// Exhaust the tiny arena; the wrapper must return nil, never fault.
	var live []unsafe.Pointer
	for {
		p := s.Malloc(512)
		if p == nil {
			break
		}
		live = append(live, p)
	}
	require.NotEmpty(t, live)

	for _, p := range live {
		s.Free(p)
	}
}

func TestLifecycleAndStatistics(t *testing.T) {
	s, heap := createRuntime(t, sanitizer.CreateOptions{})

	p1 := s.Malloc(100)
	require.NotNil(t, p1)
	p2 := s.Malloc(300)
	require.NotNil(t, p2)

	var stats memsan.DetailedStatistics
	stats.Clear()
	s.AddDetailedStatistics(&stats)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 400, stats.AllocationBytes)
	require.Positive(t, stats.RedzoneBytes)
	require.Positive(t, stats.ShadowFrameCount)
	require.Equal(t, 100, stats.AllocationSizeMin)
	require.Equal(t, 300, stats.AllocationSizeMax)
	require.Equal(t, 0, stats.QuarantinedCount)

	s.Free(p1)
	stats.Clear()
	s.AddDetailedStatistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 1, stats.QuarantinedCount)
	require.Equal(t, 100, stats.QuarantinedBytes)

	require.NoError(t, s.Validate())

	s.Free(p2)
	require.NoError(t, s.Destroy())
	require.NoError(t, heap.Destroy())
}

func TestDestroyReportsLeakedAllocations(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	p := s.Malloc(64)
	require.NotNil(t, p)

	require.Error(t, s.Destroy())
}

func TestBootstrapRegions(t *testing.T) {
	backing := make([]byte, 4096)
	base := uintptr(unsafe.Pointer(&backing[0]))

	s, _ := createRuntime(t, sanitizer.CreateOptions{
		BootstrapRegions: []sanitizer.Region{{Addr: base, Size: len(backing)}},
	})

	require.True(t, s.Mapping().IsMapped(base))
	s.CheckLoad(unsafe.Pointer(&backing[0]), len(backing))
}
