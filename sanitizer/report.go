package sanitizer

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/shadowheap/memsan/shadow"
	"golang.org/x/exp/slog"
)

// FaultExitStatus is the sentinel process exit status used for every detected
// violation, distinct from normal program exit codes so a supervising process
// can recognize "terminated by the memory-safety runtime".
const FaultExitStatus = 66

// AccessOperation distinguishes what the instrumented code was doing when the
// violation was confirmed.
type AccessOperation uint8

const (
	OpLoad AccessOperation = iota
	OpStore
	OpFree
)

func (op AccessOperation) String() string {
	switch op {
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpFree:
		return "free"
	}
	return "unknown"
}

// FaultReport describes one confirmed violation. By the time a handler sees
// it, the diagnostic line and backtrace have already been written to standard
// error; the process state is considered untrustworthy and no caller resumes.
type FaultReport struct {
	Op      AccessOperation
	Addr    uintptr
	Size    int
	Kind    shadow.PoisonKind
	Message string
}

// FaultHandler is the strategy invoked at the end of the fault path. The
// contract is that HandleFault never returns; the default implementation
// traps and exits, and the runtime backstops a handler that returns anyway
// with process exit.
type FaultHandler interface {
	HandleFault(report *FaultReport)
}

// ExitFaultHandler is the default handler: a debug trap for any attached
// debugger, then process termination with the sentinel status.
type ExitFaultHandler struct{}

func (ExitFaultHandler) HandleFault(report *FaultReport) {
	runtime.Breakpoint()
	os.Exit(FaultExitStatus)
}

// symbolizer renders program counters as function/file/line, caching resolved
// frames since the fault path may be preceded by many probe-driven lookups in
// long diagnostics.
type symbolizer struct {
	cache *swiss.Map[uintptr, runtime.Frame]
}

func newSymbolizer() *symbolizer {
	return &symbolizer{
		cache: swiss.NewMap[uintptr, runtime.Frame](42),
	}
}

func (sy *symbolizer) frame(pc uintptr) runtime.Frame {
	cached, present := sy.cache.Get(pc)
	if present {
		return cached
	}

	frames := runtime.CallersFrames([]uintptr{pc})
	resolved, _ := frames.Next()
	sy.cache.Put(pc, resolved)
	return resolved
}

// PrintBacktrace walks the calling goroutine's stack, skipping the runtime's
// own frames, and writes one symbolized line per frame.
func (sy *symbolizer) PrintBacktrace(w io.Writer, skip int) {
	var pcs [64]uintptr
	depth := runtime.Callers(skip+2, pcs[:])

	for _, pc := range pcs[:depth] {
		resolved := sy.frame(pc)
		name := resolved.Function
		if name == "" {
			name = "???"
		}
		fmt.Fprintf(w, "%s\n\t%s:%d\n", name, resolved.File, resolved.Line)
	}
}

// die finishes the fault path: diagnostic line, backtrace, structured log
// record, handler. It never returns.
func (s *Sanitizer) die(report *FaultReport) {
	fmt.Fprintln(os.Stderr, report.Message)
	s.symbols.PrintBacktrace(os.Stderr, 2)

	s.logger.LogAttrs(context.Background(), slog.LevelError,
		"memory-safety violation",
		slog.String("operation", report.Op.String()),
		slog.Uint64("address", uint64(report.Addr)),
		slog.Int("size", report.Size),
		slog.String("poison", report.Kind.String()))

	s.handler.HandleFault(report)
	os.Exit(FaultExitStatus)
}

func (s *Sanitizer) reportAccessFault(addr uintptr, size int, op AccessOperation) {
	kind := s.mapping.KindAt(addr)
	report := &FaultReport{
		Op:   op,
		Addr: addr,
		Size: size,
		Kind: kind,
		Message: fmt.Sprintf("error: %s %d-byte %s at 0x%016x",
			kind.AccessDescription(), size, op, uint64(addr)),
	}
	s.die(report)
}

func (s *Sanitizer) reportDeallocateFault(addr uintptr, poison int8) {
	kind := shadow.PoisonKind(poison)
	report := &FaultReport{
		Op:   OpFree,
		Addr: addr,
		Kind: kind,
		Message: fmt.Sprintf("error: %s %d at 0x%016x",
			kind.FreeDescription(), poison, uint64(addr)),
	}
	s.die(report)
}

// mapFailure aborts on shadow resource exhaustion: without backing shadow,
// no instrumented access can be validated.
func (s *Sanitizer) mapFailure(err error) {
	fmt.Fprintf(os.Stderr, "error: shadow mapping failed: %v\n", err)
	s.logger.LogAttrs(context.Background(), slog.LevelError,
		"shadow mapping failed, aborting",
		slog.Any("error", err))
	os.Exit(FaultExitStatus)
}

// ReportLoad is the read-fault entry point of the compiler-codegen contract,
// called when an instrumented load's inline shadow probe failed. It never
// returns.
func (s *Sanitizer) ReportLoad(p unsafe.Pointer, size int) {
	s.reportAccessFault(uintptr(p), size, OpLoad)
}

// ReportStore is the write-fault entry point of the compiler-codegen
// contract. It never returns.
func (s *Sanitizer) ReportStore(p unsafe.Pointer, size int) {
	s.reportAccessFault(uintptr(p), size, OpStore)
}

// CheckLoad probes the shadow encoding for [p, p+size) and reports a read
// fault at the first unaddressable byte, if any. Returns only when the
// access is valid.
func (s *Sanitizer) CheckLoad(p unsafe.Pointer, size int) {
	bad, poisoned := s.mapping.Probe(uintptr(p), size)
	if poisoned {
		s.reportAccessFault(bad.Addr, size, OpLoad)
	}
}

// CheckStore probes the shadow encoding for [p, p+size) and reports a write
// fault at the first unaddressable byte, if any. Returns only when the
// access is valid.
func (s *Sanitizer) CheckStore(p unsafe.Pointer, size int) {
	bad, poisoned := s.mapping.Probe(uintptr(p), size)
	if poisoned {
		s.reportAccessFault(bad.Addr, size, OpStore)
	}
}
