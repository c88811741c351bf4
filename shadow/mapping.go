package shadow

import (
	"context"
	"strconv"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/shadowheap/memsan"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

const (
	// Scale is the number of application address bits folded into one shadow
	// byte: one shadow byte describes 1<<Scale bytes of application memory.
	Scale = 3
	// WordSize is the span of application memory a single shadow byte covers.
	WordSize = 1 << Scale

	frameShift = 16
	// FrameSize is the granule at which shadow memory is backed by anonymous
	// mappings. Shadow addresses are taken modulo this to index their frame.
	FrameSize = 1 << frameShift

	// DefaultOffset is the displacement added to addr>>Scale to derive the
	// shadow address for an application address.
	DefaultOffset uintptr = 0x7fff8000
)

// BadAccess identifies the first unaddressable byte found by Probe, along
// with the poison kind its shadow carries.
type BadAccess struct {
	Addr uintptr
	Kind PoisonKind
}

// Mapping is the derived shadow address space for one runtime instance. It
// lazily backs 64KiB shadow frames with zero-filled anonymous mappings and
// tracks them in an interval registry so the membership test on every newly
// instrumented region is a single hash probe.
//
// A Mapping may only be mutated from one goroutine at a time. There is no
// internal locking; concurrent poisoning of the same word is a documented
// hazard of the runtime as a whole.
type Mapping struct {
	logger *slog.Logger
	offset uintptr

	frames     *swiss.Map[uintptr, []byte]
	frameCount int
}

// CreateMapping prepares an empty shadow mapping. A shadowOffset of 0 selects
// DefaultOffset. No shadow frames are backed until EnsureMapped is called.
func CreateMapping(logger *slog.Logger, shadowOffset uintptr) *Mapping {
	if shadowOffset == 0 {
		shadowOffset = DefaultOffset
	}

	return &Mapping{
		logger: logger,
		offset: shadowOffset,
		frames: swiss.NewMap[uintptr, []byte](42),
	}
}

// Offset returns the displacement this mapping applies after scaling.
func (m *Mapping) Offset() uintptr {
	return m.offset
}

func (m *Mapping) shadowAddr(addr uintptr) uintptr {
	return (addr >> Scale) + m.offset
}

// EnsureMapped guarantees that every shadow byte covering [addr, addr+size)
// is backed by readable, writable, zero-filled memory. Frames already present
// in the registry are skipped. A mapping failure means no further
// instrumented code can run safely; the caller is expected to treat the
// returned error as fatal.
func (m *Mapping) EnsureMapped(addr uintptr, size int) error {
	if size <= 0 {
		return nil
	}

	first := m.shadowAddr(addr) >> frameShift
	last := m.shadowAddr(addr+uintptr(size)-1) >> frameShift

	for frame := first; frame <= last; frame++ {
		_, present := m.frames.Get(frame)
		if present {
			continue
		}

		page, err := unix.Mmap(-1, 0, FrameSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return cerrors.Wrapf(err, "failed to back shadow frame 0x%x", frame<<frameShift)
		}

		m.frames.Put(frame, page)
		m.frameCount++
	}

	return nil
}

// IsMapped reports whether the shadow byte for addr is backed.
func (m *Mapping) IsMapped(addr uintptr) bool {
	_, present := m.frames.Get(m.shadowAddr(addr) >> frameShift)
	return present
}

// FrameCount returns the number of shadow frames currently backed.
func (m *Mapping) FrameCount() int {
	return m.frameCount
}

// Load reads the raw shadow byte for addr. The second return is false when
// the covering frame has never been mapped.
func (m *Mapping) Load(addr uintptr) (int8, bool) {
	return m.loadShadow(m.shadowAddr(addr))
}

func (m *Mapping) loadShadow(s uintptr) (int8, bool) {
	page, present := m.frames.Get(s >> frameShift)
	if !present {
		return 0, false
	}
	return int8(page[s&(FrameSize-1)]), true
}

func (m *Mapping) storeShadow(s uintptr, value int8) {
	page, present := m.frames.Get(s >> frameShift)
	if !present {
		panic("shadow byte written before its frame was mapped; call EnsureMapped first")
	}
	page[s&(FrameSize-1)] = uint8(value)
}

// setShadowRange writes value across count consecutive shadow bytes starting
// at shadow address s, crossing frame boundaries as needed.
func (m *Mapping) setShadowRange(s uintptr, count int, value int8) {
	for count > 0 {
		page, present := m.frames.Get(s >> frameShift)
		if !present {
			panic("shadow range written before its frames were mapped; call EnsureMapped first")
		}

		index := int(s & (FrameSize - 1))
		run := FrameSize - index
		if run > count {
			run = count
		}

		segment := page[index : index+run]
		for i := range segment {
			segment[i] = uint8(value)
		}

		s += uintptr(run)
		count -= run
	}
}

// Unpoison makes [addr, addr+size) addressable: zero for every full word and
// the exact valid-byte count for the trailing partial word. addr must be
// word-aligned.
func (m *Mapping) Unpoison(addr uintptr, size int) {
	s := m.shadowAddr(addr)
	fullWords := size / WordSize
	tail := size % WordSize

	m.setShadowRange(s, fullWords, 0)
	if tail != 0 {
		m.storeShadow(s+uintptr(fullWords), int8(tail))
	}
}

// PoisonRedzone writes kind into the shadow bytes covering
// [addr+size, addr+redSize). When size does not end on a word boundary, only
// the high bytes of the boundary word are invalidated: its shadow byte keeps
// the valid-prefix count rather than being overwritten with the kind.
func (m *Mapping) PoisonRedzone(addr uintptr, size int, redSize int, kind PoisonKind) {
	skew := int(addr & (WordSize - 1))
	base := addr - uintptr(skew)
	from := skew + size
	to := skew + redSize

	s := m.shadowAddr(base + uintptr(from))
	if from&(WordSize-1) != 0 {
		m.storeShadow(s, int8(from&(WordSize-1)))
		s++
	}

	m.setShadowRange(s, (to-memsan.AlignUp(from, WordSize))>>Scale, int8(kind))
}

// Poison marks [addr, addr+size) unaddressable with kind. A trailing partial
// word keeps its leading bytes addressable, mirroring the scope-poisoning
// contract of the instrumentation interface.
func (m *Mapping) Poison(addr uintptr, size int, kind PoisonKind) {
	m.setShadowRange(m.shadowAddr(addr), size>>Scale, int8(kind))
	if size&(WordSize-1) != 0 {
		m.storeShadow(m.shadowAddr(addr+uintptr(size)), int8(WordSize-size&(WordSize-1)))
	}
}

// UnpoisonScope reverses Poison over [addr, addr+size).
func (m *Mapping) UnpoisonScope(addr uintptr, size int) {
	m.setShadowRange(m.shadowAddr(addr), size>>Scale, 0)
	if size&(WordSize-1) != 0 {
		m.storeShadow(m.shadowAddr(addr+uintptr(size)), int8(size&(WordSize-1)))
	}
}

// Fill rewrites words consecutive shadow bytes starting at addr's shadow with
// kind, with no partial-word handling. Deallocation uses this to stamp an
// entire freed run with one free-poison kind.
func (m *Mapping) Fill(addr uintptr, words int, kind PoisonKind) {
	m.setShadowRange(m.shadowAddr(addr), words, int8(kind))
}

// ClearRange bulk-unpoisons the contiguous span [lo, hi), the single
// range-clear used when scope exit crosses several nested dynamic buffers.
// Endpoints are expected to be word-aligned; a misaligned tail is rounded
// inward and its final partial word left untouched.
func (m *Mapping) ClearRange(lo uintptr, hi uintptr) {
	if hi <= lo {
		return
	}
	m.setShadowRange(m.shadowAddr(lo), int((hi-lo)>>Scale), 0)
}

// ValidSpan walks shadow bytes forward from addr, accumulating 8 for every
// fully addressable word plus the valid-prefix count of a partial word, and
// stops at the first poisoned byte. For a live allocation this reproduces
// exactly the size its shadow encoding represents.
func (m *Mapping) ValidSpan(addr uintptr) int {
	span := 0
	for s := m.shadowAddr(addr); ; s++ {
		b, ok := m.loadShadow(s)
		if !ok || b < 0 {
			break
		}
		if b == 0 {
			span += WordSize
		} else {
			span += int(b) & (WordSize - 1)
		}
	}
	return span
}

// Probe checks every byte of [addr, addr+size) for addressability and
// returns the first violation found. Bytes whose shadow frame was never
// mapped are treated as addressable: the runtime only vouches for regions it
// was asked to instrument.
func (m *Mapping) Probe(addr uintptr, size int) (BadAccess, bool) {
	for i := 0; i < size; i++ {
		a := addr + uintptr(i)
		b, ok := m.Load(a)
		if !ok || b == 0 {
			continue
		}
		if b > 0 {
			if int(a&(WordSize-1)) < int(b) {
				continue
			}
		}
		return BadAccess{Addr: a, Kind: m.KindAt(a)}, true
	}

	return BadAccess{}, false
}

// KindAt resolves the poison kind governing addr. A negative shadow byte is
// the kind itself. A positive byte means addr sits past the valid prefix of
// a partial word, so the kind is taken from the following shadow byte, which
// carries the adjoining redzone's tag.
func (m *Mapping) KindAt(addr uintptr) PoisonKind {
	b, ok := m.Load(addr)
	if !ok {
		return 0
	}
	if b < 0 {
		return PoisonKind(b)
	}
	if b > 0 {
		next, nextOk := m.loadShadow(m.shadowAddr(addr) + 1)
		if nextOk && next < 0 {
			return PoisonKind(next)
		}
	}
	return PoisonKind(b)
}

// Validate performs internal consistency checks on the frame registry.
func (m *Mapping) Validate() error {
	count := 0
	var failure error

	m.frames.Iter(func(frame uintptr, page []byte) bool {
		count++
		if page == nil {
			failure = errors.Errorf("shadow frame 0x%x registered with no backing page", frame<<frameShift)
			return true
		}
		if len(page) != FrameSize {
			failure = errors.Errorf("shadow frame 0x%x backed by %d bytes instead of %d", frame<<frameShift, len(page), FrameSize)
			return true
		}
		return false
	})

	if failure != nil {
		return failure
	}

	if count != m.frameCount {
		return errors.Errorf("the registry holds %d frames but the mapping counted %d", count, m.frameCount)
	}

	return nil
}

// AddStatistics sums this mapping's footprint into stats.
func (m *Mapping) AddStatistics(stats *memsan.Statistics) {
	stats.ShadowFrameCount += m.frameCount
	stats.ShadowFrameBytes += m.frameCount * FrameSize
}

// FramesJson writes the backed shadow frames into a json object, ordered by
// shadow address for deterministic output.
func (m *Mapping) FramesJson(json jwriter.ObjectState) {
	json.Name("ShadowOffset").String("0x" + strconv.FormatUint(uint64(m.offset), 16))
	json.Name("FrameCount").Int(m.frameCount)

	bases := make([]uintptr, 0, m.frameCount)
	m.frames.Iter(func(frame uintptr, page []byte) bool {
		bases = append(bases, frame<<frameShift)
		return false
	})
	slices.Sort(bases)

	frameArray := json.Name("Frames").Array()
	defer frameArray.End()

	for _, base := range bases {
		frameArray.String("0x" + strconv.FormatUint(uint64(base), 16))
	}
}

// Destroy releases every backed shadow frame. The mapping must not be used
// afterward.
func (m *Mapping) Destroy() error {
	var failure error

	m.frames.Iter(func(frame uintptr, page []byte) bool {
		err := unix.Munmap(page)
		if err != nil {
			failure = cerrors.Wrapf(err, "failed to release shadow frame 0x%x", frame<<frameShift)
			m.logger.LogAttrs(context.Background(), slog.LevelError,
				"shadow frame could not be released",
				slog.Uint64("frameBase", uint64(frame<<frameShift)),
				slog.Any("error", err))
		}
		return false
	})

	m.frames = swiss.NewMap[uintptr, []byte](42)
	m.frameCount = 0
	return failure
}
