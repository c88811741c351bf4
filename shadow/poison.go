package shadow

// PoisonKind is the reason code stored in a shadow byte when the 8-byte word
// it covers is unaddressable. Values are negative so they can share the byte
// with the 0..7 valid-prefix counts; the specific values are kept
// bit-compatible with externally generated instrumentation.
type PoisonKind int8

const (
	HeapFree           PoisonKind = -1
	StackFree          PoisonKind = -2
	Relocated          PoisonKind = -3
	HeapUnderrun       PoisonKind = -4
	HeapOverrun        PoisonKind = -5
	GlobalOverrun      PoisonKind = -6
	GlobalUnregistered PoisonKind = -7
	StackUnderrun      PoisonKind = -8
	StackOverrun       PoisonKind = -9
	AllocaOverrun      PoisonKind = -10
	Unscoped           PoisonKind = -11
)

func (k PoisonKind) String() string {
	switch k {
	case HeapFree:
		return "HeapFree"
	case StackFree:
		return "StackFree"
	case Relocated:
		return "Relocated"
	case HeapUnderrun:
		return "HeapUnderrun"
	case HeapOverrun:
		return "HeapOverrun"
	case GlobalOverrun:
		return "GlobalOverrun"
	case GlobalUnregistered:
		return "GlobalUnregistered"
	case StackUnderrun:
		return "StackUnderrun"
	case StackOverrun:
		return "StackOverrun"
	case AllocaOverrun:
		return "AllocaOverrun"
	case Unscoped:
		return "Unscoped"
	}

	return "Unknown"
}

// AccessDescription renders the poison kind the way an access-fault report
// names it. Non-negative values describe memory that is at least partly
// addressable, so they fall through to the generic wording.
func (k PoisonKind) AccessDescription() string {
	switch k {
	case HeapFree:
		return "heap use after free"
	case StackFree:
		return "stack use after release"
	case Relocated:
		return "heap use after relocate"
	case HeapUnderrun:
		return "heap underrun"
	case HeapOverrun:
		return "heap overrun"
	case GlobalOverrun:
		return "global overrun"
	case GlobalUnregistered:
		return "global unregistered"
	case StackUnderrun:
		return "stack underflow"
	case StackOverrun:
		return "stack overflow"
	case AllocaOverrun:
		return "alloca overflow"
	case Unscoped:
		return "unscoped"
	}

	return "poisoned"
}

// FreeDescription renders the poison kind the way a deallocation-fault report
// names it, distinguishing repeat frees from plain bad pointers.
func (k PoisonKind) FreeDescription() string {
	switch k {
	case HeapFree:
		return "heap double free"
	case Relocated:
		return "free after relocate"
	case StackFree:
		return "stack double free"
	}

	return "invalid pointer"
}
