//go:build debug_memsan

package memsan

import "unsafe"

const (
	// FreedFillPattern is the byte written across a freed allocation's payload
	// while it sits in quarantine. The pattern (0xDE) is easy to recognize in
	// debugger output and unlikely to occur in valid data.
	FreedFillPattern uint8 = 0xDE
)

// FillFreed writes FreedFillPattern over size bytes starting at data, making
// stale reads of quarantined memory obvious even without a shadow probe.
// This method no-ops unless the debug_memsan build tag is present.
func FillFreed(data unsafe.Pointer, size int) {
	region := unsafe.Slice((*uint8)(data), size)
	for i := 0; i < size; i++ {
		region[i] = FreedFillPattern
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_memsan build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_memsan build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
