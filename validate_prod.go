//go:build !debug_memsan

package memsan

import "unsafe"

// FillFreed writes FreedFillPattern over size bytes starting at data, making
// stale reads of quarantined memory obvious even without a shadow probe.
// This method no-ops unless the debug_memsan build tag is present.
func FillFreed(data unsafe.Pointer, size int) {
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_memsan build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_memsan build tag is present.
func DebugCheckPow2[T Number](value T, name string) {

}
