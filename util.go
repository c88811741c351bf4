package memsan

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignUpAddr and AlignDownAddr are the address-space variants of AlignUp and
// AlignDown, used when rounding raw application or shadow addresses to word
// or page boundaries.
func AlignUpAddr(addr uintptr, alignment uintptr) uintptr {
	return (addr + alignment - 1) &^ (alignment - 1)
}

func AlignDownAddr(addr uintptr, alignment uintptr) uintptr {
	return addr &^ (alignment - 1)
}
