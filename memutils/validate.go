package memutils

import "unsafe"

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// corruptionDetectionMagicValue is a 4-byte pattern that is copied into padding placed after
// allocations by checked allocators
const corruptionDetectionMagicValue uint32 = 0x7F84E666

// WriteMagicValue writes an easy-to-identify marker across size bytes at the provided address. size
// should be a multiple of 4; trailing bytes are left alone.
func WriteMagicValue(addr uintptr, size int) {
	dest := unsafe.Pointer(addr)
	count := size / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < count; i++ {
		*(*uint32)(dest) = corruptionDetectionMagicValue
		dest = unsafe.Add(dest, unsafe.Sizeof(uint32(0)))
	}
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
func ValidateMagicValue(addr uintptr, size int) bool {
	source := unsafe.Pointer(addr)
	count := size / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < count; i++ {
		if *(*uint32)(source) != corruptionDetectionMagicValue {
			return false
		}
		source = unsafe.Add(source, unsafe.Sizeof(uint32(0)))
	}

	return true
}
