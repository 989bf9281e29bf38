//go:build !linux

package osmem

// DefaultMemory returns the Memory implementation for the running OS. Only Linux is supported
// natively; other platforms run against a simulated address space.
func DefaultMemory() Memory {
	return NewSimulated(SimulatedOptions{})
}
