//go:build !unix && !windows

package osmem

// Without an anonymous mapping primitive reservations come from the Go heap. Addresses handed
// out this way are not valid under checkptr.
func mapBacking(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapBacking(backing []byte) error {
	return nil
}
