//go:build unix

package osmem

import "golang.org/x/sys/unix"

func mapBacking(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapBacking(backing []byte) error {
	return unix.Munmap(backing)
}
