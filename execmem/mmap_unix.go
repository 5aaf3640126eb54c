//go:build linux || darwin || freebsd || netbsd || openbsd

package execmem

import (
	"golang.org/x/sys/unix"
)

// mmapBacking maps anonymous pages read/write, then flips them to
// read/execute on seal. Pages are never writable and executable at once.
type mmapBacking struct{}

func platformBacking() backing {
	return mmapBacking{}
}

func roundToPage(size int) int {
	page := unix.Getpagesize()
	return (size + page - 1) &^ (page - 1)
}

func (mmapBacking) alloc(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, roundToPage(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (mmapBacking) seal(mem []byte) error {
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC)
}

func (mmapBacking) free(mem []byte) error {
	return unix.Munmap(mem)
}

func (mmapBacking) executable() bool { return true }
