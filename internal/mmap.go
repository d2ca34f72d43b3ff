package internal

import (
	"errors"

	"golang.org/x/sys/unix"
)

// PageSize is the mapping granularity used by [AllocPages]. It is fixed
// rather than queried from the runtime so that registered-memory byte
// offsets computed by callers stay stable across platforms.
const PageSize = 4096

// AllocPages returns an anonymous, page-aligned mapping at least n bytes
// long, rounded up to a whole number of pages, so that a fabric memory
// registration of it covers whole pages and never straddles a partial page
// (relevant to forked processes on older kernels, where a partial-page
// registration can end up shared unexpectedly with the child). Only the
// flush buffer is allocated this way; bounce payloads and control messages
// are ordinary Go heap slices and are not page-aligned.
func AllocPages(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("internal: AllocPages requires n > 0")
	}
	size := (n + PageSize - 1) &^ (PageSize - 1)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FreePages unmaps memory returned by [AllocPages].
func FreePages(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}
