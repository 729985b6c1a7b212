// Package staging implements an off-heap byte store standing in for one
// resource class's backing GPU buffer. Uploads copy bytes in at a pool
// offset, relocation moves copy ranges with memmove semantics, and ranges
// can be checksummed to verify a move preserved its bytes.
package staging

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

const (
	KiB = 1024

	// minRegionSize is the smallest region the store allocates; tiny pools
	// still get a full page-multiple mapping.
	minRegionSize = 64 * KiB
)

var (
	ErrOutOfBounds = errors.New("range is out of bounds")
	ErrClosed      = errors.New("staging store is closed")
)

// Store is a single contiguous off-heap memory region. The region is
// allocated with unix.Mmap so staged resource bytes stay out of the Go heap
// and off the GOGC scan path. Not safe for concurrent use; the store shares
// the allocator's single-mutator contract.
type Store struct {
	mem []byte
}

// New creates a store with at least size bytes of capacity.
func New(size uint64) (*Store, error) {
	if size < minRegionSize {
		size = minRegionSize
	}
	mem, err := mmap(int(size))
	if err != nil {
		return nil, err
	}
	return &Store{mem: mem}, nil
}

func mmap(size int) ([]byte, error) {
	// Virtual memory outside the Go heap; the kernel backs pages on first touch.
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate %d bytes via mmap: %w", size, err)
	}
	return data, nil
}

// Size returns the store's current capacity.
func (s *Store) Size() uint64 {
	return uint64(len(s.mem))
}

// EnsureCapacity grows the region to at least n bytes by remapping and
// copying. Growth is at least 50% to amortize the copy cost.
func (s *Store) EnsureCapacity(n uint64) error {
	if s.mem == nil {
		return ErrClosed
	}
	if uint64(len(s.mem)) >= n {
		return nil
	}
	newSize := uint64(len(s.mem)) * 3 / 2
	if newSize < n {
		newSize = n
	}
	mem, err := mmap(int(newSize))
	if err != nil {
		return err
	}
	copy(mem, s.mem)
	old := s.mem
	s.mem = mem
	if err := unix.Munmap(old); err != nil {
		return fmt.Errorf("failed to unmap old region: %w", err)
	}
	return nil
}

// Write copies data into the region at offset, growing the region if the
// range extends past the current capacity.
func (s *Store) Write(offset uint64, data []byte) error {
	if s.mem == nil {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}
	if err := s.EnsureCapacity(offset + uint64(len(data))); err != nil {
		return err
	}
	copy(s.mem[offset:], data)
	return nil
}

// Read returns a copy of n bytes at offset.
func (s *Store) Read(offset, n uint64) ([]byte, error) {
	if s.mem == nil {
		return nil, ErrClosed
	}
	if offset+n > uint64(len(s.mem)) {
		return nil, fmt.Errorf("%w: read [%d, %d) of %d byte region", ErrOutOfBounds, offset, offset+n, len(s.mem))
	}
	out := make([]byte, n)
	copy(out, s.mem[offset:offset+n])
	return out, nil
}

// Move copies n bytes from oldOffset to newOffset within the region,
// growing the region if the destination extends past the current capacity.
// Overlapping ranges are handled (memmove semantics).
func (s *Store) Move(oldOffset, newOffset, n uint64) error {
	if s.mem == nil {
		return ErrClosed
	}
	if n == 0 {
		return nil
	}
	if oldOffset+n > uint64(len(s.mem)) {
		return fmt.Errorf("%w: move source [%d, %d) of %d byte region", ErrOutOfBounds, oldOffset, oldOffset+n, len(s.mem))
	}
	if err := s.EnsureCapacity(newOffset + n); err != nil {
		return err
	}
	copy(s.mem[newOffset:newOffset+n], s.mem[oldOffset:oldOffset+n])
	return nil
}

// Checksum returns the xxhash64 digest of n bytes at offset.
func (s *Store) Checksum(offset, n uint64) (uint64, error) {
	if s.mem == nil {
		return 0, ErrClosed
	}
	if offset+n > uint64(len(s.mem)) {
		return 0, fmt.Errorf("%w: checksum [%d, %d) of %d byte region", ErrOutOfBounds, offset, offset+n, len(s.mem))
	}
	return xxhash.Sum64(s.mem[offset : offset+n]), nil
}

// Close releases the region back to the operating system. Further
// operations return ErrClosed; Close is idempotent.
func (s *Store) Close() error {
	if s.mem == nil {
		return nil
	}
	mem := s.mem
	s.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("failed to unmap region: %w", err)
	}
	return nil
}
