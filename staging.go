package gpupool

import (
	"errors"
	"fmt"

	"github.com/meshforge/gpupool/internal/staging"
)

// StagingUploader implements Uploader over per-class CPU staging stores.
// It stands in for a graphics-API binding in tests and software rendering
// paths: uploads copy bytes into an off-heap region and relocation plans
// are applied with memmove semantics. With verification enabled, every
// applied move is checked against an xxhash checksum of the source range,
// catching divergence between staged bytes and the pool's bookkeeping.
type StagingUploader struct {
	stores map[Class]*staging.Store
	verify bool
}

// NewStagingUploader creates one staging store per class, sized to match
// the corresponding pool's initial size. With verify set, relocations are
// checksummed before and after the copy.
func NewStagingUploader(classes map[Class]uint64, verify bool) (*StagingUploader, error) {
	u := &StagingUploader{
		stores: make(map[Class]*staging.Store, len(classes)),
		verify: verify,
	}
	for class, size := range classes {
		st, err := staging.New(size)
		if err != nil {
			u.Close()
			return nil, fmt.Errorf("creating %v staging store: %w", class, err)
		}
		u.stores[class] = st
	}
	return u, nil
}

func (u *StagingUploader) store(class Class) (*staging.Store, error) {
	st, ok := u.stores[class]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownClass, class)
	}
	return st, nil
}

// Upload copies data into the class's staging region at offset. The region
// grows if the range extends past its current capacity, mirroring pool
// growth.
func (u *StagingUploader) Upload(class Class, offset uint64, data []byte) error {
	st, err := u.store(class)
	if err != nil {
		return err
	}
	return st.Write(offset, data)
}

// Relocate applies a defragmentation plan to the class's staging region.
// Moves are applied in plan order; compaction only ever moves blocks toward
// lower offsets, so earlier moves never clobber later sources.
func (u *StagingUploader) Relocate(class Class, moves []Move) error {
	st, err := u.store(class)
	if err != nil {
		return err
	}
	for _, mv := range moves {
		var want uint64
		if u.verify {
			if want, err = st.Checksum(mv.OldOffset, mv.Size); err != nil {
				return fmt.Errorf("checksumming block %d before move: %w", mv.ID, err)
			}
		}
		if err := st.Move(mv.OldOffset, mv.NewOffset, mv.Size); err != nil {
			return fmt.Errorf("moving block %d: %w", mv.ID, err)
		}
		if u.verify {
			got, err := st.Checksum(mv.NewOffset, mv.Size)
			if err != nil {
				return fmt.Errorf("checksumming block %d after move: %w", mv.ID, err)
			}
			if got != want {
				return fmt.Errorf("relocating block %d corrupted its bytes: checksum %#x, want %#x",
					mv.ID, got, want)
			}
		}
	}
	return nil
}

// Bytes returns a copy of n staged bytes for a class, for readback and
// verification.
func (u *StagingUploader) Bytes(class Class, offset, n uint64) ([]byte, error) {
	st, err := u.store(class)
	if err != nil {
		return nil, err
	}
	return st.Read(offset, n)
}

// Close releases every staging region back to the operating system.
func (u *StagingUploader) Close() error {
	var errs []error
	for _, st := range u.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
