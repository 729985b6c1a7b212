package testutils

import (
	"sync/atomic"

	"github.com/meshforge/gpupool/internal/pool"
)

// MockUploader records upload and relocation calls for tests.
type MockUploader struct {
	uploadCalls   atomic.Int64
	relocateCalls atomic.Int64

	// Plans holds every relocation plan received, in order.
	Plans [][]pool.Move

	// RelocateErr, when set, is returned from every Relocate call.
	RelocateErr error
}

func (u *MockUploader) Upload(class pool.Class, offset uint64, data []byte) error {
	u.uploadCalls.Add(1)
	return nil
}

func (u *MockUploader) Relocate(class pool.Class, moves []pool.Move) error {
	u.relocateCalls.Add(1)
	if u.RelocateErr != nil {
		return u.RelocateErr
	}
	u.Plans = append(u.Plans, moves)
	return nil
}

func (u *MockUploader) UploadCalls() int64 {
	return u.uploadCalls.Load()
}

func (u *MockUploader) RelocateCalls() int64 {
	return u.relocateCalls.Load()
}

func (u *MockUploader) Reset() {
	u.uploadCalls.Store(0)
	u.relocateCalls.Store(0)
	u.Plans = nil
	u.RelocateErr = nil
}
