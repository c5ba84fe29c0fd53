package persistent

import (
	"github.com/pkg/errors"

	"github.com/outofforest/cowtree/types"
)

// ErrOutOfRange is returned if requested range exceeds device size.
var ErrOutOfRange = errors.New("range exceeds device size")

// Device is the block device storing the tree.
type Device interface {
	Size() uint64
	Read(address types.PhysicalAddress, data []byte) error
	Write(address types.PhysicalAddress, data []byte) error
	Sync() error
}

func checkRange(size uint64, address types.PhysicalAddress, length int) error {
	if uint64(address)+uint64(length) > size {
		return errors.Wrapf(ErrOutOfRange, "address: %d, length: %d, size: %d", address, length, size)
	}
	return nil
}
