package persistent

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/cowtree/types"
)

// NewMemoryDevice creates new in-memory "persistent" device.
func NewMemoryDevice(size uint64, useHugePages bool) (*MemoryDevice, func(), error) {
	opts := unix.MAP_SHARED | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE | unix.MAP_POPULATE
	if useHugePages {
		opts |= unix.MAP_HUGETLB
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, opts)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return &MemoryDevice{
			data: data,
		}, func() {
			_ = unix.Munmap(data)
		}, nil
}

// MemoryDevice defines "persistent" in-memory device. Used for testing.
type MemoryDevice struct {
	data []byte
}

// Size returns size of the device.
func (d *MemoryDevice) Size() uint64 {
	return uint64(len(d.data))
}

// Read reads data from the device.
func (d *MemoryDevice) Read(address types.PhysicalAddress, data []byte) error {
	if err := checkRange(d.Size(), address, len(data)); err != nil {
		return err
	}
	copy(data, d.data[address:])
	return nil
}

// Write writes data to the device.
func (d *MemoryDevice) Write(address types.PhysicalAddress, data []byte) error {
	if err := checkRange(d.Size(), address, len(data)); err != nil {
		return err
	}
	copy(d.data[address:], data)
	return nil
}

// Sync does nothing.
func (d *MemoryDevice) Sync() error {
	return nil
}
