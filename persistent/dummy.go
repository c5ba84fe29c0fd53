package persistent

import (
	"github.com/outofforest/cowtree/types"
)

// NewDummyDevice creates new dummy device.
func NewDummyDevice(size uint64) *DummyDevice {
	return &DummyDevice{size: size}
}

// DummyDevice defines persistent no-op device.
type DummyDevice struct {
	size uint64
}

// Size returns declared size of the device.
func (d *DummyDevice) Size() uint64 {
	return d.size
}

// Read returns zeros.
func (d *DummyDevice) Read(address types.PhysicalAddress, data []byte) error {
	if err := checkRange(d.size, address, len(data)); err != nil {
		return err
	}
	clear(data)
	return nil
}

// Write is a no-op implementation.
func (d *DummyDevice) Write(address types.PhysicalAddress, data []byte) error {
	return checkRange(d.size, address, len(data))
}

// Sync does nothing.
func (d *DummyDevice) Sync() error {
	return nil
}
