package persistent

import (
	"os"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/cowtree/types"
)

// ErrLocked is returned if device file is used by another process.
var ErrLocked = errors.New("device is locked by another process")

// NewFileDevice creates new file-based device. File is created and extended to the requested size if needed.
func NewFileDevice(path string, size uint64) (*FileDevice, func(), error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "locking device %q failed", path)
	}
	if !locked {
		return nil, nil, errors.Wrapf(ErrLocked, "device %q", path)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, errors.WithStack(err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		_ = lock.Unlock()
		return nil, nil, errors.WithStack(err)
	}
	if uint64(info.Size()) < size {
		if err := file.Truncate(int64(size)); err != nil {
			_ = file.Close()
			_ = lock.Unlock()
			return nil, nil, errors.WithStack(err)
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		_ = lock.Unlock()
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return &FileDevice{
			file: file,
			data: data,
		}, func() {
			_ = unix.Munmap(data)
			_ = file.Close()
			_ = lock.Unlock()
		}, nil
}

// FileDevice defines persistent file-based device.
type FileDevice struct {
	file *os.File
	data []byte
}

// Size returns size of the device.
func (d *FileDevice) Size() uint64 {
	return uint64(len(d.data))
}

// Read reads data from the device.
func (d *FileDevice) Read(address types.PhysicalAddress, data []byte) error {
	if err := checkRange(d.Size(), address, len(data)); err != nil {
		return err
	}
	copy(data, d.data[address:])
	return nil
}

// Write writes data to the device.
func (d *FileDevice) Write(address types.PhysicalAddress, data []byte) error {
	if err := checkRange(d.Size(), address, len(data)); err != nil {
		return err
	}
	copy(d.data[address:], data)
	return nil
}

// Sync syncs pending writes.
func (d *FileDevice) Sync() error {
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(d.file.Sync())
}
