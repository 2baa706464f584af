//go:build !unix

package shm

import (
	"context"
	"os"
)

// Dir is unused where mapping is unsupported.
func Dir() string {
	return os.TempDir()
}

// MapRegion is not implemented outside unix platforms.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion is not implemented outside unix platforms.
func UnmapRegion(region *MappedRegion) error {
	return ErrUnsupported
}

// Unlink is not implemented outside unix platforms.
func Unlink(name string) error {
	return ErrUnsupported
}

// Identity is not implemented outside unix platforms.
func Identity(name string) (dev, ino uint64, err error) {
	return 0, 0, ErrUnsupported
}

// SameObject is not implemented outside unix platforms.
func (r *MappedRegion) SameObject() (bool, error) {
	return false, ErrUnsupported
}
