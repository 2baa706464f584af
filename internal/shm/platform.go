// Package shm contains platform-specific helpers for mapping named shared memory segments.
package shm

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported is returned on platforms without POSIX shared memory.
	ErrUnsupported = errors.New("shm: shared memory not supported on this platform")
	// ErrTooSmall is returned when an existing segment is smaller than the requested mapping.
	ErrTooSmall = errors.New("shm: segment smaller than requested size")
	// ErrNotSized is returned when attaching to a segment whose creator has not
	// truncated it yet.
	ErrNotSized = errors.New("shm: segment not sized yet")
	// ErrInvalidName is returned for names that cannot live in the shared memory namespace.
	ErrInvalidName = errors.New("shm: invalid segment name")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Name string
	Path string
	Size int
	// ObjectSize is the size of the backing object when it was mapped.
	ObjectSize int64
	// Dev and Ino identify the object that was mapped, so callers can tell
	// whether the name still refers to it.
	Dev uint64
	Ino uint64
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	Size int
	// Create requests exclusive creation. Mapping fails with an error matching
	// fs.ErrExist when the name is already taken.
	Create bool
	// Mode is the permission of a created segment, 0600 when zero.
	Mode uint32
}

// CleanName strips the leading slash of a POSIX shm name and rejects names
// that would escape the shared memory directory.
func CleanName(name string) (string, error) {
	n := strings.TrimPrefix(name, "/")
	if n == "" || n == "." || n == ".." || strings.ContainsRune(n, '/') || strings.ContainsRune(n, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return n, nil
}

// PathFor returns the filesystem path backing the named segment.
func PathFor(name string) (string, error) {
	n, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(Dir(), n), nil
}

// Function implementations are provided in platform-specific files (platform_unix.go, platform_other.go).
