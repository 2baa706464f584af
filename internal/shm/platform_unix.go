//go:build unix

package shm

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// MapRegion maps or exclusively creates a shared memory region.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("map %q: invalid size %d", opts.Name, opts.Size)
	}
	path, err := PathFor(opts.Name)
	if err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0600
	}
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// the mapping outlives the descriptor
	defer func() {
		_ = unix.Close(fd)
	}()

	if opts.Create {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Unlink(path)
			return nil, fmt.Errorf("ftruncate %s: %w", path, err)
		}
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	if !opts.Create && st.Size == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotSized, path)
	}
	if st.Size < int64(opts.Size) {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrTooSmall, path, st.Size, opts.Size)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if opts.Create {
			_ = unix.Unlink(path)
		}
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	if opts.Create {
		for i := range addr {
			addr[i] = 0
		}
	}
	return &MappedRegion{
		Addr:       addr,
		Name:       opts.Name,
		Path:       path,
		Size:       opts.Size,
		ObjectSize: st.Size,
		Dev:        uint64(st.Dev),
		Ino:        st.Ino,
	}, nil
}

// UnmapRegion unmaps the shared memory region. The name is left in place.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap %s: %w", region.Path, err)
	}
	region.Addr = nil
	return nil
}

// Unlink removes the named segment from the namespace.
func Unlink(name string) error {
	path, err := PathFor(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}

// Identity returns the device and inode the name currently refers to.
func Identity(name string) (dev, ino uint64, err error) {
	path, err := PathFor(name)
	if err != nil {
		return 0, 0, err
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return uint64(st.Dev), st.Ino, nil
}

// SameObject reports whether the name still refers to the mapped object.
func (r *MappedRegion) SameObject() (bool, error) {
	dev, ino, err := Identity(r.Name)
	if err != nil {
		return false, err
	}
	return dev == r.Dev && ino == r.Ino, nil
}
