package shm

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// CanCreate reports whether the shared memory directory has room for size
// bytes. When usage cannot be read it answers true and lets creation decide.
func CanCreate(size uint64) bool {
	stat, err := disk.Usage(Dir())
	if err != nil {
		return true
	}
	return stat.Free >= size
}
