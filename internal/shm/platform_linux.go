//go:build linux

package shm

// Dir is where POSIX shm_open places its objects on Linux.
func Dir() string {
	return "/dev/shm"
}
