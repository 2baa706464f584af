//go:build unix && !linux

package shm

import "os"

// Dir falls back to the temp directory where there is no tmpfs mounted at /dev/shm.
func Dir() string {
	return os.TempDir()
}
