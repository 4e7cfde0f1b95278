//go:build !linux

package backend

import "errors"

// MmapMemory is only available on Linux
type MmapMemory struct {
	Memory
}

// NewMmapMemory is not supported on this platform
func NewMmapMemory(size uint64) (*MmapMemory, error) {
	return nil, errors.New("mmap host memory requires linux")
}
