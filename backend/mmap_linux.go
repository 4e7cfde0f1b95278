//go:build linux

package backend

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
)

// MmapMemory is a host address space backed by an anonymous shared mapping,
// so it can be handed to a forked device model
type MmapMemory struct {
	mu   sync.RWMutex
	data []byte
	size uint64
}

// NewMmapMemory maps size bytes of zeroed memory
func NewMmapMemory(size uint64) (*MmapMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("mmap host memory: zero size")
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap host memory (%d bytes): %w", size, err)
	}
	return &MmapMemory{data: data, size: size}, nil
}

// Read implements HostMemory
func (m *MmapMemory) Read(addr uint64, p []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return ErrClosed
	}
	if err := checkRange(addr, len(p), m.size); err != nil {
		return err
	}
	copy(p, m.data[addr:])
	return nil
}

// Write implements HostMemory
func (m *MmapMemory) Write(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrClosed
	}
	if err := checkRange(addr, len(p), m.size); err != nil {
		return err
	}
	copy(m.data[addr:], p)
	return nil
}

// Size implements Sizer
func (m *MmapMemory) Size() uint64 {
	return m.size
}

// Close unmaps the memory
func (m *MmapMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return fmt.Errorf("munmap host memory: %w", err)
	}
	return nil
}

var (
	_ interfaces.HostMemory = (*MmapMemory)(nil)
	_ interfaces.Sizer      = (*MmapMemory)(nil)
	_ interfaces.Closer     = (*MmapMemory)(nil)
)
