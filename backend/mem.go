// Package backend provides host memory implementations for the queue engine
package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
)

// ErrOutOfRange is returned for accesses outside the address space
var ErrOutOfRange = errors.New("host memory access out of range")

// ErrClosed is returned for accesses after Close
var ErrClosed = errors.New("host memory closed")

// Memory provides a RAM-backed host address space [0, size)
type Memory struct {
	data []byte
	size uint64
	mu   sync.RWMutex
}

// NewMemory creates a zeroed host memory of the specified size
func NewMemory(size uint64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// Read implements HostMemory
func (m *Memory) Read(addr uint64, p []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(addr, len(p)); err != nil {
		return err
	}
	copy(p, m.data[addr:])
	return nil
}

// Write implements HostMemory
func (m *Memory) Write(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(addr, len(p)); err != nil {
		return err
	}
	copy(m.data[addr:], p)
	return nil
}

func (m *Memory) check(addr uint64, n int) error {
	if m.data == nil {
		return ErrClosed
	}
	return checkRange(addr, n, m.size)
}

func checkRange(addr uint64, n int, size uint64) error {
	end := addr + uint64(n)
	if end < addr || end > size {
		return fmt.Errorf("[0x%x, 0x%x) beyond 0x%x: %w", addr, end, size, ErrOutOfRange)
	}
	return nil
}

// Zero clears length bytes starting at addr
func (m *Memory) Zero(addr, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(addr, int(length)); err != nil {
		return err
	}
	clear(m.data[addr : addr+length])
	return nil
}

// Size implements Sizer
func (m *Memory) Size() uint64 {
	return m.size
}

// Close implements Closer
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear the data to help with GC
	m.data = nil
	return nil
}

// Stats reports allocation details
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
	}
}

// Compile-time interface checks
var (
	_ interfaces.HostMemory = (*Memory)(nil)
	_ interfaces.Sizer      = (*Memory)(nil)
	_ interfaces.Closer     = (*Memory)(nil)
)
