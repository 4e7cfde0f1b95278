package nvmeq

import (
	"context"
	"fmt"
	"sync"
)

// MockMemory provides a flat in-memory HostMemory for testing.
// It tracks calls and can be told to fail accesses.
type MockMemory struct {
	data     []byte
	readErr  error
	writeErr error

	// Method call tracking
	mu         sync.RWMutex
	readCalls  int
	writeCalls int
}

// NewMockMemory creates a mock host address space of size bytes starting at 0
func NewMockMemory(size int) *MockMemory {
	return &MockMemory{data: make([]byte, size)}
}

// Read implements HostMemory
func (m *MockMemory) Read(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.readErr != nil {
		return m.readErr
	}
	if !m.inRange(addr, len(p)) {
		return fmt.Errorf("mock memory: read [0x%x, +%d) out of range", addr, len(p))
	}
	copy(p, m.data[addr:])
	return nil
}

// Write implements HostMemory
func (m *MockMemory) Write(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.writeErr != nil {
		return m.writeErr
	}
	if !m.inRange(addr, len(p)) {
		return fmt.Errorf("mock memory: write [0x%x, +%d) out of range", addr, len(p))
	}
	copy(m.data[addr:], p)
	return nil
}

func (m *MockMemory) inRange(addr uint64, n int) bool {
	end := addr + uint64(n)
	return end >= addr && end <= uint64(len(m.data))
}

// Size returns the address space size
func (m *MockMemory) Size() uint64 {
	return uint64(len(m.data))
}

// FailReads makes every subsequent Read return err (nil restores)
func (m *MockMemory) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes every subsequent Write return err (nil restores)
func (m *MockMemory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// CallCounts returns the number of times each method has been called
func (m *MockMemory) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
	}
}

// RecordingInterrupter records every interrupt vector raised
type RecordingInterrupter struct {
	mu      sync.Mutex
	vectors []uint16
}

// Notify implements Interrupter
func (r *RecordingInterrupter) Notify(vector uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectors = append(r.vectors, vector)
}

// Vectors returns the vectors raised so far, in order
func (r *RecordingInterrupter) Vectors() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint16(nil), r.vectors...)
}

// Count returns the number of interrupts raised
func (r *RecordingInterrupter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vectors)
}

// ExecutedCommand is one call seen by a RecordingExecutor
type ExecutedCommand struct {
	SQID    uint16
	Command Command
}

// RecordingExecutor records every command it executes and optionally
// delegates the completion to Handler
type RecordingExecutor struct {
	Handler Executor

	mu       sync.Mutex
	commands []ExecutedCommand
}

// Execute implements Executor
func (r *RecordingExecutor) Execute(ctx context.Context, sqid uint16, cmd *Command, cqe *Completion) {
	r.mu.Lock()
	r.commands = append(r.commands, ExecutedCommand{SQID: sqid, Command: *cmd})
	r.mu.Unlock()

	if r.Handler != nil {
		r.Handler.Execute(ctx, sqid, cmd, cqe)
	}
}

// Commands returns the commands executed so far, in order
func (r *RecordingExecutor) Commands() []ExecutedCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecutedCommand(nil), r.commands...)
}

// Compile-time interface checks
var (
	_ HostMemory  = (*MockMemory)(nil)
	_ Interrupter = (*RecordingInterrupter)(nil)
	_ Executor    = (*RecordingExecutor)(nil)
)
