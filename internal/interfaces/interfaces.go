// Package interfaces defines the collaborators the queue engine consumes.
package interfaces

import (
	"context"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// HostMemory is the host physical address space the queues live in.
// Both calls are synchronous. Implementations must not retain p.
type HostMemory interface {
	// Read copies len(p) bytes starting at addr into p
	Read(addr uint64, p []byte) error

	// Write copies p into host memory starting at addr
	Write(addr uint64, p []byte) error
}

// Executor carries out the semantics of a fetched command.
//
// It fills the command-specific parts of cqe (Result, and Status Code/Type).
// The queue processor owns SQID, SQHead, CID and the phase, More and DNR bits
// and overwrites them after Execute returns.
type Executor interface {
	Execute(ctx context.Context, sqid uint16, cmd *nvme.Command, cqe *nvme.Completion)
}

// Interrupter delivers an interrupt on an MSI-X vector. Fire and forget.
type Interrupter interface {
	Notify(vector uint16)
}

// RegisterReader exposes a byte range of the controller register file
type RegisterReader interface {
	ReadRegister(offset uint32, p []byte) error
}

// Sizer is an optional HostMemory interface reporting the address space size
type Sizer interface {
	HostMemory

	Size() uint64
}

// Closer is an optional HostMemory interface for memories holding resources
type Closer interface {
	HostMemory

	Close() error
}
