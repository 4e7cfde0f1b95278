// Package nvmeq emulates the controller side of NVMe submission and
// completion queue pairs.
//
// The host places 64-byte commands in submission queues in its memory and
// rings doorbells; the controller fetches each command, hands it to an
// Executor, writes the 16-byte completion into the bound completion queue
// and raises an interrupt.
package nvmeq

import (
	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/queue"
)

// HostMemory is the host physical address space queues live in
type HostMemory = interfaces.HostMemory

// Executor carries out fetched commands
type Executor = interfaces.Executor

// Interrupter raises MSI-X interrupts
type Interrupter = interfaces.Interrupter

// Logger is the minimal logging interface the controller uses
type Logger = queue.Logger

// Command is a submission queue entry
type Command = nvme.Command

// Completion is a completion queue entry
type Completion = nvme.Completion

// Status is a decoded completion status field
type Status = nvme.Status

// Outcome is the result of one processing cycle
type Outcome = queue.Outcome

const (
	OutcomeNone                = queue.OutcomeNone
	OutcomeCompleted           = queue.OutcomeCompleted
	OutcomeAborted             = queue.OutcomeAborted
	OutcomeCompletionQueueFull = queue.OutcomeCompletionQueueFull
)
