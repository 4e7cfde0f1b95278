package nvmeq

import (
	"context"
	"errors"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// NopExecutor completes every command successfully with a zero result
type NopExecutor struct{}

func (NopExecutor) Execute(context.Context, uint16, *Command, *Completion) {}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, sqid uint16, cmd *Command, cqe *Completion)

func (f ExecutorFunc) Execute(ctx context.Context, sqid uint16, cmd *Command, cqe *Completion) {
	f(ctx, sqid, cmd, cqe)
}

// Aborter registers pending command aborts; *Controller implements it
type Aborter interface {
	Abort(sqid, cid uint16) error
}

// AbortExecutor handles the Abort admin command and passes every other
// opcode to Next.
//
// CDW10 bits 15:0 name the submission queue and bits 31:16 the command id.
// Bit 0 of the completion result is 0 when the abort was registered.
type AbortExecutor struct {
	Aborter Aborter
	Next    Executor
}

func (a *AbortExecutor) Execute(ctx context.Context, sqid uint16, cmd *Command, cqe *Completion) {
	if cmd.Opcode != constants.OpcodeAbort {
		if a.Next != nil {
			a.Next.Execute(ctx, sqid, cmd, cqe)
		}
		return
	}

	target := uint16(cmd.CDW10() & 0xffff)
	cid := uint16(cmd.CDW10() >> 16)

	err := a.Aborter.Abort(target, cid)
	switch {
	case err == nil:
		cqe.Result = 0
	case errors.Is(err, ErrAbortLimit):
		cqe.Result = 1
		cqe.Status.Type = nvme.StatusTypeCommandSpecific
		cqe.Status.Code = nvme.StatusAbortLimitExceeded
	case errors.Is(err, ErrQueueNotFound):
		cqe.Result = 1
		cqe.Status.Type = nvme.StatusTypeGeneric
		cqe.Status.Code = nvme.StatusInvalidField
	default:
		// Already pending: nothing new was registered
		cqe.Result = 1
	}
}

var (
	_ Executor = NopExecutor{}
	_ Executor = ExecutorFunc(nil)
	_ Executor = (*AbortExecutor)(nil)
	_ Aborter  = (*Controller)(nil)
)
