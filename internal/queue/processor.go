package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-nvmeq/internal/abort"
	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/prp"
	"github.com/ehrlich-b/go-nvmeq/internal/regs"
	"github.com/ehrlich-b/go-nvmeq/internal/ring"
)

// Outcome is the result of one processing cycle
type Outcome int

const (
	OutcomeNone                Outcome = iota // returned alongside an error
	OutcomeCompleted                          // command executed, completion posted
	OutcomeAborted                            // entry consumed by a pending abort, nothing posted
	OutcomeCompletionQueueFull                // no state changed; retry after the host frees a slot
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeCompletionQueueFull:
		return "cq-full"
	default:
		return "none"
	}
}

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives one event per processing step of interest
type Observer interface {
	ObserveFetch(sqid uint16)
	ObserveCompletion(sqid uint16, admin bool, latencyNs uint64)
	ObserveAbort(sqid uint16)
	ObserveBackpressure(cqid uint16)
	ObserveInterrupt(vector uint16, delivered bool)
}

type nopObserver struct{}

func (nopObserver) ObserveFetch(uint16)                    {}
func (nopObserver) ObserveCompletion(uint16, bool, uint64) {}
func (nopObserver) ObserveAbort(uint16)                    {}
func (nopObserver) ObserveBackpressure(uint16)             {}
func (nopObserver) ObserveInterrupt(uint16, bool)          {}

type Config struct {
	Memory     interfaces.HostMemory
	Registers  interfaces.RegisterReader
	Admin      interfaces.Executor
	IO         interfaces.Executor
	Interrupts interfaces.Interrupter
	Aborts     *abort.Registry
	Logger     Logger
	Observer   Observer
}

// Processor runs the submission/completion cycle for one queue pair at a time
type Processor struct {
	mem      interfaces.HostMemory
	regs     interfaces.RegisterReader
	admin    interfaces.Executor
	io       interfaces.Executor
	irq      interfaces.Interrupter
	aborts   *abort.Registry
	logger   Logger
	observer Observer
}

// NewProcessor creates a processor. Logger and Observer are optional.
func NewProcessor(config Config) (*Processor, error) {
	switch {
	case config.Memory == nil:
		return nil, fmt.Errorf("processor: host memory is required")
	case config.Registers == nil:
		return nil, fmt.Errorf("processor: register file is required")
	case config.Admin == nil || config.IO == nil:
		return nil, fmt.Errorf("processor: admin and IO executors are required")
	case config.Interrupts == nil:
		return nil, fmt.Errorf("processor: interrupter is required")
	case config.Aborts == nil:
		return nil, fmt.Errorf("processor: abort registry is required")
	}

	observer := config.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Processor{
		mem:      config.Memory,
		regs:     config.Registers,
		admin:    config.Admin,
		io:       config.IO,
		irq:      config.Interrupts,
		aborts:   config.Aborts,
		logger:   config.Logger,
		observer: observer,
	}, nil
}

// Process fetches and handles the entry at sq's head, posting its completion
// on cq. The caller must hold both queues via ring.LockPair and cq must be
// the completion queue sq is bound to.
//
// A full cq is not an error: Process returns OutcomeCompletionQueueFull with
// every ring untouched. Host memory errors are returned as is; if one
// happens before the completion is written, the rings are untouched too.
func (p *Processor) Process(ctx context.Context, sq *ring.SubmissionQueue, cq *ring.CompletionQueue) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeNone, err
	}

	if cq.IsFull() {
		p.observer.ObserveBackpressure(cq.ID)
		if p.logger != nil {
			p.logger.Debugf("sq %d: cq %d full (head=%d tail=%d), deferring", sq.ID, cq.ID, cq.Head, cq.Tail)
		}
		return OutcomeCompletionQueueFull, nil
	}

	start := time.Now()
	mps, err := p.memoryPageSize()
	if err != nil {
		return OutcomeNone, err
	}

	cmd, err := p.fetch(sq, mps)
	if err != nil {
		return OutcomeNone, err
	}
	p.observer.ObserveFetch(sq.ID)

	// The registry count lets the common case skip the slot scan
	if p.aborts.Pending() > 0 && p.aborts.TryConsume(&sq.Aborts, cmd.CID) {
		sq.AdvanceHead()
		p.observer.ObserveAbort(sq.ID)
		if p.logger != nil {
			p.logger.Debugf("sq %d: cid %d aborted before execution, head=%d", sq.ID, cmd.CID, sq.Head)
		}
		return OutcomeAborted, nil
	}

	var cqe nvme.Completion
	admin := sq.ID == constants.AdminQueueID
	if admin {
		p.admin.Execute(ctx, sq.ID, &cmd, &cqe)
	} else {
		p.io.Execute(ctx, sq.ID, &cmd, &cqe)
	}

	cqe.SQID = sq.ID
	cqe.SQHead = sq.Head
	cqe.CID = cmd.CID
	cqe.Status.Phase = cq.Phase
	cqe.Status.More = false
	cqe.Status.DNR = false

	if err := p.post(cq, &cqe, mps); err != nil {
		return OutcomeNone, err
	}

	sq.AdvanceHead()
	cq.AdvanceTail()
	p.observer.ObserveCompletion(sq.ID, admin, uint64(time.Since(start).Nanoseconds()))

	if p.logger != nil {
		p.logger.Debugf("sq %d: cid %d completed on cq %d status=0x%04x sq_head=%d cq_tail=%d phase=%t",
			sq.ID, cmd.CID, cq.ID, cqe.Status.Encode(), sq.Head, cq.Tail, cq.Phase)
	}

	p.signal(cq)
	return OutcomeCompleted, nil
}

// memoryPageSize decodes CC.MPS from the register file
func (p *Processor) memoryPageSize() (uint8, error) {
	var cc [4]byte
	if err := p.regs.ReadRegister(constants.RegCC, cc[:]); err != nil {
		return 0, fmt.Errorf("read CC: %w", err)
	}
	return regs.DecodeMPS(binary.LittleEndian.Uint32(cc[:])), nil
}

// fetch reads the entry at the submission queue head
func (p *Processor) fetch(sq *ring.SubmissionQueue, mps uint8) (nvme.Command, error) {
	var cmd nvme.Command

	addr, err := prp.Translate(p.mem, sq.Region(), sq.Head, constants.SQEntrySize, mps)
	if err != nil {
		return cmd, fmt.Errorf("sq %d entry %d: %w", sq.ID, sq.Head, err)
	}

	var buf [constants.SQEntrySize]byte
	if err := p.mem.Read(addr, buf[:]); err != nil {
		return cmd, fmt.Errorf("sq %d: read entry %d at 0x%x: %w", sq.ID, sq.Head, addr, err)
	}

	if err := nvme.DecodeCommand(buf[:], &cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// post writes cqe into the slot at the completion queue tail
func (p *Processor) post(cq *ring.CompletionQueue, cqe *nvme.Completion, mps uint8) error {
	addr, err := prp.Translate(p.mem, cq.Region(), cq.Tail, constants.CQEntrySize, mps)
	if err != nil {
		return fmt.Errorf("cq %d entry %d: %w", cq.ID, cq.Tail, err)
	}

	var buf [constants.CQEntrySize]byte
	nvme.EncodeCompletion(buf[:], cqe)
	if err := p.mem.Write(addr, buf[:]); err != nil {
		return fmt.Errorf("cq %d: write entry %d at 0x%x: %w", cq.ID, cq.Tail, addr, err)
	}
	return nil
}

// signal raises the completion interrupt for cq. The admin completion queue
// is always bound to vector 0 regardless of its own settings.
func (p *Processor) signal(cq *ring.CompletionQueue) {
	if cq.ID == constants.AdminQueueID {
		p.irq.Notify(constants.AdminVector)
		p.observer.ObserveInterrupt(constants.AdminVector, true)
		return
	}

	if !cq.IRQEnabled {
		p.observer.ObserveInterrupt(cq.Vector, false)
		if p.logger != nil {
			p.logger.Debugf("cq %d: IRQ not enabled, no interrupt raised", cq.ID)
		}
		return
	}

	p.irq.Notify(cq.Vector)
	p.observer.ObserveInterrupt(cq.Vector, true)
}
