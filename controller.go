package nvmeq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/xid"

	"github.com/ehrlich-b/go-nvmeq/internal/abort"
	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/queue"
	"github.com/ehrlich-b/go-nvmeq/internal/regs"
	"github.com/ehrlich-b/go-nvmeq/internal/ring"
)

// Params contains parameters for creating a controller
type Params struct {
	// Memory is the host address space the queues live in
	Memory HostMemory

	// Command handling (nil executors complete every command successfully)
	AdminExecutor Executor
	IOExecutor    Executor

	// HandleAbort routes the Abort admin command to the controller's abort
	// registry before AdminExecutor sees it
	HandleAbort bool

	// Interrupter receives completion interrupts (nil drops them)
	Interrupter Interrupter

	// Controller configuration
	MPS             uint8 // CC.MPS; memory page size is 2^(12+MPS)
	MaxQueues       int   // Queue ids per kind, admin included (default: 64)
	MaxQueueEntries int   // Largest queue capacity (default: 4096)
}

// DefaultParams returns default controller parameters
func DefaultParams(mem HostMemory) Params {
	return Params{
		Memory:          mem,
		HandleAbort:     true,
		MPS:             0,
		MaxQueues:       constants.DefaultMaxQueues,
		MaxQueueEntries: constants.DefaultMaxQueueEntries,
	}
}

// Options contains additional options for controller creation
type Options struct {
	// Logger for debug/info messages (if nil, uses the default structured logger)
	Logger Logger

	// Observer for metrics collection, called alongside the built-in metrics
	Observer Observer

	// WorkerDepth is the doorbell event buffer used after Start (default: 64)
	WorkerDepth int
}

// CQParams describes an I/O completion queue to create
type CQParams struct {
	ID         uint16
	Size       uint16 // zero-based; capacity is Size+1
	Base       uint64 // first entry, or PRP list when not contiguous
	Contiguous bool
	IRQEnabled bool
	Vector     uint16
}

// SQParams describes an I/O submission queue to create
type SQParams struct {
	ID         uint16
	CQID       uint16
	Size       uint16 // zero-based; capacity is Size+1
	Base       uint64 // first entry, or PRP list when not contiguous
	Contiguous bool
}

// QueueState is a snapshot of one queue's ring state
type QueueState struct {
	Kind       string   `json:"kind"` // "sq" or "cq"
	ID         uint16   `json:"id"`
	Head       uint16   `json:"head"`
	Tail       uint16   `json:"tail"`
	Size       uint16   `json:"size"`
	Base       uint64   `json:"base"`
	Contiguous bool     `json:"contiguous"`
	CQID       uint16   `json:"cqid,omitempty"`
	Aborts     []uint16 `json:"pending_aborts,omitempty"`
	Phase      bool     `json:"phase,omitempty"`
	IRQEnabled bool     `json:"irq_enabled,omitempty"`
	Vector     uint16   `json:"vector,omitempty"`
}

// Controller is the per-controller context: registers, queues, the abort
// registry and the queue processor
//
// Locking: c.mu guards the queue maps only. Queue locks are never acquired
// while c.mu is held, so executors running under a queue pair lock may call
// back into the controller.
type Controller struct {
	id         xid.ID
	regs       *regs.File
	aborts     *abort.Registry
	proc       *queue.Processor
	logger     Logger
	metrics    *Metrics
	maxQueues  int
	maxEntries int

	mu  sync.RWMutex
	sqs map[uint16]*ring.SubmissionQueue
	cqs map[uint16]*ring.CompletionQueue

	workerDepth int
	workerMu    sync.Mutex
	worker      *queue.Worker
}

// New creates a controller with no queues configured
func New(params Params, options *Options) (*Controller, error) {
	if options == nil {
		options = &Options{}
	}

	if params.Memory == nil {
		return nil, NewError("NEW", ErrCodeInvalidParameters, "host memory is required")
	}
	if params.MPS > constants.MaxMPS {
		return nil, NewError("NEW", ErrCodeInvalidParameters, fmt.Sprintf("MPS %d exceeds %d", params.MPS, constants.MaxMPS))
	}
	if params.MaxQueues <= 0 {
		params.MaxQueues = constants.DefaultMaxQueues
	}
	if params.MaxQueues > 1<<16 {
		return nil, NewError("NEW", ErrCodeInvalidParameters, "max queues exceeds the 16-bit id space")
	}
	if params.MaxQueueEntries <= 0 {
		params.MaxQueueEntries = constants.DefaultMaxQueueEntries
	}
	if params.MaxQueueEntries < constants.MinQueueSize+1 || params.MaxQueueEntries > 1<<16 {
		return nil, NewError("NEW", ErrCodeInvalidParameters, fmt.Sprintf("max queue entries %d out of range", params.MaxQueueEntries))
	}

	c := &Controller{
		id:          xid.New(),
		regs:        regs.NewFile(),
		aborts:      abort.NewRegistry(),
		metrics:     NewMetrics(),
		maxQueues:   params.MaxQueues,
		maxEntries:  params.MaxQueueEntries,
		sqs:         make(map[uint16]*ring.SubmissionQueue),
		cqs:         make(map[uint16]*ring.CompletionQueue),
		workerDepth: options.WorkerDepth,
	}
	c.regs.SetMPS(params.MPS)

	switch l := options.Logger.(type) {
	case nil:
		c.logger = logging.Default().WithController(c.id.String())
	case *logging.Logger:
		c.logger = l.WithController(c.id.String())
	default:
		c.logger = l
	}

	var observer Observer = NewMetricsObserver(c.metrics)
	if options.Observer != nil {
		observer = multiObserver{observer, options.Observer}
	}

	admin := params.AdminExecutor
	if admin == nil {
		admin = NopExecutor{}
	}
	if params.HandleAbort {
		admin = &AbortExecutor{Aborter: c, Next: admin}
	}
	io := params.IOExecutor
	if io == nil {
		io = NopExecutor{}
	}
	irq := params.Interrupter
	if irq == nil {
		irq = nopInterrupter{}
	}

	proc, err := queue.NewProcessor(queue.Config{
		Memory:     params.Memory,
		Registers:  c.regs,
		Admin:      admin,
		IO:         io,
		Interrupts: irq,
		Aborts:     c.aborts,
		Logger:     c.logger,
		Observer:   observer,
	})
	if err != nil {
		return nil, WrapError("NEW", err)
	}
	c.proc = proc

	c.logger.Printf("controller %s created (mps=%d max_queues=%d max_entries=%d)",
		c.id, params.MPS, c.maxQueues, c.maxEntries)
	return c, nil
}

// ID returns the controller instance id
func (c *Controller) ID() string {
	return c.id.String()
}

// Metrics returns the controller's live metrics
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// MetricsSnapshot returns a point-in-time copy of the metrics
func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// ReadRegister reads from the controller register file
func (c *Controller) ReadRegister(offset uint32, p []byte) error {
	return c.regs.ReadRegister(offset, p)
}

// WriteRegister writes to the controller register file
func (c *Controller) WriteRegister(offset uint32, p []byte) error {
	return c.regs.WriteRegister(offset, p)
}

// SetMemoryPageSize updates CC.MPS
func (c *Controller) SetMemoryPageSize(mps uint8) error {
	if mps > constants.MaxMPS {
		return NewError("SET_MPS", ErrCodeInvalidParameters, fmt.Sprintf("MPS %d exceeds %d", mps, constants.MaxMPS))
	}
	c.regs.SetMPS(mps)
	return nil
}

// MemoryPageSize returns the CC.MPS value currently in effect
func (c *Controller) MemoryPageSize() uint8 {
	return regs.DecodeMPS(c.regs.CC())
}

func (c *Controller) validateSize(op string, id, size uint16) error {
	if size < constants.MinQueueSize {
		return NewQueueError(op, id, ErrCodeInvalidParameters, fmt.Sprintf("queue size %d too small", size))
	}
	if int(size)+1 > c.maxEntries {
		return NewQueueError(op, id, ErrCodeInvalidParameters,
			fmt.Sprintf("queue capacity %d exceeds %d", int(size)+1, c.maxEntries))
	}
	return nil
}

func (c *Controller) validateID(op string, id uint16) error {
	if id == constants.AdminQueueID || int(id) >= c.maxQueues {
		return NewQueueError(op, id, ErrCodeInvalidParameters,
			fmt.Sprintf("queue id must be in 1..%d", c.maxQueues-1))
	}
	return nil
}

// ConfigureAdminQueues sets up SQ 0 and CQ 0. Admin queues are always flat
// and CQ 0 always interrupts on vector 0.
func (c *Controller) ConfigureAdminQueues(asq, acq uint64, sqSize, cqSize uint16) error {
	if err := c.validateSize("CONFIGURE_ADMIN", constants.AdminQueueID, sqSize); err != nil {
		return err
	}
	if err := c.validateSize("CONFIGURE_ADMIN", constants.AdminQueueID, cqSize); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sqs[constants.AdminQueueID]; ok {
		return NewQueueError("CONFIGURE_ADMIN", constants.AdminQueueID, ErrCodeQueueExists, "admin queues already configured")
	}

	c.cqs[constants.AdminQueueID] = ring.NewCompletionQueue(constants.AdminQueueID, cqSize, acq, true, true, constants.AdminVector)
	c.sqs[constants.AdminQueueID] = ring.NewSubmissionQueue(constants.AdminQueueID, constants.AdminQueueID, sqSize, asq, true)

	c.logger.Debugf("admin queues configured: asq=0x%x size=%d acq=0x%x size=%d", asq, sqSize, acq, cqSize)
	return nil
}

// CreateCompletionQueue adds an I/O completion queue
func (c *Controller) CreateCompletionQueue(p CQParams) error {
	if err := c.validateID("CREATE_CQ", p.ID); err != nil {
		return err
	}
	if err := c.validateSize("CREATE_CQ", p.ID, p.Size); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cqs[p.ID]; ok {
		return NewQueueError("CREATE_CQ", p.ID, ErrCodeQueueExists, "completion queue already exists")
	}
	c.cqs[p.ID] = ring.NewCompletionQueue(p.ID, p.Size, p.Base, p.Contiguous, p.IRQEnabled, p.Vector)

	c.logger.Debugf("cq %d created: base=0x%x size=%d contiguous=%t irq=%t vector=%d",
		p.ID, p.Base, p.Size, p.Contiguous, p.IRQEnabled, p.Vector)
	return nil
}

// CreateSubmissionQueue adds an I/O submission queue bound to an existing
// completion queue
func (c *Controller) CreateSubmissionQueue(p SQParams) error {
	if err := c.validateID("CREATE_SQ", p.ID); err != nil {
		return err
	}
	if err := c.validateSize("CREATE_SQ", p.ID, p.Size); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sqs[p.ID]; ok {
		return NewQueueError("CREATE_SQ", p.ID, ErrCodeQueueExists, "submission queue already exists")
	}
	if p.CQID == constants.AdminQueueID {
		return NewQueueError("CREATE_SQ", p.ID, ErrCodeInvalidParameters, "I/O queues cannot complete on the admin completion queue")
	}
	if _, ok := c.cqs[p.CQID]; !ok {
		return NewQueueError("CREATE_SQ", p.ID, ErrCodeQueueNotFound, fmt.Sprintf("completion queue %d not found", p.CQID))
	}
	c.sqs[p.ID] = ring.NewSubmissionQueue(p.ID, p.CQID, p.Size, p.Base, p.Contiguous)

	c.logger.Debugf("sq %d created: cq=%d base=0x%x size=%d contiguous=%t",
		p.ID, p.CQID, p.Base, p.Size, p.Contiguous)
	return nil
}

// DeleteSubmissionQueue removes an I/O submission queue and discards its
// pending aborts
func (c *Controller) DeleteSubmissionQueue(id uint16) error {
	if id == constants.AdminQueueID {
		return NewQueueError("DELETE_SQ", id, ErrCodeInvalidParameters, "admin queues cannot be deleted")
	}

	c.mu.Lock()
	sq, ok := c.sqs[id]
	if ok {
		delete(c.sqs, id)
	}
	c.mu.Unlock()

	if !ok {
		return NewQueueError("DELETE_SQ", id, ErrCodeQueueNotFound, "submission queue not found")
	}

	// Wait out a cycle in flight on this queue
	sq.Lock()
	dropped := c.aborts.Drop(&sq.Aborts)
	sq.Unlock()

	c.logger.Debugf("sq %d deleted, %d pending aborts dropped", id, dropped)
	return nil
}

// DeleteCompletionQueue removes an I/O completion queue no submission queue
// refers to
func (c *Controller) DeleteCompletionQueue(id uint16) error {
	if id == constants.AdminQueueID {
		return NewQueueError("DELETE_CQ", id, ErrCodeInvalidParameters, "admin queues cannot be deleted")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cqs[id]; !ok {
		return NewQueueError("DELETE_CQ", id, ErrCodeQueueNotFound, "completion queue not found")
	}
	for _, sq := range c.sqs {
		if sq.CQID == id {
			return NewQueueError("DELETE_CQ", id, ErrCodeQueueInUse, fmt.Sprintf("submission queue %d still bound", sq.ID))
		}
	}
	delete(c.cqs, id)

	c.logger.Debugf("cq %d deleted", id)
	return nil
}

// Reset deletes every queue, admin included, and discards all pending aborts.
// Register contents are kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	sqs := c.sqs
	c.sqs = make(map[uint16]*ring.SubmissionQueue)
	c.cqs = make(map[uint16]*ring.CompletionQueue)
	c.mu.Unlock()

	dropped := 0
	for _, sq := range sqs {
		sq.Lock()
		dropped += c.aborts.Drop(&sq.Aborts)
		sq.Unlock()
	}
	c.logger.Printf("controller reset: %d submission queues removed, %d pending aborts dropped", len(sqs), dropped)
}

func (c *Controller) lookupSQ(id uint16) (*ring.SubmissionQueue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sq, ok := c.sqs[id]
	return sq, ok
}

func (c *Controller) lookupCQ(id uint16) (*ring.CompletionQueue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cq, ok := c.cqs[id]
	return cq, ok
}

func (c *Controller) lookupPair(op string, sqid uint16) (*ring.SubmissionQueue, *ring.CompletionQueue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sq, ok := c.sqs[sqid]
	if !ok {
		return nil, nil, NewQueueError(op, sqid, ErrCodeQueueNotFound, "submission queue not found")
	}
	cq, ok := c.cqs[sq.CQID]
	if !ok {
		return nil, nil, NewQueueError(op, sq.CQID, ErrCodeQueueNotFound, "completion queue not found")
	}
	return sq, cq, nil
}

// RingSubmissionDoorbell records a host write of the SQ tail doorbell
func (c *Controller) RingSubmissionDoorbell(sqid, tail uint16) error {
	sq, ok := c.lookupSQ(sqid)
	if !ok {
		return NewQueueError("SQ_DOORBELL", sqid, ErrCodeQueueNotFound, "submission queue not found")
	}

	sq.Lock()
	err := sq.SetTail(tail)
	sq.Unlock()
	if err != nil {
		return &Error{Op: "SQ_DOORBELL", Queue: int(sqid), CID: -1, Code: ErrCodeInvalidDoorbell,
			Msg: fmt.Sprintf("tail %d beyond queue size %d", tail, sq.Size), Inner: err}
	}

	c.kick(sqid)
	return nil
}

// RingCompletionDoorbell records a host write of the CQ head doorbell, the
// only way completion queue head moves
func (c *Controller) RingCompletionDoorbell(cqid, head uint16) error {
	cq, ok := c.lookupCQ(cqid)
	if !ok {
		return NewQueueError("CQ_DOORBELL", cqid, ErrCodeQueueNotFound, "completion queue not found")
	}

	cq.Lock()
	err := cq.SetHead(head)
	cq.Unlock()
	if err != nil {
		return &Error{Op: "CQ_DOORBELL", Queue: int(cqid), CID: -1, Code: ErrCodeInvalidDoorbell,
			Msg: fmt.Sprintf("head %d beyond queue size %d", head, cq.Size), Inner: err}
	}

	// Freed slots may unblock submission queues deferred on backpressure
	for _, sqid := range c.boundSubmissionQueues(cqid) {
		c.kick(sqid)
	}
	return nil
}

func (c *Controller) boundSubmissionQueues(cqid uint16) []uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []uint16
	for id, sq := range c.sqs {
		if sq.CQID == cqid {
			ids = append(ids, id)
		}
	}
	return ids
}

// ProcessSubmissionQueue runs one processing cycle on sqid: fetch the entry
// at head, execute it unless aborted, post its completion and interrupt.
// It does not consult the doorbell tail.
func (c *Controller) ProcessSubmissionQueue(ctx context.Context, sqid uint16) (Outcome, error) {
	return c.process(ctx, sqid, false)
}

func (c *Controller) process(ctx context.Context, sqid uint16, onlyPending bool) (Outcome, error) {
	sq, cq, err := c.lookupPair("PROCESS", sqid)
	if err != nil {
		return queue.OutcomeNone, err
	}

	unlock := ring.LockPair(sq, cq)
	defer unlock()

	// The queue may have been deleted while we waited for it
	if cur, ok := c.lookupSQ(sqid); !ok || cur != sq {
		return queue.OutcomeNone, NewQueueError("PROCESS", sqid, ErrCodeQueueNotFound, "submission queue deleted")
	}

	if onlyPending && !sq.Pending() {
		return queue.OutcomeNone, nil
	}

	out, err := c.proc.Process(ctx, sq, cq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return out, err
		}
		return out, &Error{Op: "PROCESS", Queue: int(sqid), CID: -1, Code: ErrCodeHostMemory, Msg: err.Error(), Inner: err}
	}
	return out, nil
}

// Service processes sqid while it has entries between head and the doorbell
// tail. It stops early on completion queue backpressure, cancellation or
// error, and returns the number of entries consumed.
func (c *Controller) Service(ctx context.Context, sqid uint16) (int, error) {
	n := 0
	for {
		out, err := c.process(ctx, sqid, true)
		if err != nil {
			return n, err
		}
		switch out {
		case queue.OutcomeCompleted, queue.OutcomeAborted:
			n++
		default:
			return n, nil
		}
	}
}

// Abort marks cid on sqid for cancellation. The entry is consumed without
// completion when the processor next fetches it.
func (c *Controller) Abort(sqid, cid uint16) error {
	sq, ok := c.lookupSQ(sqid)
	if !ok {
		return NewCommandError("ABORT", sqid, cid, ErrCodeQueueNotFound, "submission queue not found")
	}

	if err := c.aborts.Register(&sq.Aborts, cid); err != nil {
		code := mapErrorToCode(err)
		return &Error{Op: "ABORT", Queue: int(sqid), CID: int(cid), Code: code, Msg: err.Error(), Inner: err}
	}

	// A delete or reset that raced with the registration has already
	// dropped the table; take the slot back so the pending count stays exact.
	// Queue locks are not taken here: the admin Abort command runs under the
	// admin pair lock and may target the admin queue itself.
	if cur, ok := c.lookupSQ(sqid); !ok || cur != sq {
		c.aborts.TryConsume(&sq.Aborts, cid)
		return NewCommandError("ABORT", sqid, cid, ErrCodeQueueNotFound, "submission queue deleted")
	}

	c.logger.Debugf("sq %d: abort registered for cid %d (%d pending)", sqid, cid, c.aborts.Pending())
	return nil
}

// SubmissionQueueHead returns the head of sqid, the next entry the
// controller will fetch
func (c *Controller) SubmissionQueueHead(sqid uint16) (uint16, bool) {
	sq, ok := c.lookupSQ(sqid)
	if !ok {
		return 0, false
	}
	sq.Lock()
	defer sq.Unlock()
	return sq.Head, true
}

// PendingAborts returns the number of aborts pending across all queues
func (c *Controller) PendingAborts() int {
	return c.aborts.Pending()
}

// QueueStates returns a snapshot of every queue, submission queues first,
// each kind ordered by id
func (c *Controller) QueueStates() []QueueState {
	c.mu.RLock()
	sqs := make([]*ring.SubmissionQueue, 0, len(c.sqs))
	for _, sq := range c.sqs {
		sqs = append(sqs, sq)
	}
	cqs := make([]*ring.CompletionQueue, 0, len(c.cqs))
	for _, cq := range c.cqs {
		cqs = append(cqs, cq)
	}
	c.mu.RUnlock()

	sort.Slice(sqs, func(i, j int) bool { return sqs[i].ID < sqs[j].ID })
	sort.Slice(cqs, func(i, j int) bool { return cqs[i].ID < cqs[j].ID })

	states := make([]QueueState, 0, len(sqs)+len(cqs))
	for _, sq := range sqs {
		states = append(states, sqState(sq))
	}
	for _, cq := range cqs {
		states = append(states, cqState(cq))
	}
	return states
}

// QueueStatesByID returns the snapshots of the submission and completion
// queues with the given id, if they exist
func (c *Controller) QueueStatesByID(id uint16) []QueueState {
	var states []QueueState
	if sq, ok := c.lookupSQ(id); ok {
		states = append(states, sqState(sq))
	}
	if cq, ok := c.lookupCQ(id); ok {
		states = append(states, cqState(cq))
	}
	return states
}

func sqState(sq *ring.SubmissionQueue) QueueState {
	sq.Lock()
	defer sq.Unlock()
	return QueueState{
		Kind:       "sq",
		ID:         sq.ID,
		Head:       sq.Head,
		Tail:       sq.Tail,
		Size:       sq.Size,
		Base:       sq.Base,
		Contiguous: sq.Contiguous,
		CQID:       sq.CQID,
		Aborts:     sq.Aborts.Pending(),
	}
}

func cqState(cq *ring.CompletionQueue) QueueState {
	cq.Lock()
	defer cq.Unlock()
	return QueueState{
		Kind:       "cq",
		ID:         cq.ID,
		Head:       cq.Head,
		Tail:       cq.Tail,
		Size:       cq.Size,
		Base:       cq.Base,
		Contiguous: cq.Contiguous,
		Phase:      cq.Phase,
		IRQEnabled: cq.IRQEnabled,
		Vector:     cq.Vector,
	}
}

// Start services queues in the background: every doorbell write schedules
// the affected submission queues. Without Start the caller drives
// ProcessSubmissionQueue or Service itself.
func (c *Controller) Start(ctx context.Context) error {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()

	if c.worker != nil {
		return NewError("START", ErrCodeInvalidParameters, "controller already started")
	}

	w, err := queue.NewWorker(ctx, queue.WorkerConfig{
		Depth:   c.workerDepth,
		Service: c.Service,
		Logger:  c.logger,
	})
	if err != nil {
		return WrapError("START", err)
	}
	if err := w.Start(); err != nil {
		return WrapError("START", err)
	}
	c.worker = w

	c.logger.Printf("controller %s servicing queues in the background", c.id)
	return nil
}

func (c *Controller) kick(sqid uint16) {
	c.workerMu.Lock()
	w := c.worker
	c.workerMu.Unlock()

	if w != nil {
		w.Kick(sqid)
	}
}

// Close stops background servicing and freezes the metrics clock
func (c *Controller) Close() error {
	c.workerMu.Lock()
	w := c.worker
	c.worker = nil
	c.workerMu.Unlock()

	if w != nil {
		w.Close()
	}
	c.metrics.Stop()
	return nil
}

type nopInterrupter struct{}

func (nopInterrupter) Notify(uint16) {}
