// Package ring holds submission and completion queue state.
//
// Head and tail are modulo counters over a capacity of Size+1 slots. The
// queue processor advances a submission queue head and a completion queue
// tail exactly once per processed command; nothing else moves them.
package ring

import (
	"errors"
	"sync"

	"github.com/ehrlich-b/go-nvmeq/internal/abort"
	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/prp"
)

// ErrIndexOutOfRange is returned for a doorbell value beyond the queue size
var ErrIndexOutOfRange = errors.New("queue index out of range")

// SubmissionQueue is the controller-side state of one SQ
type SubmissionQueue struct {
	mu sync.Mutex

	ID         uint16
	CQID       uint16 // associated completion queue
	Head       uint16 // next entry the controller fetches
	Tail       uint16 // last doorbell value written by the host
	Size       uint16 // zero-based; capacity is Size+1
	Base       uint64 // entry base, or PRP list base when not contiguous
	Contiguous bool

	// Aborts holds command ids pending cancellation on this queue
	Aborts abort.Table
}

// NewSubmissionQueue creates an empty submission queue
func NewSubmissionQueue(id, cqid, size uint16, base uint64, contiguous bool) *SubmissionQueue {
	return &SubmissionQueue{
		ID:         id,
		CQID:       cqid,
		Size:       size,
		Base:       base,
		Contiguous: contiguous,
	}
}

// Entries returns the queue capacity
func (sq *SubmissionQueue) Entries() int {
	return int(sq.Size) + 1
}

// AdvanceHead moves head one slot forward, wrapping at capacity
func (sq *SubmissionQueue) AdvanceHead() {
	sq.Head = uint16((uint32(sq.Head) + 1) % (uint32(sq.Size) + 1))
}

// Pending reports whether the host has submitted entries not yet fetched
func (sq *SubmissionQueue) Pending() bool {
	return sq.Head != sq.Tail
}

// Outstanding returns the number of entries between head and the doorbell tail
func (sq *SubmissionQueue) Outstanding() int {
	capacity := uint32(sq.Size) + 1
	return int((uint32(sq.Tail) + capacity - uint32(sq.Head)) % capacity)
}

// SetTail records a submission doorbell write
func (sq *SubmissionQueue) SetTail(tail uint16) error {
	if tail > sq.Size {
		return ErrIndexOutOfRange
	}
	sq.Tail = tail
	return nil
}

// Region describes where the queue's entries live
func (sq *SubmissionQueue) Region() prp.Region {
	return prp.Region{
		Base:       sq.Base,
		Contiguous: sq.Contiguous,
		Admin:      sq.ID == constants.AdminQueueID,
	}
}

// Lock acquires exclusive access to the queue's ring state
func (sq *SubmissionQueue) Lock() { sq.mu.Lock() }

// Unlock releases the queue
func (sq *SubmissionQueue) Unlock() { sq.mu.Unlock() }

// CompletionQueue is the controller-side state of one CQ
type CompletionQueue struct {
	mu sync.Mutex

	ID         uint16
	Head       uint16 // advanced out-of-band by the host
	Tail       uint16 // next slot the controller writes
	Size       uint16 // zero-based; capacity is Size+1
	Base       uint64
	Contiguous bool
	Phase      bool // phase tag written into each new entry
	IRQEnabled bool
	Vector     uint16
}

// NewCompletionQueue creates an empty completion queue with phase tag 0
func NewCompletionQueue(id, size uint16, base uint64, contiguous, irqEnabled bool, vector uint16) *CompletionQueue {
	return &CompletionQueue{
		ID:         id,
		Size:       size,
		Base:       base,
		Contiguous: contiguous,
		IRQEnabled: irqEnabled,
		Vector:     vector,
	}
}

// Entries returns the queue capacity
func (cq *CompletionQueue) Entries() int {
	return int(cq.Size) + 1
}

// AdvanceTail moves tail forward linearly and inverts the phase tag when it
// passes Size and resets to 0
func (cq *CompletionQueue) AdvanceTail() {
	tail := uint32(cq.Tail) + 1
	if tail > uint32(cq.Size) {
		tail = 0
		cq.Phase = !cq.Phase
	}
	cq.Tail = uint16(tail)
}

// IsFull reports whether the slot at tail is the last free one, i.e. tail is
// just behind head
func (cq *CompletionQueue) IsFull() bool {
	return (uint32(cq.Tail)+1)%(uint32(cq.Size)+1) == uint32(cq.Head)
}

// IsEmpty reports whether the host has consumed every posted entry
func (cq *CompletionQueue) IsEmpty() bool {
	return cq.Head == cq.Tail
}

// Used returns the number of posted entries the host has not yet consumed
func (cq *CompletionQueue) Used() int {
	capacity := uint32(cq.Size) + 1
	return int((uint32(cq.Tail) + capacity - uint32(cq.Head)) % capacity)
}

// SetHead records a completion doorbell write
func (cq *CompletionQueue) SetHead(head uint16) error {
	if head > cq.Size {
		return ErrIndexOutOfRange
	}
	cq.Head = head
	return nil
}

// Region describes where the queue's entries live
func (cq *CompletionQueue) Region() prp.Region {
	return prp.Region{
		Base:       cq.Base,
		Contiguous: cq.Contiguous,
		Admin:      cq.ID == constants.AdminQueueID,
	}
}

// Lock acquires exclusive access to the queue's ring state
func (cq *CompletionQueue) Lock() { cq.mu.Lock() }

// Unlock releases the queue
func (cq *CompletionQueue) Unlock() { cq.mu.Unlock() }

// LockPair acquires the completion queue and then the submission queue and
// returns the release function. Every path that needs both locks goes
// through here so the order is fixed; several SQs may share one CQ.
func LockPair(sq *SubmissionQueue, cq *CompletionQueue) (unlock func()) {
	cq.Lock()
	sq.Lock()
	return func() {
		sq.Unlock()
		cq.Unlock()
	}
}
