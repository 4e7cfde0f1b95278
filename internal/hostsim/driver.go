// Package hostsim plays the host side of NVMe queue pairs: it lays out
// queues in host memory, writes submission entries, rings doorbells and
// reaps completions by phase tag.
package hostsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/prp"
)

var (
	// ErrQueueFull is returned by Submit when the host has no free slot
	ErrQueueFull = errors.New("submission queue full")

	// ErrOutOfMemory is returned when the allocator is exhausted
	ErrOutOfMemory = errors.New("host memory exhausted")

	// ErrUnknownQueue is returned for a queue the driver has not set up
	ErrUnknownQueue = errors.New("unknown queue")
)

// Doorbells is the controller's doorbell register pair
type Doorbells interface {
	RingSubmissionDoorbell(sqid, tail uint16) error
	RingCompletionDoorbell(cqid, head uint16) error
}

// HeadReporter is implemented by controllers that expose their submission
// queue heads. Entries consumed by an abort produce no completion, so a
// driver that learns heads only from completions would see those slots as
// taken forever. When the ring looks full, Submit asks the reporter.
type HeadReporter interface {
	SubmissionQueueHead(sqid uint16) (uint16, bool)
}

type Config struct {
	Base  uint64 // first allocatable address
	Limit uint64 // allocations end below this address
	MPS   uint8  // memory page size exponent, must match CC.MPS
}

type hostSQ struct {
	region prp.Region
	size   uint16
	tail   uint16
	head   uint16 // as last reported through a completion
	cqid   uint16
}

type hostCQ struct {
	region prp.Region
	size   uint16
	head   uint16
	phase  bool // phase tag expected on the current pass
}

// outstanding is the number of entries between head and the host's tail
func (sq *hostSQ) outstanding(head uint16) uint32 {
	capacity := uint32(sq.size) + 1
	return (uint32(sq.tail) + capacity - uint32(head)) % capacity
}

// advanceHead moves the head forward to head. A head behind the current one,
// such as one carried by a completion reaped late, is ignored.
func (sq *hostSQ) advanceHead(head uint16) {
	if uint32(head) > uint32(sq.size) {
		return
	}
	if sq.outstanding(head) <= sq.outstanding(sq.head) {
		sq.head = head
	}
}

// Driver is a simulated host driver
type Driver struct {
	mem interfaces.HostMemory
	db  Doorbells
	mps uint8

	mu    sync.Mutex
	next  uint64
	limit uint64
	sqs   map[uint16]*hostSQ
	cqs   map[uint16]*hostCQ
}

// New creates a driver allocating queue memory from config's range
func New(mem interfaces.HostMemory, db Doorbells, config Config) *Driver {
	return &Driver{
		mem:   mem,
		db:    db,
		mps:   config.MPS,
		next:  config.Base,
		limit: config.Limit,
		sqs:   make(map[uint16]*hostSQ),
		cqs:   make(map[uint16]*hostCQ),
	}
}

// PageSize returns the memory page size in use
func (d *Driver) PageSize() uint64 {
	return prp.PageSize(d.mps)
}

// Alloc reserves n bytes aligned to align (a power of two)
func (d *Driver) Alloc(n, align uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alloc(n, align)
}

func (d *Driver) alloc(n, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	addr := (d.next + align - 1) &^ (align - 1)
	if addr+n > d.limit || addr+n < addr {
		return 0, fmt.Errorf("alloc %d bytes: %w", n, ErrOutOfMemory)
	}
	d.next = addr + n
	return addr, nil
}

// AllocQueue reserves memory for a queue of entries slots. A paged queue
// gets its pages through a PRP list and the list base is returned.
func (d *Driver) AllocQueue(entries int, entrySize uint32, paged bool) (uint64, error) {
	if paged {
		return d.BuildPRPList(entries, entrySize)
	}
	return d.Alloc(uint64(entries)*uint64(entrySize), d.PageSize())
}

// BuildPRPList allocates the pages for a non-contiguous queue, writes their
// pointers into a PRP list and returns the list base. Pages are handed out
// in descending address order so no two consecutive pages are adjacent.
func (d *Driver) BuildPRPList(entries int, entrySize uint32) (uint64, error) {
	pages := prp.Pages(entries, entrySize, d.mps)
	pageSize := d.PageSize()

	d.mu.Lock()
	defer d.mu.Unlock()

	bases := make([]uint64, pages)
	for i := range bases {
		// A one-page gap keeps the pages scattered
		if _, err := d.alloc(pageSize, pageSize); err != nil {
			return 0, err
		}
		addr, err := d.alloc(pageSize, pageSize)
		if err != nil {
			return 0, err
		}
		bases[pages-1-i] = addr
	}

	list, err := d.alloc(uint64(pages)*constants.PRPEntrySize, constants.PRPEntrySize)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 0, pages*constants.PRPEntrySize)
	for _, base := range bases {
		buf = binary.LittleEndian.AppendUint64(buf, base)
	}
	if err := d.mem.Write(list, buf); err != nil {
		return 0, fmt.Errorf("write PRP list at 0x%x: %w", list, err)
	}
	return list, nil
}

// AddCompletionQueue registers a completion queue the controller was told
// about and marks every slot stale, i.e. carrying phase tag 1
func (d *Driver) AddCompletionQueue(id, size uint16, base uint64, contiguous bool) error {
	cq := &hostCQ{
		region: prp.Region{Base: base, Contiguous: contiguous, Admin: id == constants.AdminQueueID},
		size:   size,
	}

	stale := nvme.Completion{Status: nvme.Status{Phase: true}}
	var buf [constants.CQEntrySize]byte
	nvme.EncodeCompletion(buf[:], &stale)
	for i := 0; i <= int(size); i++ {
		addr, err := prp.Translate(d.mem, cq.region, uint16(i), constants.CQEntrySize, d.mps)
		if err != nil {
			return err
		}
		if err := d.mem.Write(addr, buf[:]); err != nil {
			return fmt.Errorf("cq %d: prefill slot %d: %w", id, i, err)
		}
	}

	d.mu.Lock()
	d.cqs[id] = cq
	d.mu.Unlock()
	return nil
}

// AddSubmissionQueue registers a submission queue the controller was told
// about
func (d *Driver) AddSubmissionQueue(id, cqid, size uint16, base uint64, contiguous bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sqs[id] = &hostSQ{
		region: prp.Region{Base: base, Contiguous: contiguous, Admin: id == constants.AdminQueueID},
		size:   size,
		cqid:   cqid,
	}
}

// Submit writes cmd at the host's tail of sqid and rings the doorbell
func (d *Driver) Submit(sqid uint16, cmd nvme.Command) error {
	d.mu.Lock()
	sq, ok := d.sqs[sqid]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("sq %d: %w", sqid, ErrUnknownQueue)
	}

	capacity := uint32(sq.size) + 1
	next := uint16((uint32(sq.tail) + 1) % capacity)
	if next == sq.head {
		if hr, ok := d.db.(HeadReporter); ok {
			if head, ok := hr.SubmissionQueueHead(sqid); ok {
				sq.advanceHead(head)
			}
		}
	}
	if next == sq.head {
		d.mu.Unlock()
		return fmt.Errorf("sq %d: %w", sqid, ErrQueueFull)
	}

	addr, err := prp.Translate(d.mem, sq.region, sq.tail, constants.SQEntrySize, d.mps)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	var buf [constants.SQEntrySize]byte
	nvme.EncodeCommand(buf[:], &cmd)
	if err := d.mem.Write(addr, buf[:]); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("sq %d: write entry %d: %w", sqid, sq.tail, err)
	}
	sq.tail = next
	d.mu.Unlock()

	return d.db.RingSubmissionDoorbell(sqid, next)
}

// Reap consumes every new completion on cqid, rings the completion doorbell
// if any were found and returns them in order
func (d *Driver) Reap(cqid uint16) ([]nvme.Completion, error) {
	d.mu.Lock()
	cq, ok := d.cqs[cqid]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("cq %d: %w", cqid, ErrUnknownQueue)
	}

	var out []nvme.Completion
	var buf [constants.CQEntrySize]byte
	for {
		addr, err := prp.Translate(d.mem, cq.region, cq.head, constants.CQEntrySize, d.mps)
		if err != nil {
			d.mu.Unlock()
			return out, err
		}
		if err := d.mem.Read(addr, buf[:]); err != nil {
			d.mu.Unlock()
			return out, fmt.Errorf("cq %d: read entry %d: %w", cqid, cq.head, err)
		}

		var cqe nvme.Completion
		if err := nvme.DecodeCompletion(buf[:], &cqe); err != nil {
			d.mu.Unlock()
			return out, err
		}
		if cqe.Status.Phase != cq.phase {
			break
		}
		out = append(out, cqe)

		if sq, ok := d.sqs[cqe.SQID]; ok {
			sq.advanceHead(uint16((uint32(cqe.SQHead) + 1) % (uint32(sq.size) + 1)))
		}

		cq.head++
		if cq.head > cq.size {
			cq.head = 0
			cq.phase = !cq.phase
		}
	}
	head := cq.head
	d.mu.Unlock()

	if len(out) == 0 {
		return nil, nil
	}
	return out, d.db.RingCompletionDoorbell(cqid, head)
}

// Tail returns the host's submission tail for sqid
func (d *Driver) Tail(sqid uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sq, ok := d.sqs[sqid]; ok {
		return sq.tail
	}
	return 0
}

// ExpectedPhase returns the phase tag the host expects next on cqid
func (d *Driver) ExpectedPhase(cqid uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cq, ok := d.cqs[cqid]; ok {
		return cq.phase
	}
	return false
}
