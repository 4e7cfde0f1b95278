package hostsim

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/backend"
	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/prp"
)

type doorbellWrite struct {
	sq    bool
	id    uint16
	value uint16
}

type recordingDoorbells struct {
	writes []doorbellWrite
}

func (r *recordingDoorbells) RingSubmissionDoorbell(sqid, tail uint16) error {
	r.writes = append(r.writes, doorbellWrite{sq: true, id: sqid, value: tail})
	return nil
}

func (r *recordingDoorbells) RingCompletionDoorbell(cqid, head uint16) error {
	r.writes = append(r.writes, doorbellWrite{id: cqid, value: head})
	return nil
}

func newDriver(t *testing.T, mps uint8) (*Driver, *backend.Memory, *recordingDoorbells) {
	t.Helper()
	mem := backend.NewMemory(4 << 20)
	db := &recordingDoorbells{}
	return New(mem, db, Config{Base: 0x10000, Limit: 4 << 20, MPS: mps}), mem, db
}

func postCompletion(t *testing.T, mem *backend.Memory, addr uint64, cqe nvme.Completion) {
	t.Helper()
	var buf [constants.CQEntrySize]byte
	nvme.EncodeCompletion(buf[:], &cqe)
	require.NoError(t, mem.Write(addr, buf[:]))
}

func TestAlloc(t *testing.T) {
	d, _, _ := newDriver(t, 0)

	a, err := d.Alloc(10, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), a)

	b, err := d.Alloc(64, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x11000), b, "aligned up")

	_, err = d.Alloc(8<<20, 1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestBuildPRPList(t *testing.T) {
	tests := []struct {
		name    string
		mps     uint8
		entries int
		size    uint32
		pages   int
	}{
		{"sq 4k", 0, 256, constants.SQEntrySize, 4},
		{"cq 4k", 0, 256, constants.CQEntrySize, 1},
		{"sq 8k", 1, 300, constants.SQEntrySize, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mem, _ := newDriver(t, tt.mps)
			list, err := d.BuildPRPList(tt.entries, tt.size)
			require.NoError(t, err)

			pageSize := prp.PageSize(tt.mps)
			var prev uint64
			for i := 0; i < tt.pages; i++ {
				var buf [8]byte
				require.NoError(t, mem.Read(list+uint64(i)*8, buf[:]))
				ptr := binary.LittleEndian.Uint64(buf[:])

				assert.Zero(t, ptr%pageSize, "page %d aligned", i)
				if i > 0 {
					assert.Less(t, ptr, prev, "pages handed out in descending order")
					assert.NotEqual(t, prev-pageSize, ptr, "pages not adjacent")
				}
				prev = ptr
			}
		})
	}
}

func TestSubmit(t *testing.T) {
	d, mem, db := newDriver(t, 0)
	base, err := d.AllocQueue(4, constants.SQEntrySize, true)
	require.NoError(t, err)
	d.AddSubmissionQueue(1, 1, 3, base, false)

	require.NoError(t, d.Submit(1, nvme.Command{Opcode: 0x02, CID: 9}))
	assert.Equal(t, uint16(1), d.Tail(1))
	assert.Equal(t, []doorbellWrite{{sq: true, id: 1, value: 1}}, db.writes)

	addr, err := prp.Translate(mem, prp.Region{Base: base}, 0, constants.SQEntrySize, 0)
	require.NoError(t, err)
	buf := make([]byte, constants.SQEntrySize)
	require.NoError(t, mem.Read(addr, buf))
	var cmd nvme.Command
	require.NoError(t, nvme.DecodeCommand(buf, &cmd))
	assert.Equal(t, uint16(9), cmd.CID)
	assert.Equal(t, uint8(0x02), cmd.Opcode)

	// Capacity 4 holds 3 outstanding entries
	require.NoError(t, d.Submit(1, nvme.Command{CID: 10}))
	require.NoError(t, d.Submit(1, nvme.Command{CID: 11}))
	assert.ErrorIs(t, d.Submit(1, nvme.Command{CID: 12}), ErrQueueFull)

	assert.ErrorIs(t, d.Submit(7, nvme.Command{}), ErrUnknownQueue)
}

func TestReapByPhase(t *testing.T) {
	d, mem, db := newDriver(t, 0)

	const cqBase = 0x200000
	require.NoError(t, d.AddCompletionQueue(1, 1, cqBase, true))
	d.AddSubmissionQueue(1, 1, 1, 0x100000, true)

	// Prefilled slots are stale
	got, err := d.Reap(1)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, db.writes, "no doorbell for an empty reap")
	assert.False(t, d.ExpectedPhase(1))

	// First pass entries carry phase 0
	postCompletion(t, mem, cqBase, nvme.Completion{SQID: 1, SQHead: 0, CID: 1})
	got, err = d.Reap(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(1), got[0].CID)
	assert.Equal(t, doorbellWrite{id: 1, value: 1}, db.writes[len(db.writes)-1])

	// Slot 1 closes the pass, then the host expects phase 1
	postCompletion(t, mem, cqBase+16, nvme.Completion{SQID: 1, SQHead: 1, CID: 2})
	got, err = d.Reap(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(2), got[0].CID)
	assert.True(t, d.ExpectedPhase(1))
	assert.Equal(t, doorbellWrite{id: 1, value: 0}, db.writes[len(db.writes)-1])

	// Slot 0 still holds the phase-0 entry from the first pass
	got, err = d.Reap(1)
	require.NoError(t, err)
	assert.Empty(t, got)

	postCompletion(t, mem, cqBase, nvme.Completion{SQID: 1, CID: 3, Status: nvme.Status{Phase: true}})
	got, err = d.Reap(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(3), got[0].CID)
}

func TestReapFreesSubmissionSlots(t *testing.T) {
	d, mem, _ := newDriver(t, 0)

	const sqBase, cqBase = 0x100000, 0x200000
	d.AddSubmissionQueue(1, 1, 1, sqBase, true)
	require.NoError(t, d.AddCompletionQueue(1, 3, cqBase, true))

	require.NoError(t, d.Submit(1, nvme.Command{CID: 1}))
	assert.ErrorIs(t, d.Submit(1, nvme.Command{CID: 2}), ErrQueueFull)

	postCompletion(t, mem, cqBase, nvme.Completion{SQID: 1, SQHead: 0, CID: 1})
	_, err := d.Reap(1)
	require.NoError(t, err)

	assert.NoError(t, d.Submit(1, nvme.Command{CID: 2}))
}

func TestReapUnknownQueue(t *testing.T) {
	d, _, _ := newDriver(t, 0)
	_, err := d.Reap(3)
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

type headReportingDoorbells struct {
	recordingDoorbells
	heads map[uint16]uint16
}

func (h *headReportingDoorbells) SubmissionQueueHead(sqid uint16) (uint16, bool) {
	head, ok := h.heads[sqid]
	return head, ok
}

func TestSubmitRefreshesHeadFromController(t *testing.T) {
	mem := backend.NewMemory(4 << 20)
	db := &headReportingDoorbells{heads: map[uint16]uint16{}}
	d := New(mem, db, Config{Base: 0x10000, Limit: 4 << 20})

	base, err := d.AllocQueue(4, constants.SQEntrySize, false)
	require.NoError(t, err)
	d.AddSubmissionQueue(1, 1, 3, base, true)

	for cid := uint16(0); cid < 3; cid++ {
		require.NoError(t, d.Submit(1, nvme.Command{CID: cid}))
	}

	// Nothing consumed yet
	db.heads[1] = 0
	assert.ErrorIs(t, d.Submit(1, nvme.Command{CID: 3}), ErrQueueFull)

	// All three consumed by aborts, no completion was posted
	db.heads[1] = 3
	for cid := uint16(3); cid < 6; cid++ {
		require.NoError(t, d.Submit(1, nvme.Command{CID: cid}), "cid %d", cid)
	}
	assert.ErrorIs(t, d.Submit(1, nvme.Command{CID: 6}), ErrQueueFull)
}

func TestLateCompletionDoesNotRewindHead(t *testing.T) {
	mem := backend.NewMemory(4 << 20)
	db := &headReportingDoorbells{heads: map[uint16]uint16{}}
	d := New(mem, db, Config{Base: 0x10000, Limit: 4 << 20})

	const sqBase, cqBase = 0x100000, 0x200000
	d.AddSubmissionQueue(1, 1, 3, sqBase, true)
	require.NoError(t, d.AddCompletionQueue(1, 3, cqBase, true))

	for cid := uint16(0); cid < 3; cid++ {
		require.NoError(t, d.Submit(1, nvme.Command{CID: cid}))
	}
	db.heads[1] = 3
	require.NoError(t, d.Submit(1, nvme.Command{CID: 3}))

	// The completion for entry 0 names head 1, behind what the host knows
	postCompletion(t, mem, cqBase, nvme.Completion{SQID: 1, SQHead: 0, CID: 0})
	cqes, err := d.Reap(1)
	require.NoError(t, err)
	require.Len(t, cqes, 1)

	delete(db.heads, 1)
	require.NoError(t, d.Submit(1, nvme.Command{CID: 4}))
	require.NoError(t, d.Submit(1, nvme.Command{CID: 5}))
	assert.ErrorIs(t, d.Submit(1, nvme.Command{CID: 6}), ErrQueueFull)
}
