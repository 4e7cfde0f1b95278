package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq"
	"github.com/ehrlich-b/go-nvmeq/backend"
	"github.com/ehrlich-b/go-nvmeq/internal/hostsim"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

const memSize = 32 << 20

type system struct {
	ctrl *nvmeq.Controller
	host *hostsim.Driver
	irq  *nvmeq.RecordingInterrupter
	io   *nvmeq.RecordingExecutor
}

func newSystem(t *testing.T, mem nvmeq.HostMemory, mps uint8) *system {
	t.Helper()

	s := &system{
		irq: &nvmeq.RecordingInterrupter{},
		io: &nvmeq.RecordingExecutor{Handler: nvmeq.ExecutorFunc(
			func(_ context.Context, _ uint16, cmd *nvme.Command, cqe *nvme.Completion) {
				cqe.Result = cmd.CDW10()
			})},
	}

	params := nvmeq.DefaultParams(mem)
	params.MPS = mps
	params.IOExecutor = s.io
	params.Interrupter = s.irq

	ctrl, err := nvmeq.New(params, &nvmeq.Options{Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close() })
	s.ctrl = ctrl

	s.host = hostsim.New(mem, ctrl, hostsim.Config{Base: 0x1000, Limit: memSize, MPS: mps})

	asq, err := s.host.AllocQueue(16, nvmeq.SQEntrySize, false)
	require.NoError(t, err)
	acq, err := s.host.AllocQueue(16, nvmeq.CQEntrySize, false)
	require.NoError(t, err)
	require.NoError(t, ctrl.ConfigureAdminQueues(asq, acq, 15, 15))
	s.host.AddSubmissionQueue(0, 0, 15, asq, true)
	require.NoError(t, s.host.AddCompletionQueue(0, 15, acq, true))
	return s
}

func (s *system) completionQueue(t *testing.T, id, size uint16, paged bool) {
	t.Helper()
	base, err := s.host.AllocQueue(int(size)+1, nvmeq.CQEntrySize, paged)
	require.NoError(t, err)
	require.NoError(t, s.ctrl.CreateCompletionQueue(nvmeq.CQParams{
		ID: id, Size: size, Base: base, Contiguous: !paged, IRQEnabled: true, Vector: id,
	}))
	require.NoError(t, s.host.AddCompletionQueue(id, size, base, !paged))
}

func (s *system) submissionQueue(t *testing.T, id, cqid, size uint16, paged bool) {
	t.Helper()
	base, err := s.host.AllocQueue(int(size)+1, nvmeq.SQEntrySize, paged)
	require.NoError(t, err)
	require.NoError(t, s.ctrl.CreateSubmissionQueue(nvmeq.SQParams{
		ID: id, CQID: cqid, Size: size, Base: base, Contiguous: !paged,
	}))
	s.host.AddSubmissionQueue(id, cqid, size, base, !paged)
}

// submit retries while the host side of the ring is full, reaping cqid
// in between
func (s *system) submit(sqid, cqid uint16, cmd nvme.Command, reaped *[]nvme.Completion) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := s.host.Submit(sqid, cmd)
		if err == nil {
			return nil
		}
		if !errors.Is(err, hostsim.ErrQueueFull) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sq %d stayed full", sqid)
		}

		cqes, err := s.host.Reap(cqid)
		if err != nil {
			return err
		}
		*reaped = append(*reaped, cqes...)
		time.Sleep(50 * time.Microsecond)
	}
}

func (s *system) reapUntil(cqid uint16, n int, reaped *[]nvme.Completion) error {
	deadline := time.Now().Add(5 * time.Second)
	for len(*reaped) < n {
		if time.Now().After(deadline) {
			return fmt.Errorf("cq %d: reaped %d of %d", cqid, len(*reaped), n)
		}
		cqes, err := s.host.Reap(cqid)
		if err != nil {
			return err
		}
		*reaped = append(*reaped, cqes...)
		if len(cqes) == 0 {
			time.Sleep(50 * time.Microsecond)
		}
	}
	return nil
}

func ioCommand(cid uint16, v uint32) nvme.Command {
	cmd := nvme.Command{Opcode: 0x02, CID: cid, NSID: 1}
	cmd.CDW[0] = v
	return cmd
}

func TestConcurrentQueuePairs(t *testing.T) {
	s := newSystem(t, backend.NewMemory(memSize), 0)

	const (
		pairs    = 4
		commands = 500
	)
	for id := uint16(1); id <= pairs; id++ {
		s.completionQueue(t, id, 31, id%2 == 0)
		s.submissionQueue(t, id, id, 15, id%2 == 0)
	}
	require.NoError(t, s.ctrl.Start(context.Background()))

	results := make([][]nvme.Completion, pairs+1)
	errs := make([]error, pairs+1)
	var wg sync.WaitGroup
	for id := uint16(1); id <= pairs; id++ {
		wg.Add(1)
		go func(id uint16) {
			defer wg.Done()
			var reaped []nvme.Completion
			for i := 0; i < commands; i++ {
				if err := s.submit(id, id, ioCommand(uint16(i), uint32(id)<<16|uint32(i)), &reaped); err != nil {
					errs[id] = err
					return
				}
			}
			errs[id] = s.reapUntil(id, commands, &reaped)
			results[id] = reaped
		}(id)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	for id := uint16(1); id <= pairs; id++ {
		reaped := results[id]
		require.Len(t, reaped, commands, "pair %d", id)
		for i, cqe := range reaped {
			assert.Equal(t, id, cqe.SQID)
			assert.Equal(t, uint16(i), cqe.CID, "completions arrive in submission order")
			assert.Equal(t, uint32(id)<<16|uint32(i), cqe.Result)
			assert.True(t, cqe.Status.Success())
		}
	}

	snap := s.ctrl.MetricsSnapshot()
	assert.Equal(t, uint64(pairs*commands), snap.Completed)
	assert.Equal(t, uint64(pairs*commands), snap.IOCommands)
	assert.Equal(t, pairs*commands, s.irq.Count())
}

func TestSharedCompletionQueueBackpressure(t *testing.T) {
	s := newSystem(t, backend.NewMemory(memSize), 0)
	s.completionQueue(t, 1, 3, false)
	s.submissionQueue(t, 1, 1, 31, false)
	s.submissionQueue(t, 2, 1, 31, false)

	// Fill both SQs before anything is serviced so the tiny CQ overflows
	const perQueue = 20
	var reaped []nvme.Completion
	for i := 0; i < perQueue; i++ {
		require.NoError(t, s.submit(1, 1, ioCommand(uint16(i), 1), &reaped))
		require.NoError(t, s.submit(2, 1, ioCommand(uint16(i), 2), &reaped))
	}
	require.Empty(t, reaped)

	out, err := s.ctrl.Service(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, out, "cq capacity 4 leaves room for three entries")

	require.NoError(t, s.ctrl.Start(context.Background()))
	require.NoError(t, s.reapUntil(1, 2*perQueue, &reaped))

	bySQ := map[uint16][]uint16{}
	for _, cqe := range reaped {
		bySQ[cqe.SQID] = append(bySQ[cqe.SQID], cqe.CID)
	}
	require.Len(t, bySQ[1], perQueue)
	require.Len(t, bySQ[2], perQueue)
	for i := 0; i < perQueue; i++ {
		assert.Equal(t, uint16(i), bySQ[1][i])
		assert.Equal(t, uint16(i), bySQ[2][i])
	}
	assert.NotZero(t, s.ctrl.MetricsSnapshot().Backpressure)
}

func TestAbortThroughAdminQueue(t *testing.T) {
	s := newSystem(t, backend.NewMemory(memSize), 0)
	s.completionQueue(t, 1, 15, false)
	s.submissionQueue(t, 1, 1, 15, false)

	var io []nvme.Completion
	for i := 0; i < 4; i++ {
		require.NoError(t, s.submit(1, 1, ioCommand(uint16(10+i), uint32(i)), &io))
	}

	abort := nvme.Command{Opcode: nvmeq.OpcodeAbort, CID: 1}
	abort.CDW[0] = uint32(12)<<16 | 1
	var admin []nvme.Completion
	require.NoError(t, s.submit(0, 0, abort, &admin))

	n, err := s.ctrl.Service(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, s.reapUntil(0, 1, &admin))
	assert.Equal(t, uint32(0), admin[0].Result)
	assert.True(t, admin[0].Status.Success())
	assert.Equal(t, 1, s.ctrl.PendingAborts())

	n, err = s.ctrl.Service(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, s.reapUntil(1, 3, &io))

	cids := make([]uint16, 0, len(io))
	for _, cqe := range io {
		cids = append(cids, cqe.CID)
	}
	assert.Equal(t, []uint16{10, 11, 13}, cids)
	assert.Equal(t, 0, s.ctrl.PendingAborts())
	assert.Equal(t, uint64(1), s.ctrl.MetricsSnapshot().Aborted)

	// IO interrupts on vector 1, the admin completion on vector 0
	assert.ElementsMatch(t, []uint16{0, 1, 1, 1}, s.irq.Vectors())
}

func TestMmapHostMemory(t *testing.T) {
	mem, err := backend.NewMmapMemory(memSize)
	if err != nil {
		t.Skipf("anonymous mapping unavailable: %v", err)
	}
	defer mem.Close()

	s := newSystem(t, mem, 1)
	s.completionQueue(t, 1, 255, true)
	s.submissionQueue(t, 1, 1, 255, true)
	require.NoError(t, s.ctrl.Start(context.Background()))

	var reaped []nvme.Completion
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.submit(1, 1, ioCommand(uint16(i), uint32(i)), &reaped))
	}
	require.NoError(t, s.reapUntil(1, 1000, &reaped))
	for i, cqe := range reaped {
		assert.Equal(t, uint16(i), cqe.CID)
	}
}

func TestResetAndReconfigure(t *testing.T) {
	mem := backend.NewMemory(memSize)
	s := newSystem(t, mem, 0)
	s.completionQueue(t, 1, 7, false)
	s.submissionQueue(t, 1, 1, 7, false)

	var reaped []nvme.Completion
	require.NoError(t, s.submit(1, 1, ioCommand(1, 1), &reaped))
	require.NoError(t, s.ctrl.Abort(1, 99))

	s.ctrl.Reset()
	assert.Empty(t, s.ctrl.QueueStates())
	assert.Equal(t, 0, s.ctrl.PendingAborts())

	// A fresh host driver lays the queues out again from scratch
	s.host = hostsim.New(mem, s.ctrl, hostsim.Config{Base: 0x1000, Limit: memSize})
	asq, err := s.host.AllocQueue(8, nvmeq.SQEntrySize, false)
	require.NoError(t, err)
	acq, err := s.host.AllocQueue(8, nvmeq.CQEntrySize, false)
	require.NoError(t, err)
	require.NoError(t, s.ctrl.ConfigureAdminQueues(asq, acq, 7, 7))
	s.host.AddSubmissionQueue(0, 0, 7, asq, true)
	require.NoError(t, s.host.AddCompletionQueue(0, 7, acq, true))

	var admin []nvme.Completion
	require.NoError(t, s.submit(0, 0, nvme.Command{Opcode: 0x06, CID: 5}, &admin))
	_, err = s.ctrl.Service(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, s.reapUntil(0, 1, &admin))
	assert.Equal(t, uint16(5), admin[0].CID)
	assert.False(t, admin[0].Status.Phase, "first pass after reset carries phase 0")
}
