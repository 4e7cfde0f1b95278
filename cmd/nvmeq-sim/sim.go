package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-nvmeq"
	"github.com/ehrlich-b/go-nvmeq/backend"
	"github.com/ehrlich-b/go-nvmeq/internal/hostsim"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/monitor"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

const (
	ioQueueID  = 1
	opcodeRead = 0x02
)

type simConfig struct {
	Commands   int
	SQSize     uint16
	CQSize     uint16
	MPS        uint8
	Paged      bool
	AbortEvery int
	MemSize    uint64
	Mmap       bool
	Listen     string
	Timeout    time.Duration
}

func defaultSimConfig() simConfig {
	return simConfig{
		Commands: 1000,
		SQSize:   63,
		CQSize:   63,
		MemSize:  16 << 20,
		Timeout:  10 * time.Second,
	}
}

type simSummary struct {
	ControllerID string
	Submitted    int
	Completed    int
	Aborted      int
	Failed       int
	Interrupts   int
	Elapsed      time.Duration
	Metrics      nvmeq.MetricsSnapshot
	MonitorAddr  string // bound monitor address, empty without --listen

	monitor *monitor.Monitor
}

// Close stops the monitor, if one was started
func (s *simSummary) Close(ctx context.Context) error {
	if s.monitor == nil {
		return nil
	}
	return s.monitor.Shutdown(ctx)
}

// countingInterrupter counts interrupts per vector and logs them at debug
type countingInterrupter struct {
	rec    nvmeq.RecordingInterrupter
	logger *logging.Logger
}

func (c *countingInterrupter) Notify(vector uint16) {
	c.rec.Notify(vector)
	c.logger.Debug("interrupt", "vector", vector)
}

// echoExecutor completes every IO command successfully and returns CDW10
func echoExecutor(_ context.Context, _ uint16, cmd *nvme.Command, cqe *nvme.Completion) {
	cqe.Result = cmd.CDW10()
}

func openMemory(cfg simConfig) (nvmeq.HostMemory, func() error, error) {
	if cfg.Mmap {
		m, err := backend.NewMmapMemory(cfg.MemSize)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}
	m := backend.NewMemory(cfg.MemSize)
	return m, m.Close, nil
}

// simulate runs a host driver against a controller: it sets up the admin
// pair and one IO pair, pushes cfg.Commands commands through the IO queue
// and reaps their completions
//
// When cfg.Listen is set the monitor keeps serving the final queue state and
// metrics after simulate returns, until the summary is closed.
func simulate(ctx context.Context, cfg simConfig, logger *logging.Logger) (_ *simSummary, err error) {
	if cfg.Commands < 0 {
		return nil, fmt.Errorf("commands must not be negative")
	}

	mem, closeMem, err := openMemory(cfg)
	if err != nil {
		return nil, fmt.Errorf("host memory: %w", err)
	}
	defer closeMem()

	irq := &countingInterrupter{logger: logger}
	params := nvmeq.DefaultParams(mem)
	params.MPS = cfg.MPS
	params.IOExecutor = nvmeq.ExecutorFunc(echoExecutor)
	params.Interrupter = irq

	ctrl, err := nvmeq.New(params, &nvmeq.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	defer ctrl.Close()

	host := hostsim.New(mem, ctrl, hostsim.Config{Base: 0x1000, Limit: cfg.MemSize, MPS: cfg.MPS})
	if err := setupQueues(ctrl, host, cfg); err != nil {
		return nil, err
	}

	sum := &simSummary{ControllerID: ctrl.ID()}
	if cfg.Listen != "" {
		mon := monitor.New(ctrl, cfg.Listen, logger)
		addr, err := mon.Start()
		if err != nil {
			return nil, err
		}
		sum.monitor = mon
		sum.MonitorAddr = addr
		defer func() {
			if err != nil {
				mon.Shutdown(context.Background())
			}
		}()
	}

	if err := ctrl.Start(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	deadline := start.Add(cfg.Timeout)

	reap := func() error {
		cqes, err := host.Reap(ioQueueID)
		if err != nil {
			return err
		}
		for _, cqe := range cqes {
			if cqe.Status.Success() {
				sum.Completed++
			} else {
				sum.Failed++
			}
		}
		return nil
	}

	for i := 0; i < cfg.Commands; i++ {
		cid := uint16(i)
		if cfg.AbortEvery > 0 && (i+1)%cfg.AbortEvery == 0 {
			if err := ctrl.Abort(ioQueueID, cid); err != nil {
				logger.Warn("abort not registered", "cid", cid, "error", err)
			} else {
				sum.Aborted++
			}
		}

		cmd := nvme.Command{Opcode: opcodeRead, CID: cid, NSID: 1}
		cmd.CDW[0] = uint32(i)
		for {
			err := host.Submit(ioQueueID, cmd)
			if err == nil {
				break
			}
			if !errors.Is(err, hostsim.ErrQueueFull) {
				return nil, err
			}
			if err := reap(); err != nil {
				return nil, err
			}
			if err := wait(ctx, deadline); err != nil {
				return nil, err
			}
		}
		sum.Submitted++
	}

	// Aborted entries post nothing; they are done once the controller head
	// has caught up with the host tail
	finished := func() bool {
		if sum.Completed+sum.Failed+sum.Aborted < sum.Submitted {
			return false
		}
		head, ok := ctrl.SubmissionQueueHead(ioQueueID)
		return ok && head == host.Tail(ioQueueID)
	}
	for !finished() {
		if err := reap(); err != nil {
			return nil, err
		}
		if finished() {
			break
		}
		if err := wait(ctx, deadline); err != nil {
			return nil, err
		}
	}

	sum.Elapsed = time.Since(start)
	sum.Interrupts = irq.rec.Count()
	sum.Metrics = ctrl.MetricsSnapshot()
	return sum, nil
}

func setupQueues(ctrl *nvmeq.Controller, host *hostsim.Driver, cfg simConfig) error {
	const adminSize = 15

	asq, err := host.AllocQueue(adminSize+1, nvmeq.SQEntrySize, false)
	if err != nil {
		return err
	}
	acq, err := host.AllocQueue(adminSize+1, nvmeq.CQEntrySize, false)
	if err != nil {
		return err
	}
	if err := ctrl.ConfigureAdminQueues(asq, acq, adminSize, adminSize); err != nil {
		return err
	}
	host.AddSubmissionQueue(nvmeq.AdminQueueID, nvmeq.AdminQueueID, adminSize, asq, true)
	if err := host.AddCompletionQueue(nvmeq.AdminQueueID, adminSize, acq, true); err != nil {
		return err
	}

	cqBase, err := host.AllocQueue(int(cfg.CQSize)+1, nvmeq.CQEntrySize, cfg.Paged)
	if err != nil {
		return err
	}
	sqBase, err := host.AllocQueue(int(cfg.SQSize)+1, nvmeq.SQEntrySize, cfg.Paged)
	if err != nil {
		return err
	}

	if err := ctrl.CreateCompletionQueue(nvmeq.CQParams{
		ID: ioQueueID, Size: cfg.CQSize, Base: cqBase, Contiguous: !cfg.Paged, IRQEnabled: true, Vector: ioQueueID,
	}); err != nil {
		return err
	}
	if err := ctrl.CreateSubmissionQueue(nvmeq.SQParams{
		ID: ioQueueID, CQID: ioQueueID, Size: cfg.SQSize, Base: sqBase, Contiguous: !cfg.Paged,
	}); err != nil {
		return err
	}
	if err := host.AddCompletionQueue(ioQueueID, cfg.CQSize, cqBase, !cfg.Paged); err != nil {
		return err
	}
	host.AddSubmissionQueue(ioQueueID, ioQueueID, cfg.SQSize, sqBase, !cfg.Paged)
	return nil
}

func wait(ctx context.Context, deadline time.Time) error {
	if time.Now().After(deadline) {
		return errors.New("timed out waiting for completions")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Microsecond):
		return nil
	}
}
