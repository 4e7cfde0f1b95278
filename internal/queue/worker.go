package queue

import (
	"context"
	"fmt"
	"sync"
)

// ServiceFunc drains one submission queue and returns how many entries it
// consumed
type ServiceFunc func(ctx context.Context, sqid uint16) (int, error)

type WorkerConfig struct {
	Depth   int // doorbell events buffered before Kick starts dropping
	Service ServiceFunc
	Logger  Logger
}

// Worker services submission queues in the background as doorbell events
// arrive. Repeated kicks of the same queue before it is serviced collapse
// into one.
type Worker struct {
	service ServiceFunc
	logger  Logger
	events  chan uint16

	mu      sync.Mutex
	queued  map[uint16]bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a worker bound to ctx
func NewWorker(ctx context.Context, config WorkerConfig) (*Worker, error) {
	if config.Service == nil {
		return nil, fmt.Errorf("worker: service function is required")
	}
	depth := config.Depth
	if depth <= 0 {
		depth = 64
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Worker{
		service: config.Service,
		logger:  config.Logger,
		events:  make(chan uint16, depth),
		queued:  make(map[uint16]bool),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the service loop
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("worker already started")
	}
	w.started = true

	go w.loop()
	return nil
}

// Kick schedules sqid for servicing. It never blocks; it reports false when
// the event buffer is full or the worker has stopped.
func (w *Worker) Kick(sqid uint16) bool {
	if w.ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	if w.queued[sqid] {
		w.mu.Unlock()
		return true
	}
	w.queued[sqid] = true
	w.mu.Unlock()

	select {
	case w.events <- sqid:
		return true
	default:
		w.mu.Lock()
		delete(w.queued, sqid)
		w.mu.Unlock()
		if w.logger != nil {
			w.logger.Printf("worker: event buffer full, dropped kick for sq %d", sqid)
		}
		return false
	}
}

// Stop cancels the service loop
func (w *Worker) Stop() error {
	w.cancel()
	return nil
}

// Close stops the loop and waits for it to exit
func (w *Worker) Close() error {
	w.Stop()

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
	return nil
}

func (w *Worker) loop() {
	defer close(w.done)

	if w.logger != nil {
		w.logger.Debugf("worker: service loop running")
	}

	for {
		select {
		case <-w.ctx.Done():
			if w.logger != nil {
				w.logger.Debugf("worker: service loop stopping")
			}
			return
		case sqid := <-w.events:
			w.mu.Lock()
			delete(w.queued, sqid)
			w.mu.Unlock()

			n, err := w.service(w.ctx, sqid)
			if err != nil {
				if w.logger != nil {
					w.logger.Printf("worker: sq %d: %v", sqid, err)
				}
				continue
			}
			if w.logger != nil && n > 0 {
				w.logger.Debugf("worker: sq %d serviced %d entries", sqid, n)
			}
		}
	}
}
