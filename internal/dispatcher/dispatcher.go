// Package dispatcher manages worker fan-out over the task queue and the
// quiescence, timeout and shutdown protocol of a run.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   crawler.WorkQueue
	workers []*worker.Worker
	logger  *zap.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// New creates a Dispatcher.
func New(queue crawler.WorkQueue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Start launches every worker loop and returns immediately. The loops stop
// when ctx ends or Shutdown is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for _, w := range d.workers {
		d.wg.Add(1)
		go func(wk *worker.Worker) {
			defer d.wg.Done()
			wk.Run(loopCtx)
		}(w)
	}
	d.logger.Debug("workers started", zap.Int("workers", len(d.workers)))
}

// RunUntilQuiescent blocks until no admitted item is outstanding, timeout
// elapses, or ctx ends, whichever comes first. It then sets the kill switch and
// returns without waiting for in-flight items. A non-positive timeout waits
// without a deadline.
func (d *Dispatcher) RunUntilQuiescent(ctx context.Context, timeout time.Duration) crawler.StopReason {
	// Only items holding an outstanding slot submit new work, so once the idle
	// channel closes it stays closed for the rest of the run.
	idle := d.queue.Idle()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var reason crawler.StopReason
	select {
	case <-idle:
		reason = crawler.ReasonQuiescent
	case <-deadline:
		reason = crawler.ReasonTimeout
	case <-ctx.Done():
		reason = crawler.ReasonInterrupted
	}
	d.queue.Kill()
	d.logger.Debug("kill switch set", zap.String("reason", string(reason)))
	return reason
}

// Shutdown stops the worker loops, drains the buffer without executing it and
// waits for in-flight items until ctx ends. It returns the number of drained
// items.
func (d *Dispatcher) Shutdown(ctx context.Context) (int, error) {
	d.queue.Kill()
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	drained := d.queue.Drain()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return drained, nil
	case <-ctx.Done():
		return drained, fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}
