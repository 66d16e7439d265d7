// Package memory provides the bounded in-process task queue used by a crawl run.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/hnsnap/internal/crawler"
)

// Queue is a bounded, fail-fast work queue. Admission never blocks: once the
// buffer holds capacity items, or the kill switch is set, submissions are
// rejected and counted. Outstanding tracks items admitted but not yet marked
// Done or Discard, including the ones workers are executing.
type Queue struct {
	ch chan crawler.WorkItem

	mu          sync.Mutex
	killed      bool
	outstanding int64
	idle        chan struct{}

	submitted atomic.Int64
	dropped   atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	drained   atomic.Int64
}

// NewQueue constructs a queue holding at most capacity unexecuted items.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		ch:   make(chan crawler.WorkItem, capacity),
		idle: idle,
	}
}

// Admit enqueues item or reports why it was rejected.
func (q *Queue) Admit(item crawler.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.killed {
		q.rejected.Add(1)
		return fmt.Errorf("admit %s: %w", item, crawler.ErrCancelled)
	}
	select {
	case q.ch <- item:
	default:
		q.dropped.Add(1)
		return fmt.Errorf("admit %s: %w", item, crawler.ErrCapacityExceeded)
	}
	q.submitted.Add(1)
	q.outstanding++
	if q.outstanding == 1 {
		q.idle = make(chan struct{})
	}
	return nil
}

// Submit enqueues item and reports whether it was accepted.
func (q *Queue) Submit(item crawler.WorkItem) bool {
	return q.Admit(item) == nil
}

// Pop blocks until an item is buffered or ctx ends.
func (q *Queue) Pop(ctx context.Context) (crawler.WorkItem, error) {
	select {
	case <-ctx.Done():
		return crawler.WorkItem{}, fmt.Errorf("pop canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	}
}

// Done marks one popped item as executed.
func (q *Queue) Done() {
	q.completed.Add(1)
	q.release(1)
}

// Discard marks one popped item as dropped without execution.
func (q *Queue) Discard() {
	q.drained.Add(1)
	q.release(1)
}

func (q *Queue) release(n int64) {
	if n == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding -= n
	if q.outstanding < 0 {
		panic("queue: outstanding count went negative")
	}
	if q.outstanding == 0 {
		close(q.idle)
	}
}

// Idle returns a channel that is closed while no admitted item is outstanding.
// The channel is replaced on the next admission.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Kill sets the kill switch. Further submissions are rejected.
func (q *Queue) Kill() {
	q.mu.Lock()
	q.killed = true
	q.mu.Unlock()
}

// Killed reports whether the kill switch is set.
func (q *Queue) Killed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.killed
}

// Drain removes every buffered item without executing it and returns how many
// were removed. Items already popped by workers are unaffected.
func (q *Queue) Drain() int {
	var n int64
	for {
		select {
		case <-q.ch:
			n++
		default:
			q.drained.Add(n)
			q.release(n)
			return int(n)
		}
	}
}

// Stats returns the current counters.
func (q *Queue) Stats() crawler.QueueStats {
	q.mu.Lock()
	outstanding := q.outstanding
	q.mu.Unlock()
	return crawler.QueueStats{
		Capacity:       cap(q.ch),
		Buffered:       len(q.ch),
		Outstanding:    outstanding,
		Submitted:      q.submitted.Load(),
		Dropped:        q.dropped.Load(),
		RejectedKilled: q.rejected.Load(),
		Completed:      q.completed.Load(),
		Drained:        q.drained.Load(),
	}
}
