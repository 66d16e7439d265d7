package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/hnsnap/internal/hn"
)

// Queue is the worker-facing side of the task queue.
type Queue interface {
	// Submit admits an item without blocking and reports whether it was accepted.
	Submit(item WorkItem) bool
	// Pop blocks until an item is available or ctx ends.
	Pop(ctx context.Context) (WorkItem, error)
	// Done marks one popped item as executed.
	Done()
	// Discard marks one popped item as dropped without execution.
	Discard()
}

// WorkQueue adds the control surface used by the dispatcher and engine.
type WorkQueue interface {
	Queue
	Admit(item WorkItem) error
	Idle() <-chan struct{}
	Kill()
	Killed() bool
	Drain() int
	Stats() QueueStats
}

// RecordStore is the per-run claim set and record map.
type RecordStore interface {
	// Claim atomically marks key as owned and reports whether the caller won it.
	Claim(key hn.Key) bool
	// Seen reports whether key has been claimed.
	Seen(key hn.Key) bool
	// Put stores the record for a previously claimed key.
	Put(rec hn.Record) error
	Size() int
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// StatusStore keeps the latest RunStatus per run.
type StatusStore interface {
	PutStatus(ctx context.Context, status RunStatus) error
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
