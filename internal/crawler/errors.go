package crawler

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/JakeFAU/hnsnap/internal/hn"
)

var (
	// ErrCapacityExceeded is returned by Admit when the queue buffer is full.
	ErrCapacityExceeded = errors.New("queue capacity exceeded")
	// ErrCancelled is returned by Admit once the kill switch is set.
	ErrCancelled = errors.New("queue cancelled")
)

// ErrorKind classifies a failed work item.
type ErrorKind string

// Error kinds counted per run.
const (
	KindTransport ErrorKind = "transport"
	KindDecode    ErrorKind = "decode"
	KindNotFound  ErrorKind = "not_found"
	KindCancelled ErrorKind = "cancelled"
	KindOther     ErrorKind = "other"
)

// ClassifyError maps an execution error onto its kind.
func ClassifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, hn.ErrNotFound):
		return KindNotFound
	case errors.Is(err, hn.ErrDecode):
		return KindDecode
	case errors.Is(err, hn.ErrTransport):
		return KindTransport
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindOther
	}
}

// ErrorCounts is a snapshot of ErrorCounters.
type ErrorCounts struct {
	Transport int64 `json:"transport"`
	Decode    int64 `json:"decode"`
	NotFound  int64 `json:"not_found"`
	Cancelled int64 `json:"cancelled"`
	Other     int64 `json:"other"`
}

// Total sums every kind.
func (c ErrorCounts) Total() int64 {
	return c.Transport + c.Decode + c.NotFound + c.Cancelled + c.Other
}

// ErrorCounters accumulates per-kind failures. The zero value is ready to use.
type ErrorCounters struct {
	transport atomic.Int64
	decode    atomic.Int64
	notFound  atomic.Int64
	cancelled atomic.Int64
	other     atomic.Int64
}

// Add counts one failure of the given kind.
func (c *ErrorCounters) Add(kind ErrorKind) {
	switch kind {
	case KindTransport:
		c.transport.Add(1)
	case KindDecode:
		c.decode.Add(1)
	case KindNotFound:
		c.notFound.Add(1)
	case KindCancelled:
		c.cancelled.Add(1)
	default:
		c.other.Add(1)
	}
}

// Snapshot returns the current counts.
func (c *ErrorCounters) Snapshot() ErrorCounts {
	return ErrorCounts{
		Transport: c.transport.Load(),
		Decode:    c.decode.Load(),
		NotFound:  c.notFound.Load(),
		Cancelled: c.cancelled.Load(),
		Other:     c.other.Load(),
	}
}
