package sinks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/progress"
)

// StatusSink folds progress events into a crawler.RunStatus per run and writes
// the latest view to a crawler.StatusStore once per batch, so the store sees
// one write per touched run instead of one per record.
type StatusSink struct {
	store  crawler.StatusStore
	logger *zap.Logger

	mu   sync.Mutex
	runs map[[16]byte]*crawler.RunStatus
}

// NewStatusSink constructs a StatusSink for the provided store.
func NewStatusSink(store crawler.StatusStore, logger *zap.Logger) *StatusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusSink{
		store:  store,
		logger: logger,
		runs:   make(map[[16]byte]*crawler.RunStatus),
	}
}

// Consume applies the batch and persists every run it touched. It respects ctx
// deadlines and returns the first store error.
func (s *StatusSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	touched := s.apply(batch)
	for _, st := range touched {
		if err := s.store.PutStatus(ctx, st); err != nil {
			return fmt.Errorf("put run status %s: %w", st.RunID, err)
		}
	}
	return nil
}

func (s *StatusSink) apply(batch []progress.Event) []crawler.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make([][16]byte, 0, 1)
	seen := make(map[[16]byte]bool)
	for _, evt := range batch {
		st := s.runs[evt.RunID]
		if st == nil {
			st = &crawler.RunStatus{RunID: evt.RunUUID().String(), State: crawler.StateIdle}
			s.runs[evt.RunID] = st
		}
		// A finished run only accepts its terminal event; in-flight work that
		// outlives the drain grace must not rewrite the final status.
		if st.State == crawler.StateDone && evt.Stage != progress.StageRunDone {
			continue
		}
		switch evt.Stage {
		case progress.StageRunStart:
			st.Started = evt.TS
		case progress.StageRunState:
			st.State = crawler.RunState(evt.State)
		case progress.StageRecordStored:
			st.Records++
		case progress.StageFetchFailed:
			countError(&st.Errors, crawler.ErrorKind(evt.ErrorKind))
		case progress.StageRunDone:
			st.State = crawler.StateDone
			st.Reason = crawler.StopReason(evt.Reason)
			st.Records = int(evt.Count)
		}
		if evt.TS.After(st.Updated) {
			st.Updated = evt.TS
		}
		if !seen[evt.RunID] {
			seen[evt.RunID] = true
			order = append(order, evt.RunID)
		}
	}

	out := make([]crawler.RunStatus, 0, len(order))
	for _, id := range order {
		out = append(out, *s.runs[id])
	}
	return out
}

func countError(c *crawler.ErrorCounts, kind crawler.ErrorKind) {
	switch kind {
	case crawler.KindTransport:
		c.Transport++
	case crawler.KindDecode:
		c.Decode++
	case crawler.KindNotFound:
		c.NotFound++
	case crawler.KindCancelled:
		c.Cancelled++
	default:
		c.Other++
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StatusSink) Close(context.Context) error {
	return nil
}
