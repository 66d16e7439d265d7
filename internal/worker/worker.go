// Package worker implements the crawl execution loop and the fetch operations
// work items dispatch to.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/hn"
	"github.com/JakeFAU/hnsnap/internal/progress"
	"github.com/JakeFAU/hnsnap/internal/telemetry"
)

const tracerName = "github.com/JakeFAU/hnsnap/internal/worker"

// Source reads records from the API. hn.Client satisfies it.
type Source interface {
	Item(ctx context.Context, id int) (hn.Item, error)
	User(ctx context.Context, name string) (hn.User, error)
}

// Config controls Worker behavior.
type Config struct {
	// EventRunID is the run id in the binary form progress events carry.
	EventRunID     [16]byte
	RequestTimeout time.Duration

	// Tracer starts one span per work item; nil uses the global provider.
	Tracer trace.Tracer
}

// Worker pops work items from the queue and executes them against the API.
type Worker struct {
	queue   crawler.Queue
	state   crawler.RecordStore
	source  Source
	errs    *crawler.ErrorCounters
	emitter progress.Emitter
	clock   crawler.Clock
	cfg     Config
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	state crawler.RecordStore,
	source Source,
	errs *crawler.ErrorCounters,
	emitter progress.Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if errs == nil {
		errs = &crawler.ErrorCounters{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer(tracerName)
	}
	return &Worker{
		queue:   queue,
		state:   state,
		source:  source,
		errs:    errs,
		emitter: emitter,
		clock:   clock,
		cfg:     cfg,
		tracer:  tracer,
		logger:  logger,
	}
}

// Run blocks, executing queue items until the context finishes. An item popped
// after ctx ended is discarded unexecuted.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue pop failed", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			w.queue.Discard()
			return
		}
		w.process(ctx, item)
	}
}

// process runs one item to completion. The item is detached from the loop
// context so a shutdown lets it finish; only the request timeout bounds it.
// Failures are counted before Done so counters are final once the queue is idle.
func (w *Worker) process(ctx context.Context, item crawler.WorkItem) {
	execCtx := context.WithoutCancel(ctx)
	cancel := func() {}
	if w.cfg.RequestTimeout > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, w.cfg.RequestTimeout)
	}
	execCtx, span := w.tracer.Start(execCtx, "hnsnap.work_item", trace.WithAttributes(
		attribute.String("hnsnap.op", item.Op().String()),
		attribute.String("hnsnap.key", item.Key().String()),
	))
	err := item.Execute(execCtx, w)
	cancel()
	if err != nil {
		kind := w.recordFailure(item, err)
		span.SetAttributes(attribute.String("hnsnap.error_kind", string(kind)))
		if kind != crawler.KindNotFound {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
		}
	}
	span.End()
	w.queue.Done()
}

func (w *Worker) recordFailure(item crawler.WorkItem, err error) crawler.ErrorKind {
	kind := crawler.ClassifyError(err)
	w.errs.Add(kind)
	key := item.Key()
	if kind == crawler.KindNotFound {
		w.logger.Debug("record missing", zap.Stringer("key", key))
	} else {
		w.logger.Warn("work item failed",
			zap.Stringer("item", item),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
	}
	w.emitter.Emit(progress.Event{
		RunID:     w.cfg.EventRunID,
		TS:        w.clock.Now(),
		Stage:     progress.StageFetchFailed,
		Space:     string(key.Space),
		ID:        key.ID,
		ErrorKind: string(kind),
		Note:      err.Error(),
	})
	return kind
}

// FetchItem claims, fetches and stores one item, then submits its children and
// its author.
func (w *Worker) FetchItem(ctx context.Context, id int) error {
	if !w.state.Claim(hn.ItemKey(id)) {
		return nil
	}
	start := w.clock.Now()
	item, err := w.source.Item(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch item %d: %w", id, err)
	}
	if item.ID != id {
		return fmt.Errorf("fetch item %d: payload id %d: %w", id, item.ID, hn.ErrDecode)
	}
	if err := w.state.Put(item); err != nil {
		return fmt.Errorf("store item %d: %w", id, err)
	}
	w.stored(item.Key(), string(item.Kind), start)

	for _, child := range item.Children() {
		w.submit(crawler.NewFetchItem(child))
	}
	if item.By != "" {
		w.submit(crawler.NewFetchUser(item.By))
	}
	return nil
}

// FetchUser claims, fetches and stores one user profile. Submitted items are
// not followed.
func (w *Worker) FetchUser(ctx context.Context, name string) error {
	if !w.state.Claim(hn.UserKey(name)) {
		return nil
	}
	start := w.clock.Now()
	user, err := w.source.User(ctx, name)
	if err != nil {
		return fmt.Errorf("fetch user %s: %w", name, err)
	}
	if user.ID != name {
		return fmt.Errorf("fetch user %s: payload id %q: %w", name, user.ID, hn.ErrDecode)
	}
	if err := w.state.Put(user); err != nil {
		return fmt.Errorf("store user %s: %w", name, err)
	}
	w.stored(user.Key(), "", start)
	return nil
}

// submit skips keys that are already claimed; the claim at execution time
// remains the authority.
func (w *Worker) submit(item crawler.WorkItem) {
	if w.state.Seen(item.Key()) {
		return
	}
	if !w.queue.Submit(item) {
		w.logger.Debug("submission rejected", zap.Stringer("item", item))
	}
}

func (w *Worker) stored(key hn.Key, kind string, start time.Time) {
	now := w.clock.Now()
	w.logger.Debug("record stored", zap.Stringer("key", key))
	w.emitter.Emit(progress.Event{
		RunID: w.cfg.EventRunID,
		TS:    now,
		Stage: progress.StageRecordStored,
		Space: string(key.Space),
		Kind:  kind,
		ID:    key.ID,
		Dur:   max(now.Sub(start), 0),
	})
}

var _ crawler.Handler = (*Worker)(nil)
