// Package engine runs one crawl: it seeds the frontier, drives the worker pool
// until quiescence, timeout or interruption, drains, and reports the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/dispatcher"
	"github.com/JakeFAU/hnsnap/internal/hn"
	"github.com/JakeFAU/hnsnap/internal/progress"
	queuemem "github.com/JakeFAU/hnsnap/internal/queue/memory"
	storemem "github.com/JakeFAU/hnsnap/internal/storage/memory"
	"github.com/JakeFAU/hnsnap/internal/telemetry"
	"github.com/JakeFAU/hnsnap/internal/worker"
)

const tracerName = "github.com/JakeFAU/hnsnap/internal/engine"

// ErrAlreadyRan is returned by a second call to Run.
var ErrAlreadyRan = errors.New("engine already ran")

// Source is the API surface a run needs.
type Source interface {
	worker.Source
	Stories(ctx context.Context, list hn.List) ([]int, error)
}

// Config controls a run.
type Config struct {
	Lists          []hn.List
	Workers        int
	QueueCapacity  int
	Timeout        time.Duration
	DrainGrace     time.Duration
	RequestTimeout time.Duration

	// Tracer records the run span and is handed to workers; nil uses the
	// global provider.
	Tracer trace.Tracer
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch {
	case len(c.Lists) == 0:
		return errors.New("at least one frontier list is required")
	case c.Workers < 1:
		return errors.New("workers must be positive")
	case c.QueueCapacity < 1:
		return errors.New("queue capacity must be positive")
	case c.Timeout < 0, c.DrainGrace < 0, c.RequestTimeout < 0:
		return errors.New("durations must not be negative")
	}
	return nil
}

// Report is the outcome of a run: the summary and the stored records.
type Report struct {
	Result  crawler.Result
	Records []hn.Record
}

// Engine owns the per-run state: one CrawlState, one queue and one worker pool.
type Engine struct {
	cfg     Config
	source  Source
	clock   crawler.Clock
	ids     crawler.IDGenerator
	emitter progress.Emitter
	tracer  trace.Tracer
	logger  *zap.Logger

	mu      sync.RWMutex
	ran     bool
	state   crawler.RunState
	reason  crawler.StopReason
	runID   string
	eventID [16]byte
	started time.Time
	queue   *queuemem.Queue
	records *storemem.CrawlState
	errs    *crawler.ErrorCounters
}

// New constructs an Engine. emitter and logger may be nil.
func New(
	cfg Config,
	source Source,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	emitter progress.Emitter,
	logger *zap.Logger,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if source == nil || clock == nil || ids == nil {
		return nil, errors.New("engine requires a source, clock and id generator")
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer(tracerName)
	}
	return &Engine{
		cfg:     cfg,
		source:  source,
		clock:   clock,
		ids:     ids,
		emitter: emitter,
		tracer:  tracer,
		logger:  logger,
		state:   crawler.StateIdle,
	}, nil
}

// Run executes the crawl. Interruption through ctx is not an error: the run
// finishes with ReasonInterrupted and reports what it stored. An error is
// returned only when no frontier list could be fetched.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	if err := e.begin(); err != nil {
		return Report{}, err
	}
	logger := e.logger.With(zap.String("run_id", e.runID))
	ctx, span := e.tracer.Start(ctx, "hnsnap.crawl", trace.WithAttributes(
		attribute.String("hnsnap.run_id", e.runID),
		attribute.Int("hnsnap.workers", e.cfg.Workers),
	))
	defer span.End()
	e.emit(progress.Event{Stage: progress.StageRunStart})
	logger.Info("crawl run started",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("capacity", e.cfg.QueueCapacity),
		zap.Duration("timeout", e.cfg.Timeout),
	)

	e.transition(crawler.StateSeeding)
	frontier, err := e.seed(ctx, logger)
	if ctx.Err() != nil {
		return e.finish(crawler.ReasonInterrupted, len(frontier), span, logger), nil
	}
	if err != nil {
		e.finish(crawler.ReasonNone, 0, span, logger)
		span.RecordError(err)
		span.SetStatus(codes.Error, "seed frontier")
		return Report{}, err
	}
	for _, id := range frontier {
		if err := e.queue.Admit(crawler.NewFetchItem(id)); err != nil {
			logger.Debug("frontier id not admitted", zap.Int("id", id), zap.Error(err))
		}
	}

	e.transition(crawler.StateRunning)
	pool := dispatcher.New(e.queue, e.newWorkers(), logger.Named("dispatcher"))
	pool.Start(ctx)
	reason := pool.RunUntilQuiescent(ctx, e.cfg.Timeout)

	e.transition(crawler.StateDraining)
	graceCtx := context.WithoutCancel(ctx)
	cancel := func() {}
	if e.cfg.DrainGrace > 0 {
		graceCtx, cancel = context.WithTimeout(graceCtx, e.cfg.DrainGrace)
	}
	drained, err := pool.Shutdown(graceCtx)
	cancel()
	if err != nil {
		logger.Warn("in-flight work did not finish within drain grace", zap.Error(err))
	}
	logger.Debug("queue drained", zap.Int("drained", drained))

	return e.finish(reason, len(frontier), span, logger), nil
}

func (e *Engine) begin() error {
	runID, err := e.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	eventID, err := progress.ParseRunID(runID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ran {
		return ErrAlreadyRan
	}
	e.ran = true
	e.runID = runID
	e.eventID = eventID
	e.started = e.clock.Now()
	e.queue = queuemem.NewQueue(e.cfg.QueueCapacity)
	e.records = storemem.NewCrawlState()
	e.errs = &crawler.ErrorCounters{}
	return nil
}

// seed fetches every frontier list concurrently and returns the sorted union.
// A failing list is skipped; seeding fails only when all lists fail.
func (e *Engine) seed(ctx context.Context, logger *zap.Logger) ([]int, error) {
	lists := make([][]int, len(e.cfg.Lists))
	errs := make([]error, len(e.cfg.Lists))
	var g errgroup.Group
	for i, list := range e.cfg.Lists {
		g.Go(func() error {
			ids, err := e.source.Stories(ctx, list)
			if err != nil {
				errs[i] = fmt.Errorf("fetch %s: %w", list, err)
				logger.Warn("frontier list failed", zap.String("list", string(list)), zap.Error(err))
				return nil
			}
			lists[i] = ids
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[int]struct{})
	failed := 0
	for i := range lists {
		if errs[i] != nil {
			failed++
			continue
		}
		for _, id := range lists[i] {
			seen[id] = struct{}{}
		}
	}
	if failed == len(lists) {
		return nil, fmt.Errorf("seed frontier: %w", errors.Join(errs...))
	}
	frontier := make([]int, 0, len(seen))
	for id := range seen {
		frontier = append(frontier, id)
	}
	sort.Ints(frontier)
	logger.Info("frontier seeded", zap.Int("ids", len(frontier)), zap.Int("failed_lists", failed))
	return frontier, nil
}

func (e *Engine) newWorkers() []*worker.Worker {
	cfg := worker.Config{EventRunID: e.eventID, RequestTimeout: e.cfg.RequestTimeout, Tracer: e.tracer}
	out := make([]*worker.Worker, e.cfg.Workers)
	for i := range out {
		out[i] = worker.New(e.queue, e.records, e.source, e.errs, e.emitter, e.clock, cfg,
			e.logger.Named("worker").With(zap.String("run_id", e.runID), zap.Int("worker", i)))
	}
	return out
}

func (e *Engine) transition(s crawler.RunState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.logger.Debug("run state", zap.String("run_id", e.runID), zap.String("state", string(s)))
	e.emit(progress.Event{Stage: progress.StageRunState, State: string(s)})
}

func (e *Engine) finish(reason crawler.StopReason, frontier int, span trace.Span, logger *zap.Logger) Report {
	e.mu.Lock()
	e.reason = reason
	e.mu.Unlock()
	e.transition(crawler.StateDone)

	finished := e.clock.Now()
	items, users := e.records.Counts()
	res := crawler.Result{
		RunID:    e.runID,
		Reason:   reason,
		Frontier: frontier,
		Records:  items + users,
		Items:    items,
		Users:    users,
		Queue:    e.queue.Stats(),
		Errors:   e.errs.Snapshot(),
		Started:  e.started,
		Finished: finished,
		Duration: finished.Sub(e.started),
	}
	e.emit(progress.Event{
		Stage:  progress.StageRunDone,
		Reason: string(reason),
		Count:  int64(res.Records),
		Dur:    max(res.Duration, 0),
	})
	span.SetAttributes(
		attribute.String("hnsnap.reason", string(reason)),
		attribute.Int("hnsnap.frontier", frontier),
		attribute.Int("hnsnap.records", res.Records),
		attribute.Int64("hnsnap.dropped", res.Queue.Dropped),
		attribute.Int64("hnsnap.failures", res.Errors.Total()),
	)
	logger.Info("crawl run finished",
		zap.String("reason", string(reason)),
		zap.Int("records", res.Records),
		zap.Int64("dropped", res.Queue.Dropped),
		zap.Int64("failures", res.Errors.Total()),
		zap.Duration("duration", res.Duration),
	)
	return Report{Result: res, Records: e.records.Snapshot()}
}

func (e *Engine) emit(evt progress.Event) {
	evt.RunID = e.eventID
	evt.TS = e.clock.Now()
	e.emitter.Emit(evt)
}

// State returns the current run state.
func (e *Engine) State() crawler.RunState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Status returns a live view of the run.
func (e *Engine) Status() crawler.RunStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := crawler.RunStatus{
		RunID:   e.runID,
		State:   e.state,
		Reason:  e.reason,
		Started: e.started,
		Updated: e.clock.Now(),
	}
	if e.queue != nil {
		st.Queue = e.queue.Stats()
		st.Records = e.records.Size()
		st.Errors = e.errs.Snapshot()
	}
	return st
}

// QueueStats returns the live queue counters, or zero values before Run.
func (e *Engine) QueueStats() crawler.QueueStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.queue == nil {
		return crawler.QueueStats{}
	}
	return e.queue.Stats()
}

// Record returns the stored record for key, if any.
func (e *Engine) Record(key hn.Key) (hn.Record, bool) {
	e.mu.RLock()
	records := e.records
	e.mu.RUnlock()
	if records == nil {
		return nil, false
	}
	return records.Get(key)
}
