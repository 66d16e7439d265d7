package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/clock/system"
	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/hn"
	"github.com/JakeFAU/hnsnap/internal/progress"
)

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

const runID = "0190a5b4-7c3e-7000-8000-000000000001"

// graphSource serves items and users from maps and records causal violations:
// a child fetched before its parent's fetch returned.
type graphSource struct {
	mu        sync.Mutex
	lists     map[hn.List][]int
	listErr   map[hn.List]error
	items     map[int]hn.Item
	users     map[string]hn.User
	itemErr   map[int]error
	delay     time.Duration
	chain     bool
	calls     map[hn.Key]int
	done      map[int]bool
	parentOf  map[int][]int
	violation []int
}

func newGraphSource() *graphSource {
	return &graphSource{
		lists:    make(map[hn.List][]int),
		listErr:  make(map[hn.List]error),
		items:    make(map[int]hn.Item),
		users:    make(map[string]hn.User),
		itemErr:  make(map[int]error),
		calls:    make(map[hn.Key]int),
		done:     make(map[int]bool),
		parentOf: make(map[int][]int),
	}
}

func (s *graphSource) addItem(it hn.Item) {
	s.items[it.ID] = it
	for _, c := range it.Children() {
		s.parentOf[c] = append(s.parentOf[c], it.ID)
	}
}

func (s *graphSource) Stories(ctx context.Context, list hn.List) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.listErr[list]; err != nil {
		return nil, err
	}
	return s.lists[list], nil
}

func (s *graphSource) Item(ctx context.Context, id int) (hn.Item, error) {
	s.mu.Lock()
	s.calls[hn.ItemKey(id)]++
	if parents := s.parentOf[id]; len(parents) > 0 {
		ok := false
		for _, p := range parents {
			ok = ok || s.done[p]
		}
		if !ok {
			s.violation = append(s.violation, id)
		}
	}
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return hn.Item{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = true
	if s.chain {
		return hn.Item{ID: id, Kind: hn.KindComment, Kids: []int{id + 1}}, nil
	}
	if err := s.itemErr[id]; err != nil {
		return hn.Item{}, err
	}
	it, ok := s.items[id]
	if !ok {
		return hn.Item{}, hn.ErrNotFound
	}
	return it, nil
}

func (s *graphSource) User(_ context.Context, name string) (hn.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[hn.UserKey(name)]++
	u, ok := s.users[name]
	if !ok {
		return hn.User{}, hn.ErrNotFound
	}
	return u, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) states() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		if e.Stage == progress.StageRunState {
			out = append(out, e.State)
		}
	}
	return out
}

func baseConfig() Config {
	return Config{
		Lists:          []hn.List{hn.ListTop},
		Workers:        4,
		QueueCapacity:  100,
		Timeout:        5 * time.Second,
		DrainGrace:     time.Second,
		RequestTimeout: time.Second,
	}
}

func newEngine(t *testing.T, cfg Config, src Source, em progress.Emitter) *Engine {
	t.Helper()
	e, err := New(cfg, src, system.New(), fixedID(runID), em, zap.NewNop())
	require.NoError(t, err)
	return e
}

func keys(records []hn.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Key().String())
	}
	return out
}

func TestRunSharedAuthorScenario(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.lists[hn.ListTop] = []int{2, 1}
	src.addItem(hn.Item{ID: 1, Kind: hn.KindStory, By: "alice", Kids: []int{3}})
	src.addItem(hn.Item{ID: 2, Kind: hn.KindStory, By: "alice"})
	src.addItem(hn.Item{ID: 3, Kind: hn.KindComment, By: "bob", Parent: 1})
	src.users["alice"] = hn.User{ID: "alice"}
	src.users["bob"] = hn.User{ID: "bob"}
	em := &captureEmitter{}

	e := newEngine(t, baseConfig(), src, em)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	res := report.Result
	require.Equal(t, crawler.ReasonQuiescent, res.Reason)
	require.Equal(t, runID, res.RunID)
	require.Equal(t, 5, res.Records)
	require.Equal(t, 3, res.Items)
	require.Equal(t, 2, res.Users)
	require.Equal(t, 2, res.Frontier)
	require.Equal(t, []string{"item:1", "item:2", "item:3", "user:alice", "user:bob"}, keys(report.Records))
	require.Equal(t, 1, src.calls[hn.UserKey("alice")], "alice fetched once")
	require.Zero(t, res.Queue.Outstanding)
	require.Zero(t, res.Errors.Total())

	require.Equal(t, []string{"seeding", "running", "draining", "done"}, em.states())
	require.Equal(t, crawler.StateDone, e.State())
	require.Equal(t, crawler.ReasonQuiescent, e.Status().Reason)

	rec, ok := e.Record(hn.UserKey("bob"))
	require.True(t, ok)
	require.Equal(t, hn.User{ID: "bob"}, rec)
	_, ok = e.Record(hn.ItemKey(99))
	require.False(t, ok)
}

func TestRunCapacityOneDropsSecondSeed(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.lists[hn.ListTop] = []int{1, 2}
	src.addItem(hn.Item{ID: 1, Kind: hn.KindStory})
	src.addItem(hn.Item{ID: 2, Kind: hn.KindStory})
	cfg := baseConfig()
	cfg.QueueCapacity = 1

	report, err := newEngine(t, cfg, src, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.ReasonQuiescent, report.Result.Reason)
	require.Equal(t, 1, report.Result.Records)
	require.EqualValues(t, 1, report.Result.Queue.Dropped)
	require.EqualValues(t, 1, report.Result.Queue.Submitted)
	require.Equal(t, []string{"item:1"}, keys(report.Records))
}

func TestRunCapacityOneFollowsAuthor(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.lists[hn.ListTop] = []int{1, 2}
	src.addItem(hn.Item{ID: 1, Kind: hn.KindStory, By: "alice"})
	src.addItem(hn.Item{ID: 2, Kind: hn.KindStory})
	src.users["alice"] = hn.User{ID: "alice"}
	cfg := baseConfig()
	cfg.QueueCapacity = 1

	report, err := newEngine(t, cfg, src, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Result.Records)
	require.EqualValues(t, 1, report.Result.Queue.Dropped)
	require.Equal(t, []string{"item:1", "user:alice"}, keys(report.Records))
}

func TestRunQuiescenceCountsDistinctReachable(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.lists[hn.ListTop] = []int{1, 2, 3}
	src.lists[hn.ListNew] = []int{3, 4}
	authors := []string{"a", "b", "c"}
	// A DAG in which ids 20..39 are reachable from several parents.
	for id := 1; id <= 4; id++ {
		kids := make([]int, 0, 10)
		for k := 0; k < 10; k++ {
			kids = append(kids, 10+id*2+k)
		}
		src.addItem(hn.Item{ID: id, Kind: hn.KindStory, By: authors[id%3], Kids: kids})
	}
	for id := 12; id <= 27; id++ {
		src.addItem(hn.Item{ID: id, Kind: hn.KindComment, By: authors[id%3], Kids: []int{100 + id%5}})
	}
	for id := 100; id < 105; id++ {
		src.addItem(hn.Item{ID: id, Kind: hn.KindComment, By: "d"})
	}
	for _, a := range append(authors, "d") {
		src.users[a] = hn.User{ID: a}
	}
	cfg := baseConfig()
	cfg.Lists = []hn.List{hn.ListTop, hn.ListNew}
	cfg.Workers = 8
	cfg.QueueCapacity = 500

	report, err := newEngine(t, cfg, src, nil).Run(context.Background())
	require.NoError(t, err)
	res := report.Result
	require.Equal(t, crawler.ReasonQuiescent, res.Reason)
	require.Equal(t, 4, res.Frontier)
	require.Equal(t, 4+16+5, res.Items)
	require.Equal(t, 4, res.Users)
	require.Zero(t, res.Queue.Dropped)
	for k, n := range src.calls {
		require.Equal(t, 1, n, "%s fetched more than once", k)
	}
	require.Empty(t, src.violation, "child fetched before its parent completed")
}

func TestRunTimeoutBound(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.lists[hn.ListTop] = []int{1}
	src.chain = true
	src.delay = 10 * time.Millisecond
	cfg := baseConfig()
	cfg.Timeout = 60 * time.Millisecond

	start := time.Now()
	report, err := newEngine(t, cfg, src, nil).Run(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, crawler.ReasonTimeout, report.Result.Reason)
	require.Less(t, elapsed, cfg.Timeout+src.delay+500*time.Millisecond)
	require.Positive(t, report.Result.Records)
	require.Zero(t, report.Result.Queue.Outstanding)
	require.Empty(t, src.violation)
}

func TestRunInterrupted(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.lists[hn.ListTop] = []int{1}
	src.chain = true
	src.delay = 5 * time.Millisecond
	cfg := baseConfig()
	cfg.Timeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(40*time.Millisecond, cancel)
	report, err := newEngine(t, cfg, src, nil).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.ReasonInterrupted, report.Result.Reason)
	require.Positive(t, report.Result.Records)
}

func TestRunInterruptedWhileSeeding(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := newGraphSource()
	src.lists[hn.ListTop] = []int{1}

	e := newEngine(t, baseConfig(), src, nil)
	report, err := e.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.ReasonInterrupted, report.Result.Reason)
	require.Zero(t, report.Result.Records)
	require.Equal(t, crawler.StateDone, e.State())
}

func TestRunToleratesFailedList(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.lists[hn.ListTop] = []int{1}
	src.listErr[hn.ListAsk] = &hn.FetchError{Path: "askstories.json", Status: 500, Err: hn.ErrTransport}
	src.addItem(hn.Item{ID: 1, Kind: hn.KindStory})
	cfg := baseConfig()
	cfg.Lists = []hn.List{hn.ListTop, hn.ListAsk}

	report, err := newEngine(t, cfg, src, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Result.Records)
}

func TestRunFailsWhenAllListsFail(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.listErr[hn.ListTop] = errors.New("down")
	e := newEngine(t, baseConfig(), src, nil)
	_, err := e.Run(context.Background())
	require.ErrorContains(t, err, "seed frontier")
	require.Equal(t, crawler.StateDone, e.State())
}

func TestRunCountsErrorsWithoutAborting(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.lists[hn.ListTop] = []int{1, 2, 3, 4}
	src.addItem(hn.Item{ID: 1, Kind: hn.KindStory})
	src.itemErr[2] = &hn.FetchError{Path: "item/2.json", Status: 502, Err: hn.ErrTransport}
	src.itemErr[3] = hn.ErrDecode
	// 4 is missing.

	report, err := newEngine(t, baseConfig(), src, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.ReasonQuiescent, report.Result.Reason)
	require.Equal(t, 1, report.Result.Records)
	require.Equal(t, crawler.ErrorCounts{Transport: 1, Decode: 1, NotFound: 1}, report.Result.Errors)
}

func TestRunOnlyOnce(t *testing.T) {
	t.Parallel()

	src := newGraphSource()
	src.lists[hn.ListTop] = nil
	e := newEngine(t, baseConfig(), src, nil)
	report, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Result.Records)
	require.Equal(t, crawler.ReasonQuiescent, report.Result.Reason)

	_, err = e.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRan)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Workers = 0
	_, err := New(cfg, newGraphSource(), system.New(), fixedID(runID), nil, nil)
	require.Error(t, err)

	_, err = New(baseConfig(), nil, system.New(), fixedID(runID), nil, nil)
	require.Error(t, err)

	e := newEngine(t, baseConfig(), newGraphSource(), nil)
	require.Equal(t, crawler.StateIdle, e.State())
	require.Equal(t, crawler.QueueStats{}, e.QueueStats())
}

func TestRunRecordsCrawlSpanWithWorkItemChildren(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	src := newGraphSource()
	src.lists[hn.ListTop] = []int{1}
	src.addItem(hn.Item{ID: 1, Kind: hn.KindStory, By: "alice"})
	src.users["alice"] = hn.User{ID: "alice"}
	cfg := baseConfig()
	cfg.Tracer = tp.Tracer("engine_test")

	_, err := newEngine(t, cfg, src, nil).Run(context.Background())
	require.NoError(t, err)

	var crawl sdktrace.ReadOnlySpan
	var items []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "hnsnap.crawl":
			crawl = span
		case "hnsnap.work_item":
			items = append(items, span)
		}
	}
	require.NotNil(t, crawl)
	require.Contains(t, crawl.Attributes(), attribute.String("hnsnap.run_id", runID))
	require.Contains(t, crawl.Attributes(), attribute.String("hnsnap.reason", string(crawler.ReasonQuiescent)))
	require.Contains(t, crawl.Attributes(), attribute.Int("hnsnap.records", 2))
	require.Len(t, items, 2)
	for _, span := range items {
		require.Equal(t, crawl.SpanContext().TraceID(), span.SpanContext().TraceID())
		require.Equal(t, crawl.SpanContext().SpanID(), span.Parent().SpanID())
	}
}
