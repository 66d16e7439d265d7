package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/hn"
	"github.com/JakeFAU/hnsnap/internal/progress"
	queuemem "github.com/JakeFAU/hnsnap/internal/queue/memory"
	storemem "github.com/JakeFAU/hnsnap/internal/storage/memory"
)

type fakeSource struct {
	mu    sync.Mutex
	items map[int]hn.Item
	users map[string]hn.User
	errs  map[hn.Key]error
	calls map[hn.Key]int
	gate  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items: make(map[int]hn.Item),
		users: make(map[string]hn.User),
		errs:  make(map[hn.Key]error),
		calls: make(map[hn.Key]int),
	}
}

func (s *fakeSource) Item(_ context.Context, id int) (hn.Item, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[hn.ItemKey(id)]++
	if err := s.errs[hn.ItemKey(id)]; err != nil {
		return hn.Item{}, err
	}
	it, ok := s.items[id]
	if !ok {
		return hn.Item{}, hn.ErrNotFound
	}
	return it, nil
}

func (s *fakeSource) User(_ context.Context, name string) (hn.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[hn.UserKey(name)]++
	u, ok := s.users[name]
	if !ok {
		return hn.User{}, hn.ErrNotFound
	}
	return u, nil
}

func (s *fakeSource) callCount(k hn.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[k]
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(100, 0) }

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Stage)
	}
	return out
}

type harness struct {
	queue   *queuemem.Queue
	state   *storemem.CrawlState
	source  *fakeSource
	errs    *crawler.ErrorCounters
	emitter *captureEmitter
	worker  *Worker
}

func newHarness(capacity int) *harness {
	h := &harness{
		queue:   queuemem.NewQueue(capacity),
		state:   storemem.NewCrawlState(),
		source:  newFakeSource(),
		errs:    &crawler.ErrorCounters{},
		emitter: &captureEmitter{},
	}
	h.worker = New(h.queue, h.state, h.source, h.errs, h.emitter, fakeClock{},
		Config{EventRunID: [16]byte{1}, RequestTimeout: time.Second}, zap.NewNop())
	return h
}

func popAll(t *testing.T, q *queuemem.Queue) []crawler.WorkItem {
	t.Helper()
	var out []crawler.WorkItem
	for q.Stats().Buffered > 0 {
		item, err := q.Pop(context.Background())
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

func TestFetchItemStoresAndSubmitsChildren(t *testing.T) {
	t.Parallel()

	h := newHarness(10)
	h.source.items[1] = hn.Item{ID: 1, Kind: hn.KindPoll, By: "alice", Kids: []int{3}, Parts: []int{4}}

	require.NoError(t, h.worker.FetchItem(context.Background(), 1))

	rec, ok := h.state.Get(hn.ItemKey(1))
	require.True(t, ok)
	require.Equal(t, "alice", rec.(hn.Item).By)
	require.Equal(t, []crawler.WorkItem{
		crawler.NewFetchItem(3),
		crawler.NewFetchItem(4),
		crawler.NewFetchUser("alice"),
	}, popAll(t, h.queue))
	require.Equal(t, []progress.Stage{progress.StageRecordStored}, h.emitter.stages())
	require.Equal(t, [16]byte{1}, h.emitter.events[0].RunID)
}

func TestFetchItemSkipsClaimed(t *testing.T) {
	t.Parallel()

	h := newHarness(10)
	h.source.items[1] = hn.Item{ID: 1, Kind: hn.KindStory}
	require.True(t, h.state.Claim(hn.ItemKey(1)))

	require.NoError(t, h.worker.FetchItem(context.Background(), 1))
	require.Zero(t, h.source.callCount(hn.ItemKey(1)))
}

func TestFetchItemSkipsSeenChildren(t *testing.T) {
	t.Parallel()

	h := newHarness(10)
	h.source.items[2] = hn.Item{ID: 2, Kind: hn.KindStory, By: "alice", Kids: []int{5, 6}}
	require.True(t, h.state.Claim(hn.UserKey("alice")))
	require.True(t, h.state.Claim(hn.ItemKey(5)))

	require.NoError(t, h.worker.FetchItem(context.Background(), 2))
	require.Equal(t, []crawler.WorkItem{crawler.NewFetchItem(6)}, popAll(t, h.queue))
}

func TestFetchItemPayloadMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(10)
	h.source.items[7] = hn.Item{ID: 8, Kind: hn.KindStory}
	err := h.worker.FetchItem(context.Background(), 7)
	require.ErrorIs(t, err, hn.ErrDecode)
	require.Zero(t, h.state.Size())
	require.True(t, h.state.Seen(hn.ItemKey(7)), "failed claims stay claimed")
}

func TestFetchUserDoesNotRecurse(t *testing.T) {
	t.Parallel()

	h := newHarness(10)
	h.source.users["alice"] = hn.User{ID: "alice", Submitted: []int{1, 2, 3}}

	require.NoError(t, h.worker.FetchUser(context.Background(), "alice"))
	require.NoError(t, h.worker.FetchUser(context.Background(), "alice"))
	require.Equal(t, 1, h.source.callCount(hn.UserKey("alice")))
	require.Equal(t, 1, h.state.Size())
	require.Empty(t, popAll(t, h.queue))
}

func TestRunCountsFailuresAndMarksDone(t *testing.T) {
	t.Parallel()

	h := newHarness(10)
	h.source.errs[hn.ItemKey(1)] = &hn.FetchError{Path: "item/1.json", Status: 500, Err: hn.ErrTransport}
	require.True(t, h.queue.Submit(crawler.NewFetchItem(1)))
	require.True(t, h.queue.Submit(crawler.NewFetchItem(2)))
	idle := h.queue.Idle()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("queue never went idle")
	}
	require.Equal(t, crawler.ErrorCounts{Transport: 1, NotFound: 1}, h.errs.Snapshot())
	require.EqualValues(t, 2, h.queue.Stats().Completed)
	require.Equal(t, []progress.Stage{progress.StageFetchFailed, progress.StageFetchFailed}, h.emitter.stages())
}

func TestRunFinishesInFlightItemAfterCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(10)
	h.source.gate = make(chan struct{})
	h.source.items[1] = hn.Item{ID: 1, Kind: hn.KindStory}
	require.True(t, h.queue.Submit(crawler.NewFetchItem(1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.queue.Stats().Buffered == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	close(h.source.gate)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	require.Equal(t, 1, h.state.Size())
	require.Zero(t, h.errs.Snapshot().Total())
}

func TestRunExitsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestRunTracesEachWorkItem(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(10)
	h.worker = New(h.queue, h.state, h.source, h.errs, h.emitter, fakeClock{},
		Config{RequestTimeout: time.Second, Tracer: tp.Tracer("worker_test")}, zap.NewNop())
	h.source.items[3] = hn.Item{ID: 3, Kind: hn.KindStory}
	h.source.errs[hn.ItemKey(1)] = &hn.FetchError{Path: "item/1.json", Status: 500, Err: hn.ErrTransport}
	for _, id := range []int{1, 2, 3} {
		require.True(t, h.queue.Submit(crawler.NewFetchItem(id)))
	}
	idle := h.queue.Idle()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("queue never went idle")
	}

	byKey := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range recorder.Ended() {
		require.Equal(t, "hnsnap.work_item", span.Name())
		for _, kv := range span.Attributes() {
			if kv.Key == "hnsnap.key" {
				byKey[kv.Value.AsString()] = span
			}
		}
	}
	require.Len(t, byKey, 3)

	failed := byKey[hn.ItemKey(1).String()]
	require.Equal(t, codes.Error, failed.Status().Code)
	require.Contains(t, failed.Attributes(), attribute.String("hnsnap.error_kind", "transport"))

	missing := byKey[hn.ItemKey(2).String()]
	require.Equal(t, codes.Unset, missing.Status().Code)
	require.Contains(t, missing.Attributes(), attribute.String("hnsnap.error_kind", "not_found"))

	ok := byKey[hn.ItemKey(3).String()]
	require.Equal(t, codes.Unset, ok.Status().Code)
	require.Contains(t, ok.Attributes(), attribute.String("hnsnap.op", crawler.OpFetchItem.String()))
}
