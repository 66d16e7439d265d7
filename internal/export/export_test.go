package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/hash/sha256"
	"github.com/JakeFAU/hnsnap/internal/hn"
	memorypublisher "github.com/JakeFAU/hnsnap/internal/publisher/memory"
	"github.com/JakeFAU/hnsnap/internal/storage/memory"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Result: crawler.Result{
			RunID:    "run-1",
			Reason:   crawler.ReasonQuiescent,
			Records:  3,
			Items:    2,
			Users:    1,
			Queue:    crawler.QueueStats{Dropped: 4},
			Errors:   crawler.ErrorCounts{Transport: 1},
			Finished: time.Unix(1700000000, 0).UTC(),
		},
		Records: []hn.Record{
			hn.Item{ID: 1, Kind: hn.KindStory, By: "alice", Kids: []int{2}, Title: "Show HN"},
			hn.Item{ID: 2, Kind: hn.KindComment, By: "alice", Parent: 1},
			hn.User{ID: "alice", Karma: 10},
		},
	}
}

type stubExporter struct {
	name     string
	location string
	err      error
	panics   bool
	block    bool
}

func (s stubExporter) Name() string { return s.name }

func (s stubExporter) Export(ctx context.Context, _ Snapshot) (string, error) {
	if s.panics {
		panic("boom")
	}
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.location, s.err
}

func TestEncodeJSONL(t *testing.T) {
	t.Parallel()

	data, err := EncodeJSONL(testSnapshot().Records)
	require.NoError(t, err)

	var spaces []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var row struct {
			Space  string          `json:"space"`
			Record json.RawMessage `json:"record"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		spaces = append(spaces, row.Space)
	}
	require.Equal(t, []string{"item", "item", "user"}, spaces)
	require.Contains(t, string(data), `"record":{"id":1,"type":"story"`)
}

func TestBlobExport(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	exp := NewBlob(store, sha256.New(), "snapshots")

	uri, err := exp.Export(context.Background(), testSnapshot())
	require.NoError(t, err)

	want, err := EncodeJSONL(testSnapshot().Records)
	require.NoError(t, err)
	digest, err := sha256.New().Hash(want)
	require.NoError(t, err)

	objectPath := "snapshots/run-1/" + digest + ".jsonl"
	require.Equal(t, "memory://"+objectPath, uri)
	got, ok := store.Object(objectPath)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestFanout(t *testing.T) {
	t.Parallel()

	f := NewFanout(0, zap.NewNop(),
		stubExporter{name: "blob", location: "memory://x"},
		stubExporter{name: "kafka", err: errors.New("broker down")},
		stubExporter{name: "graph", panics: true},
	)
	require.Equal(t, 3, f.Len())

	out := f.Run(context.Background(), testSnapshot())
	require.Len(t, out, 3)
	require.Equal(t, "blob", out[0].Name)
	require.NoError(t, out[0].Err)
	require.ErrorContains(t, out[1].Err, "broker down")
	require.ErrorContains(t, out[2].Err, "panicked")
	require.Equal(t, 2, Failed(out))
	require.Equal(t, "memory://x", Location(out, BlobName))
	require.Empty(t, Location(out, "kafka"))
}

func TestFanoutTracesUnderParentSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, parent := tp.Tracer("export_test").Start(context.Background(), "hnsnap.run")

	f := NewFanout(0, nil,
		stubExporter{name: "blob", location: "memory://x"},
		stubExporter{name: "kafka", err: errors.New("broker down")},
	)
	f.Run(ctx, testSnapshot())
	parent.End()

	status := make(map[string]codes.Code)
	for _, span := range recorder.Ended() {
		if span.Name() != "hnsnap.export" {
			continue
		}
		require.Equal(t, parent.SpanContext().SpanID(), span.Parent().SpanID())
		for _, kv := range span.Attributes() {
			if kv.Key == "hnsnap.exporter" {
				status[kv.Value.AsString()] = span.Status().Code
			}
		}
	}
	require.Equal(t, map[string]codes.Code{"blob": codes.Unset, "kafka": codes.Error}, status)
}

func TestFanoutTimeout(t *testing.T) {
	t.Parallel()

	f := NewFanout(20*time.Millisecond, nil, stubExporter{name: "slow", block: true})
	out := f.Run(context.Background(), testSnapshot())
	require.ErrorIs(t, out[0].Err, context.DeadlineExceeded)
}

func TestNotify(t *testing.T) {
	t.Parallel()

	pub := memorypublisher.New()
	n := NewNotification(testSnapshot().Result, "gs://bucket/snap.jsonl")
	require.Equal(t, int64(4), n.Dropped)
	require.Equal(t, int64(1), n.Failures)

	id, err := Notify(context.Background(), pub, "hn-runs", n)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "hn-runs", msgs[0].Topic)
	require.Equal(t, n, msgs[0].Payload)
}
