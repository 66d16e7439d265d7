package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	bytes.Buffer
	writeErr error
	closeErr error
	closed   bool
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return w.Buffer.Write(p)
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

type opened struct {
	bucket, path, contentType string
}

func newTestStore(t *testing.T, w *fakeWriter, got *opened) *BlobStore {
	t.Helper()
	store, err := newBlobStore(Config{Bucket: "hn-snapshots"},
		func(_ context.Context, bucket, path, contentType string) io.WriteCloser {
			*got = opened{bucket: bucket, path: path, contentType: contentType}
			return w
		})
	require.NoError(t, err)
	return store
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	var got opened
	store := newTestStore(t, w, &got)

	uri, err := store.PutObject(context.Background(), "snapshots/r1/abc.jsonl", "application/x-ndjson", []byte("{}\n"))
	require.NoError(t, err)
	require.Equal(t, "gs://hn-snapshots/snapshots/r1/abc.jsonl", uri)
	require.Equal(t, opened{"hn-snapshots", "snapshots/r1/abc.jsonl", "application/x-ndjson"}, got)
	require.Equal(t, "{}\n", w.String())
	require.True(t, w.closed)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	var got opened
	_, err := newTestStore(t, &fakeWriter{}, &got).PutObject(context.Background(), " ", "", nil)
	require.Error(t, err)

	w := &fakeWriter{writeErr: errors.New("quota")}
	_, err = newTestStore(t, w, &got).PutObject(context.Background(), "a", "", []byte("x"))
	require.ErrorContains(t, err, "write object")
	require.True(t, w.closed)

	w = &fakeWriter{closeErr: errors.New("precondition")}
	_, err = newTestStore(t, w, &got).PutObject(context.Background(), "a", "", []byte("x"))
	require.ErrorContains(t, err, "close writer")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = newBlobStore(Config{}, nil)
	require.Error(t, err)
}
