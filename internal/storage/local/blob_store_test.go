package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hnsnap/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()

		dir := filepath.Join(t.TempDir(), "nested", "out")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		require.DirExists(t, dir)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Empty(t, entries, "probe file removed")
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(local.Config{BaseDir: "  "})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()

		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.ErrorContains(t, err, "not a directory")
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "snapshots/run/abc.jsonl", "application/x-ndjson", []byte("{}\n"))
	require.NoError(t, err)

	want := filepath.Join(dir, "snapshots", "run", "abc.jsonl")
	require.Equal(t, "file://"+want, uri)
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "{}\n", string(got))

	_, err = store.PutObject(context.Background(), "snapshots/run/abc.jsonl", "", []byte("[]\n"))
	require.NoError(t, err, "overwrite")
	got, err = os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "[]\n", string(got))

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "../escape.jsonl", "", nil)
	require.ErrorContains(t, err, "escapes")
}
