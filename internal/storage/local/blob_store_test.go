// Package local_test tests the local filesystem report archive.
package local_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	"github.com/JakeFAU/timetable-refresher/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "reports")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	t.Run("WritesFile", func(t *testing.T) {
		uri, err := store.PutObject(context.Background(), "a/b.txt", "text/plain", bytes.NewReader([]byte("hello")))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(dir, "a", "b.txt"), uri)
		got, err := os.ReadFile(filepath.Join(dir, "a", "b.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.txt", "", bytes.NewReader(nil))
		assert.ErrorContains(t, err, "path traversal")
	})

	t.Run("RejectsEmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "  ", "", bytes.NewReader(nil))
		assert.Error(t, err)
	})
}

func TestHandleReport(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir, Prefix: "reports"})
	require.NoError(t, err)

	report := monitor.Report{
		RunID:     "run-42",
		StartTime: time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC),
		TotalJobs: 5,
		Skipped:   2,
	}
	require.NoError(t, store.HandleReport(context.Background(), report))

	raw, err := os.ReadFile(filepath.Join(dir, "reports", "2026", "10", "17", "run-42.json"))
	require.NoError(t, err)
	var decoded monitor.Report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 5, decoded.TotalJobs)
	assert.Equal(t, 2, decoded.Skipped)

	assert.Error(t, store.HandleReport(context.Background(), monitor.Report{}))
}
