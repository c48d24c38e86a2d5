package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "refresher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunWithNoSourcesPrintsEmptyReport(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\nscheduler:\n  batch_pause_ms: 0\n")

	out, err := execute(t, "--config", path, "run", "--json")
	require.NoError(t, err)
	require.Contains(t, out, `"total_jobs": 0`)
}

func TestRunOneRejectsBadID(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")

	_, err := execute(t, "--config", path, "run-one", "abc")
	require.ErrorContains(t, err, "invalid job id")
}

func TestRunOneUnknownJob(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")

	_, err := execute(t, "--config", path, "run-one", "42")
	require.Error(t, err)
}

func TestInvalidConfigFailsFast(t *testing.T) {
	path := writeConfig(t, "pool:\n  max_size: 0\n")

	_, err := execute(t, "--config", path, "run")
	require.ErrorContains(t, err, "pool.max_size")
}
