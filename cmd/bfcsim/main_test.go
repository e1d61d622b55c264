package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, environ []string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := realMain(context.Background(), args, environ, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLI_WorkloadThenReplay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tracePath := filepath.Join(dir, "run.bfct")
	reportPath := filepath.Join(dir, "report.json")

	code, stdout, stderr := runCLI(t, nil,
		"--workers", "2", "--ops", "300", "--max-size", "256KiB",
		"--check", "--shrink",
		"--trace", tracePath, "--report", reportPath, "--log-json")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "arena invariants hold")
	assert.Contains(t, stdout, "trace written")

	raw, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var rep report
	require.NoError(t, json.Unmarshal(raw, &rep))
	require.NotNil(t, rep.Workload)
	assert.Positive(t, rep.Workload.Allocs)
	assert.Equal(t, uint64(0), rep.Arena.BytesInUse)
	assert.Equal(t, rep.Workload.Allocs, rep.Arena.NumAllocs)

	code, _, stderr = runCLI(t, nil, "--replay", tracePath, "--check", "--report", reportPath, "--log-level", "warn")
	require.Equal(t, 0, code, stderr)
	raw, err = os.ReadFile(reportPath)
	require.NoError(t, err)
	var replayed report
	require.NoError(t, json.Unmarshal(raw, &replayed))
	require.NotNil(t, replayed.Replay)
	assert.Equal(t, rep.Arena.NumAllocs, replayed.Replay.Allocs)
	assert.Equal(t, rep.Arena.PeakBytesInUse, replayed.Arena.PeakBytesInUse)
}

func TestCLI_HeapVerifyWithStreams(t *testing.T) {
	t.Parallel()
	code, _, stderr := runCLI(t, nil,
		"--backing", "heap", "--capacity", "256MiB", "--verify", "--streams",
		"--workers", "3", "--ops", "300", "--max-size", "64KiB",
		"--strategy", "same-as-requested", "--check", "--log-level", "error")
	assert.Equal(t, 0, code, stderr)
}

func TestCLI_Env(t *testing.T) {
	t.Parallel()
	code, _, stderr := runCLI(t, []string{"BFCSIM_WORKERS=lots"})
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "BFCSIM_WORKERS")

	code, _, stderr = runCLI(t, []string{"BFCSIM_OPS=10", "BFCSIM_LOG_LEVEL=error"})
	assert.Equal(t, 0, code, stderr)
}

func TestCLI_UsageErrors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--bogus"}},
		{"positional argument", []string{"extra"}},
		{"bad strategy", []string{"--strategy", "fibonacci"}},
		{"bad backing", []string{"--backing", "tape"}},
		{"verify on device", []string{"--verify"}},
		{"bad size", []string{"--max-size", "lots"}},
		{"inverted sizes", []string{"--min-size", "1MiB", "--max-size", "1KiB"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, _, _ := runCLI(t, nil, append(tc.args, "--ops", "10", "--log-level", "error")...)
			assert.NotEqual(t, 0, code)
		})
	}
}

func TestCLI_Help(t *testing.T) {
	t.Parallel()
	code, stdout, _ := runCLI(t, nil, "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "--strategy")
}

func TestCLI_MissingReplayFails(t *testing.T) {
	t.Parallel()
	code, _, _ := runCLI(t, nil, "--replay", filepath.Join(t.TempDir(), "missing.bfct"), "--log-level", "error")
	assert.Equal(t, 1, code)
}
