package reparse

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"solscan/internal/parsing"
	"solscan/internal/results"
	"solscan/internal/tools"
)

func resultDir(t *testing.T, root, name string, lines []string) *results.Dir {
	t.Helper()
	d, err := results.Open(filepath.Join(root, name))
	require.NoError(t, err)

	code := 0
	logs := results.ToolLogFile
	require.NoError(t, d.WriteJSON(results.TaskLogFile, &results.TaskLog{
		Filename: name + ".sol",
		RunID:    "r",
		Result:   results.RunResult{ExitCode: &code, Logs: &logs},
		Tool:     tools.Tool{ID: "solhint", Mode: tools.Solidity, Parser: "solhint"},
	}))
	require.NoError(t, d.WriteToolLog(lines))
	return d
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	resultDir(t, root, "b", nil)
	resultDir(t, root, filepath.Join("a", "nested"), nil)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	dirs, err := Discover([]string{root, root})
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(root, "a", "nested"),
		filepath.Join(root, "b"),
	}, dirs)
}

func TestDir(t *testing.T) {
	d := resultDir(t, t.TempDir(), "c", []string{
		"/src/c.sol:3:5: Avoid to use tx.origin [Error/avoid-tx-origin]",
	})
	require.NoError(t, os.WriteFile(d.File(results.SarifOutputFile), []byte("stale"), 0o644))

	require.NoError(t, Dir(d.Path, false))
	require.FileExists(t, d.File(results.ParserOutputFile))
	require.NoFileExists(t, d.File(results.SarifOutputFile))

	data, err := os.ReadFile(d.File(results.ParserOutputFile))
	require.NoError(t, err)
	require.Contains(t, string(data), "avoid-tx-origin")

	require.NoError(t, Dir(d.Path, true))
	data, err = os.ReadFile(d.File(results.SarifOutputFile))
	require.NoError(t, err)
	require.Contains(t, string(data), `"version": "2.1.0"`)
}

func TestDir_MissingTaskLog(t *testing.T) {
	err := Dir(t.TempDir(), false)
	require.ErrorIs(t, err, ErrNoTaskLog)
}

func TestDir_CannotClear(t *testing.T) {
	d := resultDir(t, t.TempDir(), "c", nil)
	// A non-empty directory in place of result.json cannot be removed.
	require.NoError(t, os.MkdirAll(filepath.Join(d.File(results.ParserOutputFile), "keep"), 0o755))

	err := Dir(d.Path, false)
	require.ErrorIs(t, err, results.ErrClear)
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	var dirs []string
	for _, name := range []string{"x", "y", "z"} {
		dirs = append(dirs, resultDir(t, root, name, []string{"line"}).Path)
	}
	dirs = append(dirs, filepath.Join(root, "missing"))

	sum, err := Run(context.Background(), dirs, Options{SARIF: true, Processes: 2})
	require.NoError(t, err)
	require.Equal(t, 4, sum.Dirs)
	require.Equal(t, 3, sum.Parsed)
	require.Equal(t, 1, sum.Skipped)

	for _, d := range dirs[:3] {
		require.FileExists(t, filepath.Join(d, results.ParserOutputFile))
		require.FileExists(t, filepath.Join(d, results.SarifOutputFile))
	}
}

func TestRun_ParserVersionRecorded(t *testing.T) {
	d := resultDir(t, t.TempDir(), "v", nil)
	_, err := Run(context.Background(), []string{d.Path}, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(d.File(results.ParserOutputFile))
	require.NoError(t, err)
	require.Contains(t, string(data), parsing.Version)
}
