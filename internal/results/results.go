// Package results implements the per-task result directory: the
// occupancy check that makes reruns idempotent, clearing of stale
// artifacts, and the task log record.
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// Artifacts of a result directory.
const (
	TaskLogFile      = "solscan.json"
	ToolLogFile      = "result.log"
	ToolOutputFile   = "result.tar"
	ParserOutputFile = "result.json"
	SarifOutputFile  = "result.sarif"
)

var artifacts = []string{TaskLogFile, ToolLogFile, ToolOutputFile, ParserOutputFile, SarifOutputFile}

var (
	ErrCreateDir = errors.New("cannot create result directory")
	ErrOccupied  = errors.New("result directory occupied by another task")
	ErrClear     = errors.New("cannot clear old output")
)

// Dir is an existing result directory.
type Dir struct {
	Path string
}

// Open creates the directory if needed.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrCreateDir, path, err)
	}
	return &Dir{Path: path}, nil
}

// File returns the path of an artifact in d.
func (d *Dir) File(name string) string {
	return filepath.Join(d.Path, name)
}

// Check inspects a task log left by an earlier run. It returns ErrOccupied
// if that log belongs to a different file, tool or mode, and skip=true if
// it belongs to this task and overwrite is off.
func (d *Dir) Check(relfn, toolID, mode string, overwrite bool) (skip bool, err error) {
	data, err := os.ReadFile(d.File(TaskLogFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", d.File(TaskLogFile), err)
	}
	if !gjson.ValidBytes(data) {
		return false, fmt.Errorf("%s: invalid task log", d.File(TaskLogFile))
	}

	old := gjson.GetManyBytes(data, "filename", "tool.id", "tool.mode")
	oldFn, oldID, oldMode := old[0].String(), old[1].String(), old[2].String()
	if oldFn != relfn || oldID != toolID || oldMode != mode {
		return false, fmt.Errorf("%w: Result directory %s occupied by another task (%s/%s, %s)",
			ErrOccupied, d.Path, oldID, oldMode, oldFn)
	}
	return !overwrite, nil
}

// Clear removes all artifacts and verifies that none is left.
func (d *Dir) Clear() error {
	for _, name := range artifacts {
		fn := d.File(name)
		_ = os.Remove(fn)
		if _, err := os.Lstat(fn); err == nil {
			return fmt.Errorf("%w %s", ErrClear, fn)
		}
	}
	return nil
}

// ClearParsed removes only the parser and SARIF outputs.
func (d *Dir) ClearParsed() error {
	for _, name := range []string{ParserOutputFile, SarifOutputFile} {
		fn := d.File(name)
		_ = os.Remove(fn)
		if _, err := os.Lstat(fn); err == nil {
			return fmt.Errorf("%w %s", ErrClear, fn)
		}
	}
	return nil
}

// WriteJSON writes v indented to the artifact name.
func (d *Dir) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return d.write(name, append(data, '\n'))
}

// WriteToolLog writes the container log, one line per entry.
func (d *Dir) WriteToolLog(lines []string) error {
	return d.write(ToolLogFile, []byte(strings.Join(lines, "\n")+"\n"))
}

// WriteToolOutput writes the archive extracted from the container.
func (d *Dir) WriteToolOutput(data []byte) error {
	return d.write(ToolOutputFile, data)
}

func (d *Dir) write(name string, data []byte) error {
	if err := os.WriteFile(d.File(name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// ReadToolLog returns the lines of the tool log, or nil if there is none.
func (d *Dir) ReadToolLog() ([]string, error) {
	data, err := os.ReadFile(d.File(ToolLogFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := strings.TrimSuffix(string(data), "\n")
	if s == "" {
		return []string{}, nil
	}
	return strings.Split(s, "\n"), nil
}

// ReadToolOutput returns the tool output archive, or nil if there is none.
func (d *Dir) ReadToolOutput() ([]byte, error) {
	data, err := os.ReadFile(d.File(ToolOutputFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
