// Package task builds the immutable set of (file, tool) analysis tasks.
package task

import (
	"errors"
	"strings"

	"solscan/internal/collect"
	"solscan/internal/config"
	"solscan/internal/tools"
)

var (
	ErrNoTasks  = errors.New("no tasks to execute")
	ErrCompiler = errors.New("compiler resolution failed")
)

// Task is one (file, tool) execution unit. Tasks are not modified after
// the Builder returns them.
type Task struct {
	AbsFile     string
	RelFile     string
	ResultDir   string
	SolcVersion string // empty unless the tool needs a compiler
	SolcPath    string
	Tool        tools.Tool
	Settings    *config.Settings
}

// String identifies the task in log output.
func (t *Task) String() string {
	return t.Tool.ID + "/" + t.Tool.Mode + " " + t.RelFile
}

// Kind classifies an artifact by file name. A .hex file is runtime code if
// it ends in .rt.hex or the runtime flag is set; the flag wins for files
// without the suffix. It returns "" for unsupported files.
func Kind(absfn string, runtimeFlag bool) string {
	switch {
	case strings.HasSuffix(absfn, collect.SourceExt):
		return tools.Solidity
	case strings.HasSuffix(absfn, collect.BytecodeExt):
		if runtimeFlag || strings.HasSuffix(absfn, ".rt"+collect.BytecodeExt) {
			return tools.Runtime
		}
		return tools.Bytecode
	default:
		return ""
	}
}
