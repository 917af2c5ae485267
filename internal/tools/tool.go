package tools

import (
	"strings"
)

// Tool modes: the artifact kind a tool consumes.
const (
	Solidity = "solidity"
	Bytecode = "bytecode"
	Runtime  = "runtime"
)

// Tool describes one analysis tool in one mode. A tool supporting several
// modes appears once per mode.
type Tool struct {
	ID         string   `json:"id" yaml:"id"`
	Mode       string   `json:"mode" yaml:"mode"`
	Name       string   `json:"name,omitempty" yaml:"name"`
	Version    string   `json:"version,omitempty" yaml:"version"`
	Origin     string   `json:"origin,omitempty" yaml:"origin"`
	Info       string   `json:"info,omitempty" yaml:"info"`
	Image      string   `json:"image" yaml:"image"`
	Parser     string   `json:"parser,omitempty" yaml:"parser"`
	Bin        string   `json:"bin,omitempty" yaml:"bin"`       // host dir staged as bin/
	Output     string   `json:"output,omitempty" yaml:"output"` // in-container path to extract
	Solc       bool     `json:"solc,omitempty" yaml:"solc"`
	CPUQuota   int64    `json:"cpu_quota,omitempty" yaml:"cpu_quota"`
	MemLimit   string   `json:"mem_limit,omitempty" yaml:"mem_limit"`
	Command    []string `json:"command,omitempty" yaml:"command"`
	Entrypoint []string `json:"entrypoint,omitempty" yaml:"entrypoint"`
}

// Args expands the command and entrypoint templates for a staged file.
// $FILENAME, $TIMEOUT and $BIN are replaced; a nil template stays nil so the
// image default applies.
func (t Tool) Args(filename, timeout, bin string) (command, entrypoint []string) {
	r := strings.NewReplacer("$FILENAME", filename, "$TIMEOUT", timeout, "$BIN", bin)
	return substitute(r, t.Command), substitute(r, t.Entrypoint)
}

// Key identifies the tool within a registry.
func (t Tool) Key() string {
	return t.ID + "/" + t.Mode
}

func substitute(r *strings.Replacer, tmpl []string) []string {
	if tmpl == nil {
		return nil
	}
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}
