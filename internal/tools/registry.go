package tools

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed tools.yaml
var builtin []byte

var ErrUnknownTool = errors.New("unknown tool")

// definition is the on-disk form: shared metadata plus one section per mode.
type definition struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Origin   string `yaml:"origin"`
	Info     string `yaml:"info"`
	Image    string `yaml:"image"`
	Parser   string `yaml:"parser"`
	CPUQuota int64  `yaml:"cpu_quota"`
	MemLimit string `yaml:"mem_limit"`

	Solidity *modeConfig `yaml:"solidity"`
	Bytecode *modeConfig `yaml:"bytecode"`
	Runtime  *modeConfig `yaml:"runtime"`
}

type modeConfig struct {
	Image      string   `yaml:"image"`
	Bin        string   `yaml:"bin"`
	Output     string   `yaml:"output"`
	Solc       bool     `yaml:"solc"`
	CPUQuota   int64    `yaml:"cpu_quota"`
	MemLimit   string   `yaml:"mem_limit"`
	Command    []string `yaml:"command"`
	Entrypoint []string `yaml:"entrypoint"`
}

// Registry maps tool ids to their per-mode descriptors.
type Registry struct {
	tools map[string][]Tool
}

// Builtin returns the registry compiled into the binary. Relative bin dirs
// resolve under binRoot/<tool id>.
func Builtin(binRoot string) (*Registry, error) {
	return Parse(builtin, binRoot)
}

// LoadFile reads a registry from a YAML file.
func LoadFile(path, binRoot string) (*Registry, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from settings
	if err != nil {
		return nil, fmt.Errorf("reading tools file: %w", err)
	}
	return Parse(data, binRoot)
}

// Parse builds a registry from YAML tool definitions.
func Parse(data []byte, binRoot string) (*Registry, error) {
	var defs []definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parsing tool definitions: %w", err)
	}

	absRoot, err := filepath.Abs(binRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving tools dir %s: %w", binRoot, err)
	}

	r := &Registry{tools: make(map[string][]Tool)}
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("tool definition without id")
		}
		if _, dup := r.tools[def.ID]; dup {
			return nil, fmt.Errorf("tool %s defined twice", def.ID)
		}
		modes := []struct {
			name string
			cfg  *modeConfig
		}{
			{Solidity, def.Solidity},
			{Bytecode, def.Bytecode},
			{Runtime, def.Runtime},
		}
		for _, m := range modes {
			if m.cfg == nil {
				continue
			}
			t, err := def.tool(m.name, m.cfg, absRoot)
			if err != nil {
				return nil, err
			}
			r.Register(t)
		}
		if len(r.tools[def.ID]) == 0 {
			return nil, fmt.Errorf("tool %s supports no mode", def.ID)
		}
	}
	return r, nil
}

func (d definition) tool(mode string, m *modeConfig, binRoot string) (Tool, error) {
	t := Tool{
		ID:         d.ID,
		Mode:       mode,
		Name:       d.Name,
		Version:    d.Version,
		Origin:     d.Origin,
		Info:       d.Info,
		Image:      d.Image,
		Parser:     d.Parser,
		Output:     m.Output,
		Solc:       m.Solc,
		CPUQuota:   d.CPUQuota,
		MemLimit:   d.MemLimit,
		Command:    m.Command,
		Entrypoint: m.Entrypoint,
	}
	if m.Image != "" {
		t.Image = m.Image
	}
	if m.CPUQuota != 0 {
		t.CPUQuota = m.CPUQuota
	}
	if m.MemLimit != "" {
		t.MemLimit = m.MemLimit
	}
	if m.Bin != "" {
		t.Bin = m.Bin
		if !filepath.IsAbs(t.Bin) {
			t.Bin = filepath.Join(binRoot, d.ID, m.Bin)
		}
	}
	if t.Image == "" {
		return Tool{}, fmt.Errorf("tool %s/%s has no image", d.ID, mode)
	}
	return t, nil
}

// Register adds a tool descriptor to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.ID] = append(r.tools[t.ID], t)
}

// Load returns the descriptors for the selected ids, every mode of each.
// The id "all" selects the whole registry.
func (r *Registry) Load(ids []string) ([]Tool, error) {
	selected := make(map[string]bool)
	for _, id := range ids {
		if id == "all" {
			for known := range r.tools {
				selected[known] = true
			}
			continue
		}
		if _, ok := r.tools[id]; !ok {
			return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownTool, id, r.IDs())
		}
		selected[id] = true
	}

	var out []Tool
	for _, id := range r.IDs() {
		if selected[id] {
			out = append(out, r.tools[id]...)
		}
	}
	return out, nil
}

// IDs returns all registered tool ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Images returns every container image referenced by the registry.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, id := range r.IDs() {
		for _, t := range r.tools[id] {
			if !seen[t.Image] {
				seen[t.Image] = true
				images = append(images, t.Image)
			}
		}
	}
	return images
}
