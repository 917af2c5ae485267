package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	if s.Processes != 1 {
		t.Errorf("Processes = %d, want 1", s.Processes)
	}
	if s.Timeout != 0 {
		t.Errorf("Timeout = %d, want 0 (unbounded)", s.Timeout)
	}
	if s.Sandbox.Backend != "docker" {
		t.Errorf("Sandbox.Backend = %q, want docker", s.Sandbox.Backend)
	}
	if s.Results != filepath.Join("results", "${TOOL}", "${RUNID}", "${FILENAME}") {
		t.Errorf("Results = %q", s.Results)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("DefaultSettings().Validate() = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Settings)
		wantErr bool
	}{
		{"valid defaults", func(s *Settings) {}, false},
		{"processes 0", func(s *Settings) { s.Processes = 0 }, true},
		{"negative timeout", func(s *Settings) { s.Timeout = -1 }, true},
		{"negative cpu quota", func(s *Settings) { s.CPUQuota = -5 }, true},
		{"mem limit 512m", func(s *Settings) { s.MemLimit = "512m" }, false},
		{"mem limit 1g", func(s *Settings) { s.MemLimit = "1g" }, false},
		{"mem limit garbage", func(s *Settings) { s.MemLimit = "lots" }, true},
		{"empty results", func(s *Settings) { s.Results = " " }, true},
		{"unknown backend", func(s *Settings) { s.Sandbox.Backend = "podman" }, true},
		{"auto backend", func(s *Settings) { s.Sandbox.Backend = "auto" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "solscan.yaml")
	content := `
tools: [slither, mythril]
files:
  - samples:**/*.sol
processes: 4
timeout: 600
mem_limit: 2g
sandbox:
  backend: auto
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s := DefaultSettings()
	if err := s.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if len(s.Tools) != 2 || s.Tools[0] != "slither" {
		t.Errorf("Tools = %v", s.Tools)
	}
	if s.Processes != 4 {
		t.Errorf("Processes = %d, want 4", s.Processes)
	}
	if s.Timeout != 600 {
		t.Errorf("Timeout = %d, want 600", s.Timeout)
	}
	if s.Sandbox.Backend != "auto" {
		t.Errorf("Sandbox.Backend = %q, want auto", s.Sandbox.Backend)
	}
	// keys absent from the file keep their defaults
	if s.Sandbox.Namespace != "solscan" {
		t.Errorf("Sandbox.Namespace = %q, want solscan", s.Sandbox.Namespace)
	}
	if s.MemLimit != "2g" {
		t.Errorf("MemLimit = %q, want 2g", s.MemLimit)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	s := DefaultSettings()
	if err := s.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFreeze(t *testing.T) {
	s := DefaultSettings()
	now := time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC)

	if err := s.Freeze(now); err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}

	if s.RunID != "20240307_0905" {
		t.Errorf("RunID = %q, want 20240307_0905", s.RunID)
	}
	if want := filepath.Join("results", "${TOOL}", "20240307_0905", "${FILENAME}"); s.Results != want {
		t.Errorf("Results = %q, want %q", s.Results, want)
	}
	if want := filepath.Join("results", "logs", "20240307_0905.log"); s.Log != want {
		t.Errorf("Log = %q, want %q", s.Log, want)
	}
	if !s.Frozen() {
		t.Error("Frozen() = false after Freeze")
	}

	err := s.Update(func(s *Settings) { s.Processes = 8 })
	if !errors.Is(err, ErrFrozen) {
		t.Errorf("Update() after Freeze = %v, want ErrFrozen", err)
	}
	if s.Processes != 1 {
		t.Errorf("Processes changed after Freeze: %d", s.Processes)
	}
	if err := s.LoadFile("whatever.yaml"); !errors.Is(err, ErrFrozen) {
		t.Errorf("LoadFile() after Freeze = %v, want ErrFrozen", err)
	}
}

func TestFreeze_InvalidSettings(t *testing.T) {
	s := DefaultSettings()
	s.Processes = 0
	if err := s.Freeze(time.Now()); err == nil {
		t.Error("expected Freeze to reject invalid settings")
	}
	if s.Frozen() {
		t.Error("settings frozen despite validation failure")
	}
}

func TestResultDir(t *testing.T) {
	tests := []struct {
		name    string
		results string
		toolID  string
		mode    string
		absfn   string
		relfn   string
		want    string
	}{
		{
			name:    "default layout",
			results: "results/${TOOL}/run1/${FILENAME}",
			toolID:  "slither", mode: "solidity",
			absfn: "/data/samples/a/Token.sol", relfn: "a/Token.sol",
			want: filepath.Join("results", "slither", "run1", "Token.sol"),
		},
		{
			name:    "mode reldir and filebase",
			results: "out/$MODE/${RELDIR}/${FILEBASE}.${FILEEXT}",
			toolID:  "mythril", mode: "bytecode",
			absfn: "/data/x/y/c.hex", relfn: "x/y/c.hex",
			want: filepath.Join("out", "bytecode", "x", "y", "c.hex"),
		},
		{
			name:    "absdir is embedded",
			results: "r/${ABSDIR}/${FILEBASE}",
			toolID:  "conkas", mode: "runtime",
			absfn: "/data/c.rt.hex", relfn: "c.rt.hex",
			want: filepath.Join("r", "data", "c.rt"),
		},
		{
			name:    "unknown variables survive",
			results: "r/${TOOL}/${NOPE}",
			toolID:  "slither", mode: "solidity",
			absfn: "/a.sol", relfn: "a.sol",
			want: filepath.Join("r", "slither", "${NOPE}"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			s.Results = tt.results
			got := s.ResultDir(tt.toolID, tt.mode, tt.absfn, tt.relfn)
			if got != tt.want {
				t.Errorf("ResultDir() = %q, want %q", got, tt.want)
			}
		})
	}
}
