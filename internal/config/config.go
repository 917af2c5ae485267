package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Version is the solscan release recorded in every task log.
var Version = "2.1.0"

var ErrFrozen = errors.New("settings are frozen")

// Settings holds everything a batch run needs. It is populated from
// defaults, the site config, an optional -c file and the command line, and
// frozen before scheduling starts.
type Settings struct {
	Tools     []string `yaml:"tools"`
	Files     []string `yaml:"files"` // [DIR:]PATTERN
	Runtime   bool     `yaml:"runtime"`
	Processes int      `yaml:"processes"`
	Timeout   int      `yaml:"timeout"` // seconds, 0 = unbounded
	CPUQuota  int64    `yaml:"cpu_quota"`
	MemLimit  string   `yaml:"mem_limit"`
	RunID     string   `yaml:"runid"`
	Results   string   `yaml:"results"`
	Log       string   `yaml:"log"`
	Overwrite bool     `yaml:"overwrite"`
	JSON      bool     `yaml:"json"`
	SARIF     bool     `yaml:"sarif"`
	Quiet     bool     `yaml:"quiet"`

	ToolsFile string         `yaml:"tools_file"` // registry override, empty = built-in
	ToolsDir  string         `yaml:"tools_dir"`  // root of per-tool bin dirs
	Sandbox   SandboxConfig  `yaml:"sandbox"`
	Solc      SolcConfig     `yaml:"solc"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Tracing   TracingConfig  `yaml:"tracing"`
	Database  DatabaseConfig `yaml:"database"`

	frozen bool
}

type SandboxConfig struct {
	Backend          string `yaml:"backend"` // "docker" (default), "containerd", or "auto"
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
	StagingDir       string `yaml:"staging_dir"` // parent of per-task staging dirs, empty = os.TempDir
	Seccomp          bool   `yaml:"seccomp"`     // deny privileged syscalls in analysis containers
}

type SolcConfig struct {
	CacheDir string `yaml:"cache_dir"`
	BaseURL  string `yaml:"base_url"`
	Platform string `yaml:"platform"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // prometheus text format, written at exit
}

type TracingConfig struct {
	Endpoint string `yaml:"endpoint"` // OTLP/HTTP traces URL, empty = tracing off
}

type DatabaseConfig struct {
	DSN        string `yaml:"dsn"`
	BufferSize int    `yaml:"buffer_size"`
}

// DefaultSettings returns the defaults used when nothing else is configured.
func DefaultSettings() *Settings {
	cache, err := os.UserCacheDir()
	if err != nil {
		cache = os.TempDir()
	}
	return &Settings{
		Processes: 1,
		RunID:     "${YEAR}${MONTH}${DAY}_${HOUR}${MIN}",
		Results:   filepath.Join("results", "${TOOL}", "${RUNID}", "${FILENAME}"),
		Log:       filepath.Join("results", "logs", "${RUNID}.log"),
		ToolsDir:  "tools",
		Sandbox: SandboxConfig{
			Backend:          "docker",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "solscan",
		},
		Solc: SolcConfig{
			CacheDir: filepath.Join(cache, "solscan", "solc"),
			BaseURL:  "https://binaries.soliditylang.org",
			Platform: "linux-amd64",
		},
		Database: DatabaseConfig{
			BufferSize: 1000,
		},
	}
}

// SiteConfig returns the path of the per-user settings file.
func SiteConfig() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "solscan", "solscan.yaml")
}

// LoadFile merges a YAML settings file into s. Keys absent from the file keep
// their current values.
func (s *Settings) LoadFile(path string) error {
	if s.frozen {
		return ErrFrozen
	}

	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or site config
	if err != nil {
		return fmt.Errorf("reading settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parsing settings file %s: %w", path, err)
	}

	return nil
}

// Update applies fn to s unless the settings are frozen.
func (s *Settings) Update(fn func(*Settings)) error {
	if s.frozen {
		return ErrFrozen
	}
	fn(s)
	return nil
}

// Validate checks that the settings are usable.
func (s *Settings) Validate() error {
	if s.Processes < 1 {
		return fmt.Errorf("processes must be >= 1, got %d", s.Processes)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %d", s.Timeout)
	}
	if s.CPUQuota < 0 {
		return fmt.Errorf("cpu_quota must be >= 0, got %d", s.CPUQuota)
	}
	if s.MemLimit != "" {
		if _, err := units.RAMInBytes(s.MemLimit); err != nil {
			return fmt.Errorf("mem_limit %q: %w", s.MemLimit, err)
		}
	}
	if strings.TrimSpace(s.Results) == "" {
		return fmt.Errorf("results must not be empty")
	}
	switch s.Sandbox.Backend {
	case "docker", "containerd", "auto":
	default:
		return fmt.Errorf("sandbox.backend must be docker, containerd, or auto, got %q", s.Sandbox.Backend)
	}
	if s.Sandbox.Backend == "containerd" && runtime.GOOS != "linux" {
		return fmt.Errorf("sandbox.backend containerd is only supported on linux")
	}
	if s.Database.DSN != "" && strings.Contains(s.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Freeze validates the settings, expands the run id, results and log
// templates, and makes further updates fail.
func (s *Settings) Freeze(now time.Time) error {
	if s.frozen {
		return nil
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	s.RunID = expand(s.RunID, map[string]string{
		"YEAR":  now.Format("2006"),
		"MONTH": now.Format("01"),
		"DAY":   now.Format("02"),
		"HOUR":  now.Format("15"),
		"MIN":   now.Format("04"),
		"SEC":   now.Format("05"),
	})
	s.Results = expand(s.Results, map[string]string{"RUNID": s.RunID})
	if s.Log != "" {
		s.Log = filepath.Clean(expand(s.Log, map[string]string{"RUNID": s.RunID}))
	}

	s.frozen = true
	return nil
}

// Frozen reports whether Freeze has been called.
func (s *Settings) Frozen() bool {
	return s.frozen
}

// ResultDir expands the results template for one (tool, file) pair.
func (s *Settings) ResultDir(toolID, mode, absfn, relfn string) string {
	filename := filepath.Base(relfn)
	ext := filepath.Ext(filename)
	dir := expand(s.Results, map[string]string{
		"TOOL":     toolID,
		"MODE":     mode,
		"ABSDIR":   filepath.Dir(absfn),
		"RELDIR":   filepath.Dir(relfn),
		"FILENAME": filename,
		"FILEBASE": strings.TrimSuffix(filename, ext),
		"FILEEXT":  strings.TrimPrefix(ext, "."),
	})
	return filepath.Clean(dir)
}

// expand substitutes $VAR and ${VAR} from vars and leaves unknown variables
// untouched so they survive into later expansion stages.
func expand(tmpl string, vars map[string]string) string {
	return os.Expand(tmpl, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return "${" + key + "}"
	})
}

// TimeoutDuration returns the per-task timeout, 0 meaning unbounded.
func (s *Settings) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// String renders the settings as YAML for the log file.
func (s *Settings) String() string {
	c := *s
	if c.Database.DSN != "" {
		c.Database.DSN = "<redacted>"
	}
	out, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Sprintf("%+v", c)
	}
	return string(out)
}
