package results

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"

	"solscan/internal/config"
	"solscan/internal/sandbox"
	"solscan/internal/tools"
)

// TaskLog is the record written to solscan.json for every executed task.
// Parsing and reparse depend on its JSON shape.
type TaskLog struct {
	Filename string          `json:"filename"`
	RunID    string          `json:"runid"`
	Result   RunResult       `json:"result"`
	Solc     *string         `json:"solc"`
	Tool     tools.Tool      `json:"tool"`
	Docker   sandbox.RunArgs `json:"docker"`
	SystemInfo
}

// RunResult describes one container run. Logs and Output name the
// artifacts written next to the task log, or are null.
type RunResult struct {
	Start    float64 `json:"start"`    // unix seconds
	Duration float64 `json:"duration"` // seconds
	ExitCode *int    `json:"exit_code"`
	Logs     *string `json:"logs"`
	Output   *string `json:"output"`
}

type SystemInfo struct {
	Solscan  SolscanInfo  `json:"solscan"`
	Platform PlatformInfo `json:"platform"`
	CPUInfo  CPUInfo      `json:"cpu_info"`
}

type SolscanInfo struct {
	Version string `json:"version"`
	Go      string `json:"go"`
}

type PlatformInfo struct {
	System   string `json:"system"`
	Platform string `json:"platform,omitempty"`
	Release  string `json:"release"`
	Version  string `json:"version"`
	Machine  string `json:"machine"`
}

type CPUInfo struct {
	Brand  string  `json:"brand,omitempty"`
	Vendor string  `json:"vendor,omitempty"`
	MHz    float64 `json:"mhz,omitempty"`
	Count  int     `json:"count"`
}

var systemInfo = sync.OnceValue(func() SystemInfo {
	info := SystemInfo{
		Solscan: SolscanInfo{Version: config.Version, Go: runtime.Version()},
		Platform: PlatformInfo{
			System:  runtime.GOOS,
			Machine: runtime.GOARCH,
		},
		CPUInfo: CPUInfo{Count: runtime.NumCPU()},
	}

	if h, err := host.Info(); err == nil {
		info.Platform.Platform = h.Platform
		info.Platform.Release = h.KernelVersion
		info.Platform.Version = h.PlatformVersion
		if h.KernelArch != "" {
			info.Platform.Machine = h.KernelArch
		}
	} else {
		log.Debug().Err(err).Msg("host info unavailable")
	}

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUInfo.Brand = cpus[0].ModelName
		info.CPUInfo.Vendor = cpus[0].VendorID
		info.CPUInfo.MHz = cpus[0].Mhz
	} else if err != nil {
		log.Debug().Err(err).Msg("cpu info unavailable")
	}
	return info
})

// System returns host and runtime metadata, collected once per process.
func System() SystemInfo {
	return systemInfo()
}

// ReadTaskLog decodes a task log file.
func ReadTaskLog(path string) (*TaskLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tl TaskLog
	if err := json.Unmarshal(data, &tl); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &tl, nil
}
