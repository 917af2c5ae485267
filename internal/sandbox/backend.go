package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"solscan/internal/config"
	"solscan/pkg/seccomp"
)

// Volume is a host directory bound into the container.
type Volume struct {
	Bind string `json:"bind"`
	Mode string `json:"mode"`
}

// RunArgs are the exact container arguments of one task. They are recorded
// verbatim in the task log.
type RunArgs struct {
	Image      string            `json:"image"`
	Volumes    map[string]Volume `json:"volumes"`
	Detach     bool              `json:"detach"`
	User       int               `json:"user"`
	CPUQuota   int64             `json:"cpu_quota,omitempty"`
	MemLimit   string            `json:"mem_limit,omitempty"`
	Command    []string          `json:"command,omitempty"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
}

// Backend is the contract the executor needs from a container runtime.
// Containers are addressed by the id Run returns.
type Backend interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error

	// Run creates and starts a detached container.
	Run(ctx context.Context, args RunArgs) (string, error)
	// Wait blocks until the container exits and returns its exit code.
	// A timeout of 0 waits without bound. When the timeout expires it
	// returns ErrTimeout and leaves the container running.
	Wait(ctx context.Context, id string, timeout time.Duration) (int, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// Logs returns stdout and stderr combined.
	Logs(ctx context.Context, id string) ([]byte, error)
	// Extract returns path as a tar archive. A missing path yields ErrNotFound.
	Extract(ctx context.Context, id, path string) ([]byte, error)

	Close() error
}

// NewBackend returns the configured backend. "auto" prefers Docker and
// falls back to containerd on Linux.
func NewBackend(ctx context.Context, cfg config.SandboxConfig) (Backend, error) {
	preference := cfg.Backend
	if preference == "" {
		preference = "docker"
	}

	switch preference {
	case "docker":
		return newDockerBackend(cfg)
	case "containerd":
		return newContainerdBackend(ctx, cfg)
	case "auto":
		docker, err := newDockerBackend(cfg)
		if err != nil {
			return nil, err
		}
		if err := docker.Ping(ctx); err == nil {
			log.Debug().Msg("using Docker backend")
			return docker, nil
		}
		_ = docker.Close()
		if runtime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg)
			if err == nil {
				log.Debug().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable")
		}
		return nil, ErrBackendUnavailable
	default:
		return nil, fmt.Errorf("unknown backend %q: must be docker, containerd, or auto", preference)
	}
}

func newDockerBackend(cfg config.SandboxConfig) (*DockerBackend, error) {
	backend := NewDockerBackend()
	if cfg.Seccomp {
		if err := backend.SetSeccomp(seccomp.AnalysisProfile()); err != nil {
			return nil, err
		}
	}
	return backend, nil
}

func newContainerdBackend(ctx context.Context, cfg config.SandboxConfig) (Backend, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	backend := NewContainerdBackend(client, cfg.StagingDir)
	if cfg.Seccomp {
		backend.SetSeccomp(seccomp.AnalysisProfile())
	}

	cleaned, err := backend.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return backend, nil
}
