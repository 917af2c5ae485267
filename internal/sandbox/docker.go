package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"solscan/pkg/seccomp"
)

// containerPrefix and labelManaged mark containers created by solscan.
const (
	containerPrefix = "solscan-"
	labelManaged    = "solscan.managed"
)

// DockerBackend runs tasks through the Docker Engine API. The client is
// created and pinged on first use and then shared by all workers.
type DockerBackend struct {
	newClient   func() (*client.Client, error)
	securityOpt []string

	once   sync.Once
	client *client.Client
	err    error
}

// NewDockerBackend connects using the DOCKER_* environment.
func NewDockerBackend() *DockerBackend {
	return &DockerBackend{
		newClient: func() (*client.Client, error) {
			return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		},
	}
}

// NewDockerBackendWithClient uses an existing client.
func NewDockerBackendWithClient(c *client.Client) *DockerBackend {
	return &DockerBackend{
		newClient: func() (*client.Client, error) { return c, nil },
	}
}

// SetSeccomp applies profile to every container started afterwards.
func (d *DockerBackend) SetSeccomp(profile *specs.LinuxSeccomp) error {
	data, err := seccomp.DockerProfileJSON(profile)
	if err != nil {
		return err
	}
	d.securityOpt = []string{"seccomp=" + string(data)}
	return nil
}

func (d *DockerBackend) api(ctx context.Context) (*client.Client, error) {
	d.once.Do(func() {
		c, err := d.newClient()
		if err != nil {
			d.err = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			return
		}
		if _, err := c.Ping(ctx); err != nil {
			_ = c.Close()
			log.Debug().Err(err).Msg("docker ping failed")
			d.err = fmt.Errorf("%w: Docker: Cannot connect to service. Is it installed and running?", ErrBackendUnavailable)
			return
		}
		d.client = c
	})
	return d.client, d.err
}

// Ping reports whether the daemon is reachable.
func (d *DockerBackend) Ping(ctx context.Context) error {
	_, err := d.api(ctx)
	return err
}

func (d *DockerBackend) ImageExists(ctx context.Context, ref string) (bool, error) {
	c, err := d.api(ctx)
	if err != nil {
		return false, err
	}
	images, err := c.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}
	return len(images) > 0, nil
}

func (d *DockerBackend) PullImage(ctx context.Context, ref string) error {
	c, err := d.api(ctx)
	if err != nil {
		return err
	}
	rc, err := c.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is consumed.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerBackend) Run(ctx context.Context, args RunArgs) (string, error) {
	c, err := d.api(ctx)
	if err != nil {
		return "", err
	}

	limits, err := LimitsFor(args)
	if err != nil {
		return "", err
	}

	binds := make([]string, 0, len(args.Volumes))
	for src, v := range args.Volumes {
		binds = append(binds, src+":"+v.Bind+":"+v.Mode)
	}
	sort.Strings(binds)

	cfg := &container.Config{
		Image:      args.Image,
		Cmd:        args.Command,
		Entrypoint: args.Entrypoint,
		User:       strconv.Itoa(args.User),
		Labels:     map[string]string{labelManaged: "true"},
	}
	hostCfg := &container.HostConfig{
		Binds:       binds,
		SecurityOpt: d.securityOpt,
		Resources: container.Resources{
			CPUQuota: limits.CPUQuota,
			Memory:   limits.MemoryBytes,
		},
	}

	name := containerPrefix + uuid.NewString()
	resp, err := c.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if err := c.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := c.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Warn().Err(rmErr).Str("container_id", resp.ID).Msg("failed to remove container")
		}
		return "", fmt.Errorf("starting container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerBackend) Wait(ctx context.Context, id string, timeout time.Duration) (int, error) {
	c, err := d.api(ctx)
	if err != nil {
		return 0, err
	}

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	statusCh, errCh := c.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, fmt.Errorf("waiting for container %s: %s", id, status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("waiting for container %s: %w", id, err)
	}
}

func (d *DockerBackend) Stop(ctx context.Context, id string) error {
	c, err := d.api(ctx)
	if err != nil {
		return err
	}
	zero := 0
	if err := c.ContainerStop(ctx, id, container.StopOptions{Timeout: &zero}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	return nil
}

func (d *DockerBackend) Remove(ctx context.Context, id string) error {
	c, err := d.api(ctx)
	if err != nil {
		return err
	}
	if err := c.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

func (d *DockerBackend) Logs(ctx context.Context, id string) ([]byte, error) {
	c, err := d.api(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := c.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("fetching logs of %s: %w", id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("reading logs of %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

func (d *DockerBackend) Extract(ctx context.Context, id, path string) ([]byte, error) {
	c, err := d.api(ctx)
	if err != nil {
		return nil, err
	}
	rc, _, err := c.CopyFromContainer(ctx, id, path)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("copying %s from %s: %w", path, id, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("copying %s from %s: %w", path, id, err)
	}
	return data, nil
}

func (d *DockerBackend) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
