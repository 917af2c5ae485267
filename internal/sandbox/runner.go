package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/mount"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	"github.com/moby/go-archive"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ContainerdBackend runs tasks directly on containerd. Container output is
// written to a log file on the host; extraction mounts the container
// snapshot.
type ContainerdBackend struct {
	client  *Client
	logDir  string
	seccomp *specs.LinuxSeccomp

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	container containerd.Container
	task      containerd.Task
	volumes   map[string]Volume
	logPath   string
	cancel    context.CancelFunc

	done   chan struct{}
	status containerd.ExitStatus
}

// NewContainerdBackend creates a backend over client. Container logs are
// kept under logParent (os.TempDir when empty) until the container is
// removed.
func NewContainerdBackend(client *Client, logParent string) *ContainerdBackend {
	return &ContainerdBackend{
		client: client,
		logDir: logParent,
		runs:   make(map[string]*run),
	}
}

// SetSeccomp applies profile to every container created afterwards.
func (b *ContainerdBackend) SetSeccomp(profile *specs.LinuxSeccomp) {
	b.seccomp = profile
}

func (b *ContainerdBackend) ImageExists(ctx context.Context, ref string) (bool, error) {
	return b.client.ImageExists(ctx, ref)
}

func (b *ContainerdBackend) PullImage(ctx context.Context, ref string) error {
	_, err := b.client.PullImage(ctx, ref)
	return err
}

func (b *ContainerdBackend) Run(ctx context.Context, args RunArgs) (string, error) {
	limits, err := LimitsFor(args)
	if err != nil {
		return "", err
	}

	if !b.client.Healthy(ctx) {
		return "", ErrBackendUnavailable
	}

	nsCtx := b.client.WithNamespace(ctx)
	image, err := b.client.GetImage(ctx, args.Image)
	if err != nil {
		return "", fmt.Errorf("getting image %s: %w", args.Image, err)
	}

	id := containerPrefix + uuid.NewString()
	logger := log.With().Str("container_id", id).Logger()

	c, err := b.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithContainerLabels(map[string]string{labelManaged: "true"}),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			processArgs(image, args),
			oci.WithUIDGID(uint32(args.User), uint32(args.User)),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplyResourceLimits(s, limits)
				ApplyBindMounts(s, args.Volumes)
				if b.seccomp != nil {
					if s.Linux == nil {
						s.Linux = &specs.Linux{}
					}
					s.Linux.Seccomp = b.seccomp
				}
				return nil
			},
		),
	)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	logDir := b.logDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	r := &run{
		container: c,
		volumes:   args.Volumes,
		logPath:   filepath.Join(logDir, id+".log"),
		done:      make(chan struct{}),
	}

	// Registered before the task exists so Remove can clean up a
	// half-started container.
	b.mu.Lock()
	b.runs[id] = r
	b.mu.Unlock()

	t, err := c.NewTask(nsCtx, cio.LogFile(r.logPath))
	if err != nil {
		return id, fmt.Errorf("creating task: %w", err)
	}
	r.task = t

	waitCtx, cancel := context.WithCancel(b.client.WithNamespace(context.Background()))
	r.cancel = cancel
	exitCh, err := t.Wait(waitCtx)
	if err != nil {
		return id, fmt.Errorf("waiting for task: %w", err)
	}
	go func() {
		r.status = <-exitCh
		close(r.done)
	}()

	if err := t.Start(nsCtx); err != nil {
		return id, fmt.Errorf("starting task: %w", err)
	}

	logger.Debug().Str("image", args.Image).Msg("task started")
	return id, nil
}

// processArgs applies the image config and overrides its entrypoint and
// command the way docker does.
func processArgs(image containerd.Image, args RunArgs) oci.SpecOpts {
	switch {
	case len(args.Entrypoint) > 0:
		return oci.Compose(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(append(append([]string{}, args.Entrypoint...), args.Command...)...),
		)
	case len(args.Command) > 0:
		return oci.WithImageConfigArgs(image, args.Command)
	default:
		return oci.WithImageConfig(image)
	}
}

func (b *ContainerdBackend) lookup(id string) (*run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	return r, nil
}

func (b *ContainerdBackend) Wait(ctx context.Context, id string, timeout time.Duration) (int, error) {
	r, err := b.lookup(id)
	if err != nil {
		return 0, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-r.done:
		code, _, err := r.status.Result()
		if err != nil {
			return 0, fmt.Errorf("waiting for task %s: %w", id, err)
		}
		return int(code), nil
	case <-expired:
		return 0, ErrTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *ContainerdBackend) Stop(ctx context.Context, id string) error {
	r, err := b.lookup(id)
	if err != nil {
		return err
	}
	if r.task == nil {
		return nil
	}

	select {
	case <-r.done:
		return nil
	default:
	}

	if err := r.task.Kill(b.client.WithNamespace(ctx), syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing task %s: %w", id, err)
	}

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		log.Warn().Str("container_id", id).Msg("timed out waiting for task to stop")
	}
	return nil
}

func (b *ContainerdBackend) Remove(ctx context.Context, id string) error {
	r, err := b.lookup(id)
	if err != nil {
		return err
	}

	err = b.cleanupContainer(ctx, r.container)
	if r.cancel != nil {
		r.cancel()
	}
	if rmErr := os.Remove(r.logPath); rmErr != nil && !os.IsNotExist(rmErr) {
		log.Warn().Err(rmErr).Str("path", r.logPath).Msg("failed to remove container log")
	}

	b.mu.Lock()
	delete(b.runs, id)
	b.mu.Unlock()
	return err
}

func (b *ContainerdBackend) Logs(_ context.Context, id string) ([]byte, error) {
	r, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.logPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading logs of %s: %w", id, err)
	}
	return data, nil
}

// Extract archives path from a bind mounted volume when it lies inside
// one, and from the container's snapshot otherwise.
func (b *ContainerdBackend) Extract(ctx context.Context, id, p string) ([]byte, error) {
	r, err := b.lookup(id)
	if err != nil {
		return nil, err
	}

	p = path.Clean("/" + p)
	for src, v := range r.volumes {
		if rel, ok := within(v.Bind, p); ok {
			return tarPath(filepath.Join(src, filepath.FromSlash(rel)))
		}
	}

	nsCtx := b.client.WithNamespace(ctx)
	info, err := r.container.Info(nsCtx)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	mounts, err := b.client.Raw().SnapshotService(info.Snapshotter).Mounts(nsCtx, info.SnapshotKey)
	if err != nil {
		return nil, fmt.Errorf("getting snapshot mounts of %s: %w", id, err)
	}

	var data []byte
	err = mount.WithTempMount(nsCtx, mounts, func(root string) error {
		var err error
		data, err = tarPath(filepath.Join(root, filepath.FromSlash(p)))
		return err
	})
	return data, err
}

// within returns p relative to dir if p is dir or below it.
func within(dir, p string) (string, bool) {
	dir = path.Clean(dir)
	if p == dir {
		return ".", true
	}
	rel, ok := strings.CutPrefix(p, strings.TrimSuffix(dir, "/")+"/")
	return rel, ok
}

// tarPath returns a tar archive holding the file or directory at p under
// its base name, as the Docker archive endpoint does.
func tarPath(p string) ([]byte, error) {
	if _, err := os.Lstat(p); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, err
	}

	rc, err := archive.TarWithOptions(filepath.Dir(p), &archive.TarOptions{
		IncludeFiles: []string{filepath.Base(p)},
	})
	if err != nil {
		return nil, fmt.Errorf("archiving %s: %w", p, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (b *ContainerdBackend) Close() error {
	return b.client.Close()
}
