package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// cleanupContainer kills the task if it still runs, then deletes the task,
// the container and its snapshot. Missing pieces are not errors.
func (b *ContainerdBackend) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cleanupCtx = b.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Str("status", string(status.Status)).Msg("killing analyzer task")
			_ = task.Kill(cleanupCtx, syscall.SIGKILL)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil {
			if !errdefs.IsNotFound(err) {
				logger.Warn().Err(err).Msg("failed to delete task")
			}
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("deleting container %s: %w", id, err)
		}
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// CleanupOrphaned removes solscan containers whose task is no longer
// running, left over from interrupted runs. Running containers may belong
// to a concurrent batch and are kept.
func (b *ContainerdBackend) CleanupOrphaned(ctx context.Context) (int, error) {
	nsCtx := b.client.WithNamespace(ctx)

	containers, err := b.client.Raw().Containers(nsCtx, fmt.Sprintf("labels.%q==true", labelManaged))
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range containers {
		id := c.ID()
		if task, err := c.Task(nsCtx, nil); err == nil {
			if status, err := task.Status(nsCtx); err == nil && status.Status == containerd.Running {
				continue
			}
		}

		logger := log.With().Str("container_id", id).Logger()
		logger.Debug().Msg("cleaning up orphaned container")

		if err := b.cleanupContainer(ctx, c); err != nil {
			logger.Warn().Err(err).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}

	return cleaned, nil
}
