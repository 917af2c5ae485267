package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Images is the part of a container backend the builder needs.
type Images interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
}

// ImageCache remembers which images are known to be present during one run
// so each image is checked or pulled at most once.
type ImageCache struct {
	backend Images

	mu     sync.Mutex
	loaded map[string]struct{}
}

// NewImageCache creates an empty cache over backend.
func NewImageCache(backend Images) *ImageCache {
	return &ImageCache{
		backend: backend,
		loaded:  make(map[string]struct{}),
	}
}

// Ensure makes ref available locally, pulling it if needed.
func (c *ImageCache) Ensure(ctx context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.loaded[ref]; ok {
		return nil
	}

	exists, err := c.backend.ImageExists(ctx, ref)
	if err != nil {
		return fmt.Errorf("checking for image %s: %w", ref, err)
	}
	if !exists {
		log.Info().Str("image", ref).Msg("loading docker image, may take a while ...")
		if err := c.backend.PullImage(ctx, ref); err != nil {
			return fmt.Errorf("loading image %s: %w", ref, err)
		}
	}

	c.loaded[ref] = struct{}{}
	return nil
}
