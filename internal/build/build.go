package build

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// Controls a single image build.
type Options struct {
	Component   string // Component being built, scopes cache keys.
	BaseImage   string // Image the working container starts from.
	Image       string // Final image reference (name:tag).
	CachePrefix string // Prefix for intermediate cache images. Empty disables caching.
	Steps       []Step // Steps to execute, in order.
}

// Returned after a successful build.
type Result struct {
	Image       string // Reference of the committed image.
	ImageID     string // ID reported by the tool for the committed image.
	BaseImageID string // ID of the base image the build started from.
	CacheHits   int    // Cached steps restored from the cache.
	CacheMisses int    // Cached steps executed and stored.
}

// Executes a build against the image tool.
//
// A working container is opened from the base image, every step is executed
// in order, and the container is committed as opts.Image. The container is
// released on every exit path. When any step fails no final image is
// committed; cache images committed by earlier steps are kept.
func Run(ctx context.Context, tool runtime.Tool, opts Options) (*Result, error) {
	if err := runtime.ValidateReference(opts.Image); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBuild, opts.Component, err)
	}

	var cache *Cache
	if opts.CachePrefix != "" {
		c, err := NewCache(tool, opts.CachePrefix)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBuild, opts.Component, err)
		}
		cache = c
	}

	slog.Info("building image",
		"component", opts.Component,
		"base", opts.BaseImage,
		"image", opts.Image,
		"cache", opts.CachePrefix,
		"steps", len(opts.Steps),
	)

	ctr, err := Open(ctx, tool, ContainerOptions{
		Component: opts.Component,
		BaseImage: opts.BaseImage,
		Cache:     cache,
	})
	if err != nil {
		return nil, err
	}
	defer ctr.Close(ctx)

	if err := executeSteps(ctx, ctr, opts.Steps); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBuild, opts.Component, err)
	}

	id, err := ctr.Commit(ctx, opts.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBuild, opts.Component, err)
	}

	hits, misses := ctr.CacheStats()
	return &Result{
		Image:       opts.Image,
		ImageID:     id,
		BaseImageID: ctr.baseID,
		CacheHits:   hits,
		CacheMisses: misses,
	}, nil
}
