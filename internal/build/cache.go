package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/pulsarkit/pulsar-setup/internal/cachekey"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// Intermediate image store scoped to one cache prefix.
//
// Entries are images named {prefix}:{key}. They are created on a cache miss,
// read on every later build, and removed only by [Cache.Prune]. Concurrent
// builders sharing a prefix are not coordinated.
type Cache struct {
	tool   runtime.Tool
	prefix string
}

// Creates a cache store for the given prefix.
//
// The prefix must be a repository name without tag or digest, since keys are
// appended to it as tags.
func NewCache(tool runtime.Tool, prefix string) (*Cache, error) {
	if prefix == "" {
		return nil, fmt.Errorf("%w: cache prefix must not be empty", runtime.ErrInvalidConfig)
	}
	if err := runtime.ValidateRepository(prefix); err != nil {
		return nil, fmt.Errorf("cache prefix: %w", err)
	}
	return &Cache{tool: tool, prefix: prefix}, nil
}

// Returns the cache prefix.
func (c *Cache) Prefix() string {
	return c.prefix
}

// Returns the image reference for a cache key.
func (c *Cache) Ref(key cachekey.Key) string {
	return c.prefix + ":" + key.String()
}

// Looks up the cache image for a key.
//
// Returns the image reference and true when the image exists. A failure of
// the underlying listing is returned wrapped in [ErrStore].
func (c *Cache) Lookup(ctx context.Context, key cachekey.Key) (string, bool, error) {
	ref := c.Ref(key)

	images, err := c.tool.ListImages(ctx, ref)
	if err != nil {
		return "", false, fmt.Errorf("%w: looking up %s: %w", ErrStore, ref, err)
	}

	for _, img := range images {
		if runtime.SameName(img.Name, ref) {
			return ref, true, nil
		}
	}
	return ref, false, nil
}

// Materializes a cached step on the working container.
//
// On a hit the container is rebased onto the cache image and fn is not
// called. On a miss fn runs against the container, and the container is then
// committed under the cache reference. Reports whether the step was a hit.
func (c *Cache) Materialize(ctx context.Context, key cachekey.Key, ctr *Container, fn func(context.Context) error) (bool, error) {
	ref, hit, err := c.Lookup(ctx, key)
	if err != nil {
		return false, err
	}

	if hit {
		slog.Debug("cache hit", "ref", ref)
		if err := ctr.rebase(ctx, ref); err != nil {
			return false, fmt.Errorf("%w: rebasing onto %s: %w", ErrStore, ref, err)
		}
		return true, nil
	}

	slog.Debug("cache miss", "ref", ref)
	if err := fn(ctx); err != nil {
		return false, err
	}

	if _, err := c.tool.Commit(ctx, ctr.id, ref); err != nil {
		return false, fmt.Errorf("%w: committing %s: %w", ErrStore, ref, err)
	}
	return false, nil
}

// Deletes every cache image under the prefix.
//
// Images that are already gone count as successes, so pruning is idempotent.
// Any other failure stops the prune and is returned wrapped in [ErrStore]
// together with the number of images deleted before it.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	images, err := c.tool.ListImages(ctx, c.prefix)
	if err != nil {
		return 0, fmt.Errorf("%w: listing %s: %w", ErrStore, c.prefix, err)
	}

	deleted := 0
	for _, img := range images {
		if !runtime.HasNamePrefix(img.Name, c.prefix) {
			continue
		}

		if err := c.tool.DeleteImage(ctx, img.Name); err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				slog.Debug("cache image already removed", "image", img.Name)
				continue
			}
			return deleted, fmt.Errorf("%w: deleting %s: %w", ErrStore, img.Name, err)
		}

		slog.Debug("cache image deleted", "image", img.Name)
		deleted++
	}

	slog.Info("cache pruned", "prefix", c.prefix, "deleted", deleted)
	return deleted, nil
}
