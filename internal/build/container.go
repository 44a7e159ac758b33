package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/pulsarkit/pulsar-setup/internal/cachekey"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// Lifecycle of a working container.
type containerState int

const (
	stateCreated containerState = iota
	stateConfiguring
	stateCommitted
	stateFailed
	stateReleased
)

func (s containerState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateConfiguring:
		return "configuring"
	case stateCommitted:
		return "committed"
	case stateFailed:
		return "failed"
	case stateReleased:
		return "released"
	}
	return "unknown"
}

// Extra key under which the container lineage enters every cache key.
const lineageKey = "parent"

// Controls how a working container is opened.
type ContainerOptions struct {
	Component string // Scope of cache keys and error messages.
	BaseImage string // Image the container starts from.
	Cache     *Cache // Intermediate image store. Nil disables step caching.
}

// A mutable container an image is being built in.
//
// A container moves from created through configuring to committed, or to
// failed as soon as any operation fails. Once committed or failed every
// further mutation returns [ErrContainerState]. [Container.Close] releases
// the underlying tool container and must be called on every exit path.
type Container struct {
	tool      runtime.Tool
	cache     *Cache
	component string
	name      string               // Name hint passed to the tool.
	id        string               // Current tool container ID. Changes on rebase.
	baseID    string               // Image ID the container was first created from.
	lineage   digest.Digest        // Base image folded with every mutation so far.
	config    *runtime.ImageConfig // Accumulated image configuration.
	state     containerState
	rebases   int
	hits      int
	misses    int
}

// Creates a working container from the base image.
func Open(ctx context.Context, tool runtime.Tool, opts ContainerOptions) (*Container, error) {
	if opts.Component == "" {
		return nil, fmt.Errorf("%w: component name is required", ErrBuild)
	}
	if opts.BaseImage == "" {
		return nil, fmt.Errorf("%w: base image is required", ErrBuild)
	}

	name := containerName(opts.Component)
	info, err := tool.CreateContainer(ctx, opts.BaseImage, name)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container from %s: %w", ErrBuild, opts.BaseImage, err)
	}

	// Tools that cannot resolve an image ID fall back to the reference.
	base := info.ImageID
	if base == "" {
		base = opts.BaseImage
	}

	slog.Debug("container created", "component", opts.Component, "container", info.ID, "image", opts.BaseImage, "image_id", base)

	return &Container{
		tool:      tool,
		cache:     opts.Cache,
		component: opts.Component,
		name:      name,
		id:        info.ID,
		baseID:    base,
		lineage:   digest.FromString("base\x00" + base),
		config:    runtime.NewImageConfig(),
		state:     stateCreated,
	}, nil
}

// Returns a unique working container name for a component.
func containerName(component string) string {
	return fmt.Sprintf("%s-build-%s", component, uuid.NewString()[:8])
}

// Returns the current tool container ID.
func (c *Container) ID() string {
	return c.id
}

// Returns the lineage digest of the container's filesystem and history.
func (c *Container) Lineage() digest.Digest {
	return c.lineage
}

// Returns a copy of the accumulated image configuration.
func (c *Container) Config() *runtime.ImageConfig {
	return c.config.Clone()
}

// Returns the number of cached steps that were hits and misses.
func (c *Container) CacheStats() (hits, misses int) {
	return c.hits, c.misses
}

// Runs a command in the container.
//
// A non-zero exit code is returned as a [*CommandError].
func (c *Container) Run(ctx context.Context, step string, argv ...string) error {
	if err := c.begin(); err != nil {
		return err
	}
	if err := c.exec(ctx, step, argv); err != nil {
		return c.fail(err)
	}
	c.fold("run", argv...)
	return nil
}

// Runs a command through the cache.
//
// The cache key is derived from the component, the step, the command, the
// extra inputs, and the container lineage. On a hit the container is rebased
// onto the cached image and the command does not run. Without a cache the
// command always runs.
func (c *Container) RunCached(ctx context.Context, step string, argv []string, extra cachekey.Extra) error {
	if err := c.begin(); err != nil {
		return err
	}

	key, err := cachekey.Derive(c.component, step, argv, extra.With(lineageKey, cachekey.String(c.lineage.String())))
	if err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrBuild, err))
	}

	if c.cache == nil {
		if err := c.exec(ctx, step, argv); err != nil {
			return c.fail(err)
		}
		c.fold("cached", key.String())
		return nil
	}

	hit, err := c.cache.Materialize(ctx, key, c, func(ctx context.Context) error {
		return c.exec(ctx, step, argv)
	})
	if err != nil {
		return c.fail(err)
	}

	if hit {
		c.hits++
		slog.Info("using cached step", "component", c.component, "step", step, "key", key)
	} else {
		c.misses++
		slog.Debug("step cached", "component", c.component, "step", step, "key", key)
	}

	// Hits and misses leave the same lineage, so downstream keys agree.
	c.fold("cached", key.String())
	return nil
}

// Copies a file or directory from the host into the container.
func (c *Container) CopyFromHost(ctx context.Context, hostPath, dest string) error {
	if err := c.begin(); err != nil {
		return err
	}

	if !path.IsAbs(dest) {
		return c.fail(fmt.Errorf("%w: destination %q must be absolute", ErrCopy, dest))
	}

	sum, err := hashPath(hostPath)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %s: %w", ErrCopy, hostPath, err))
	}

	slog.Debug("copy", "component", c.component, "src", hostPath, "dest", dest)
	if err := c.tool.Copy(ctx, c.id, runtime.CopySource{Path: hostPath}, dest); err != nil {
		return c.fail(fmt.Errorf("%w: %s to %s: %w", ErrCopy, hostPath, dest, err))
	}

	c.fold("copy-host", dest, sum.String())
	return nil
}

// Copies a path out of another local image into the container.
func (c *Container) CopyFromImage(ctx context.Context, image, src, dest string) error {
	if err := c.begin(); err != nil {
		return err
	}

	if !path.IsAbs(dest) {
		return c.fail(fmt.Errorf("%w: destination %q must be absolute", ErrCopy, dest))
	}

	imageID, err := c.resolveImage(ctx, image)
	if err != nil {
		return c.fail(err)
	}

	slog.Debug("copy", "component", c.component, "image", image, "src", src, "dest", dest)
	if err := c.tool.Copy(ctx, c.id, runtime.CopySource{Image: image, Path: src}, dest); err != nil {
		return c.fail(fmt.Errorf("%w: %s:%s to %s: %w", ErrCopy, image, src, dest, err))
	}

	c.fold("copy-image", imageID, src, dest)
	return nil
}

// Resolves a local image name to its ID.
func (c *Container) resolveImage(ctx context.Context, image string) (string, error) {
	images, err := c.tool.ListImages(ctx, image)
	if err != nil {
		return "", fmt.Errorf("%w: looking up %s: %w", ErrStore, image, err)
	}
	for _, img := range images {
		if runtime.SameName(img.Name, image) {
			return img.ID, nil
		}
	}
	return "", fmt.Errorf("%w: source image %s not found", ErrCopy, image)
}

// Applies image configuration directives.
//
// Directives accumulate across calls; the last write for a key wins. An
// invalid directive leaves the configuration unchanged. The resulting
// configuration is folded into the lineage: env reaches later commands and
// cache images carry the configuration they were committed with.
func (c *Container) Configure(ctx context.Context, directives ...runtime.Directive) error {
	if err := c.begin(); err != nil {
		return err
	}

	next := c.config.Clone()
	if err := next.Apply(directives...); err != nil {
		return c.fail(err)
	}

	canonical, err := json.Marshal(next.Directives())
	if err != nil {
		return c.fail(fmt.Errorf("%w: encoding configuration: %w", ErrBuild, err))
	}

	if err := c.tool.Configure(ctx, c.id, next); err != nil {
		return c.fail(fmt.Errorf("%w: configuring container: %w", ErrBuild, err))
	}

	c.config = next
	c.fold("config", string(canonical))
	return nil
}

// Runs a read-only check in the container.
//
// A non-zero exit code is returned wrapped in [ErrVerification].
func (c *Container) Verify(ctx context.Context, step string, argv ...string) error {
	if err := c.begin(); err != nil {
		return err
	}

	res, err := c.tool.Run(ctx, c.id, argv)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %s: %w", ErrBuild, step, err))
	}
	if res.ExitCode != 0 {
		return c.fail(fmt.Errorf("%w: %s: step %q: %s exited with code %d", ErrVerification, c.component, step, runtime.FormatCommand(argv), res.ExitCode))
	}
	return nil
}

// Installs a versioned dependency through the cache.
func (c *Container) Install(ctx context.Context, dep Dependency) error {
	return c.installAs(ctx, dep.step(), dep)
}

// Installs a dependency under an explicit step identity.
func (c *Container) installAs(ctx context.Context, step string, dep Dependency) error {
	if err := c.begin(); err != nil {
		return err
	}
	if err := dep.validate(); err != nil {
		return c.fail(err)
	}
	return c.RunCached(ctx, step, dep.command(), dep.keys())
}

// Commits the container to a named image and returns the image ID.
//
// After a successful commit the container accepts no further mutations.
func (c *Container) Commit(ctx context.Context, ref string) (string, error) {
	if err := c.begin(); err != nil {
		return "", err
	}
	if err := runtime.ValidateReference(ref); err != nil {
		return "", c.fail(err)
	}

	id, err := c.tool.Commit(ctx, c.id, ref)
	if err != nil {
		return "", c.fail(fmt.Errorf("%w: committing %s: %w", ErrBuild, ref, err))
	}

	c.state = stateCommitted
	slog.Info("image committed", "component", c.component, "image", ref, "id", id)
	return id, nil
}

// Releases the underlying container.
//
// Release runs even when ctx is cancelled. Calling Close more than once is a
// no-op.
func (c *Container) Close(ctx context.Context) error {
	if c.state == stateReleased {
		return nil
	}
	c.state = stateReleased

	if err := c.tool.RemoveContainer(context.WithoutCancel(ctx), c.id); err != nil {
		slog.Warn("failed to remove container", "component", c.component, "container", c.id, "error", err)
		return fmt.Errorf("%w: removing container %s: %w", ErrBuild, c.id, err)
	}

	slog.Debug("container removed", "component", c.component, "container", c.id)
	return nil
}

// Replaces the tool container with one created from a cache image.
//
// The full accumulated configuration is reapplied, so directives set before
// the cached step survive the switch. The old container is removed only once
// the new one exists.
func (c *Container) rebase(ctx context.Context, ref string) error {
	c.rebases++
	info, err := c.tool.CreateContainer(ctx, ref, fmt.Sprintf("%s-%d", c.name, c.rebases))
	if err != nil {
		return err
	}

	old := c.id
	c.id = info.ID

	if err := c.tool.RemoveContainer(context.WithoutCancel(ctx), old); err != nil {
		slog.Warn("failed to remove container", "component", c.component, "container", old, "error", err)
	}

	if !c.config.IsEmpty() {
		if err := c.tool.Configure(ctx, c.id, c.config); err != nil {
			return err
		}
	}

	slog.Debug("container rebased", "component", c.component, "container", c.id, "image", ref)
	return nil
}

// Executes a command without state checks or lineage updates.
func (c *Container) exec(ctx context.Context, step string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: step %q has an empty command", ErrBuild, step)
	}

	slog.Debug("run", "component", c.component, "step", step, "command", runtime.FormatCommand(argv))

	res, err := c.tool.Run(ctx, c.id, argv)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBuild, step, err)
	}
	if res.ExitCode != 0 {
		return &CommandError{
			Component: c.component,
			Step:      step,
			Command:   argv,
			ExitCode:  res.ExitCode,
			Stderr:    res.Stderr,
		}
	}
	return nil
}

// Rejects operations on a container that is no longer mutable.
func (c *Container) begin() error {
	switch c.state {
	case stateCommitted, stateFailed, stateReleased:
		return fmt.Errorf("%w: container is %s", ErrContainerState, c.state)
	}
	c.state = stateConfiguring
	return nil
}

// Marks the container as failed and returns err.
func (c *Container) fail(err error) error {
	c.state = stateFailed
	return err
}

// Folds a mutation into the lineage digest.
func (c *Container) fold(kind string, parts ...string) {
	c.lineage = digest.FromString(strings.Join(append([]string{c.lineage.String(), kind}, parts...), "\x00"))
}

// Digests the content of a host file or directory tree.
//
// Relative paths, modes and file contents all contribute, so renaming or
// editing any file changes the digest.
func hashPath(root string) (digest.Digest, error) {
	if _, err := os.Stat(root); err != nil {
		return "", err
	}

	d := digest.Canonical.Digester()
	h := d.Hash()

	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%o\x00", filepath.ToSlash(rel), info.Mode())

		if !info.Mode().IsRegular() {
			if info.Mode()&fs.ModeSymlink != 0 {
				target, err := os.Readlink(p)
				if err != nil {
					return err
				}
				io.WriteString(h, target)
			}
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(h, f)
		return err
	})
	if err != nil {
		return "", err
	}

	return d.Digest(), nil
}
