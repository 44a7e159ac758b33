// Package containerd implements [runtime.Tool] on a containerd daemon.
//
// Working containers run a long-lived "sleep infinity" task so that commands
// can be attached as exec processes. Commits compute the snapshot diff
// against the container's parent, append it as a new layer to a copy of the
// source manifest, write the image configuration into the OCI config, and
// point a named image record at the result. Images are pulled on demand and
// unpacked into the configured snapshotter.
//
// Image names are stored fully qualified ("docker.io/library/demo:1"), the
// way containerd records pulled images. Names returned by ListImages match
// prefixes written in familiar form.
package containerd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

const (

	// Default containerd socket.
	DefaultAddress = "/run/containerd/containerd.sock"

	// Default namespace scoping every image and container of the tool.
	DefaultNamespace = "pulsar-setup"

	// Default snapshotter for container filesystems. Rootless setups use
	// fuse-overlayfs instead.
	DefaultSnapshotter = "overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Connection settings for the containerd driver.
type Options struct {
	Address     string // Socket path. Defaults to [DefaultAddress].
	Namespace   string // Namespace. Defaults to [DefaultNamespace].
	Snapshotter string // Snapshotter. Defaults to [DefaultSnapshotter].
	Platform    string // Target platform. Defaults to the host platform.
}

// Containerd-backed implementation of [runtime.Tool].
type Driver struct {
	client      *containerd.Client
	snapshotter string
	platform    string

	mu      sync.Mutex
	configs map[string]*runtime.ImageConfig // Pending image configuration per container.
}

var _ runtime.Tool = (*Driver)(nil)

// Connects to the containerd socket.
//
// The driver must be closed when no longer needed.
func New(opts Options) (*Driver, error) {
	opts = opts.withDefaults()

	if _, err := platforms.Parse(opts.Platform); err != nil {
		return nil, fmt.Errorf("%w: platform %q: %w", runtime.ErrInvalidConfig, opts.Platform, err)
	}

	client, err := containerd.New(opts.Address, containerd.WithDefaultNamespace(opts.Namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", runtime.ErrRuntime, opts.Address, err)
	}

	slog.Debug("connected to containerd", "address", opts.Address, "namespace", opts.Namespace, "snapshotter", opts.Snapshotter)

	return &Driver{
		client:      client,
		snapshotter: opts.Snapshotter,
		platform:    opts.Platform,
		configs:     make(map[string]*runtime.ImageConfig),
	}, nil
}

func (o Options) withDefaults() Options {
	if o.Address == "" {
		o.Address = DefaultAddress
	}
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Snapshotter == "" {
		o.Snapshotter = DefaultSnapshotter
	}
	if o.Platform == "" {
		o.Platform = platforms.DefaultString()
	}
	return o
}

// Closes the containerd client connection.
func (d *Driver) Close() error {
	return d.client.Close()
}

// Creates a working container and starts its long-running task.
//
// The image is pulled when it is not present and unpacked for the target
// platform. Any stale container with the same name is removed first.
func (d *Driver) CreateContainer(ctx context.Context, image, name string) (runtime.ContainerInfo, error) {
	img, err := d.ensureImage(ctx, image)
	if err != nil {
		return runtime.ContainerInfo{}, fmt.Errorf("%w: %s: %w", runtime.ErrRuntime, image, err)
	}

	d.remove(ctx, name)

	ctr, err := d.create(ctx, name, img)
	if err != nil {
		return runtime.ContainerInfo{}, fmt.Errorf("%w: creating container %s: %w", runtime.ErrRuntime, name, err)
	}

	if err := startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return runtime.ContainerInfo{}, fmt.Errorf("%w: starting container %s: %w", runtime.ErrRuntime, name, err)
	}

	d.mu.Lock()
	d.configs[name] = runtime.NewImageConfig()
	d.mu.Unlock()

	slog.Debug("container started", "id", name, "image", img.Name())
	return runtime.ContainerInfo{ID: name, ImageID: img.Target().Digest.String()}, nil
}

// Stores the configuration written into the next commit of the container.
//
// The environment also applies to later commands run in the container.
func (d *Driver) Configure(ctx context.Context, containerID string, cfg *runtime.ImageConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs[containerID] = cfg.Clone()
	return nil
}

// Returns the pending configuration of a container.
func (d *Driver) config(containerID string) *runtime.ImageConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg, ok := d.configs[containerID]; ok {
		return cfg.Clone()
	}
	return runtime.NewImageConfig()
}

// Lists image records whose names fall under prefix.
func (d *Driver) ListImages(ctx context.Context, prefix string) ([]runtime.Image, error) {
	imgs, err := d.client.ImageService().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing images: %w", runtime.ErrRuntime, err)
	}

	var out []runtime.Image
	for _, img := range imgs {
		if runtime.HasNamePrefix(img.Name, prefix) {
			out = append(out, runtime.Image{Name: img.Name, ID: img.Target.Digest.String()})
		}
	}
	return out, nil
}

// Removes an image record and all containers created from it.
//
// Containers are discovered by querying containerd for records whose image
// field matches the name. Each container's task is killed before the
// container and its snapshot are deleted.
func (d *Driver) DeleteImage(ctx context.Context, ref string) error {
	name, err := qualifiedName(ref)
	if err != nil {
		return err
	}

	is := d.client.ImageService()
	if _, err := is.Get(ctx, name); err != nil {
		return fmt.Errorf("%w: image %s: %w", runtime.ErrRuntime, ref, err)
	}

	ctrs, err := d.client.Containers(ctx, fmt.Sprintf("image==%s", name))
	if err != nil {
		return fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}

	for _, ctr := range ctrs {
		if task, taskErr := ctr.Task(ctx, nil); taskErr == nil {
			task.Kill(ctx, syscall.SIGKILL)
			task.Delete(ctx, containerd.WithProcessKill)
		}
		if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
		}
	}

	if err := is.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: deleting image %s: %w", runtime.ErrRuntime, ref, err)
	}

	slog.Debug("image deleted", "image", name)
	return nil
}

// Returns the fully qualified form of an image reference, with the default
// tag added when none is given.
func qualifiedName(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("%w: invalid image reference %q: %w", runtime.ErrInvalidConfig, ref, err)
	}
	return reference.TagNameOnly(named).String(), nil
}
