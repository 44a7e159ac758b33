package containerd

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// Returns the image for ref, pulling it when no local record exists, and
// makes sure its layers are unpacked into the snapshotter.
//
// Multi-platform images are narrowed to the driver's platform so that
// subsequent operations target the correct architecture.
func (d *Driver) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	name, err := qualifiedName(ref)
	if err != nil {
		return nil, err
	}

	p, err := platforms.Parse(d.platform)
	if err != nil {
		return nil, err
	}

	rec, err := d.client.ImageService().Get(ctx, name)
	if errdefs.IsNotFound(err) {
		slog.Info("pulling image", "image", name, "platform", d.platform)
		return d.client.Pull(ctx, name,
			containerd.WithPullUnpack,
			containerd.WithPullSnapshotter(d.snapshotter),
			containerd.WithPlatform(d.platform),
		)
	}
	if err != nil {
		return nil, err
	}

	img := containerd.NewImageWithPlatform(d.client, rec, platforms.Only(p))
	if err := img.Unpack(ctx, d.snapshotter); err != nil {
		return nil, err
	}
	return img, nil
}

// Creates the containerd container with the standard build configuration.
func (d *Driver) create(ctx context.Context, id string, image containerd.Image) (containerd.Container, error) {
	return d.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(d.snapshotter),
		containerd.WithNewSnapshot(id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(
			oci.WithDefaultSpecForPlatform(d.platform),
			oci.WithImageConfig(image),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithProcessArgs("sleep", "infinity"),
		),
	)
}

// Starts the container's long-running task with no attached IO.
func startTask(ctx context.Context, ctr containerd.Container) error {
	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return err
	}
	return nil
}

// Removes the container and its snapshot.
//
// The task is killed first. Removing a container that does not exist is not
// an error.
func (d *Driver) RemoveContainer(ctx context.Context, containerID string) error {
	d.mu.Lock()
	delete(d.configs, containerID)
	d.mu.Unlock()

	ctr, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: loading container %s: %w", runtime.ErrRuntime, containerID, err)
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			slog.Warn("failed to delete task", "id", containerID, "error", err)
		}
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: deleting container %s: %w", runtime.ErrRuntime, containerID, err)
	}
	return nil
}

// Removes a stale container with this ID, if one exists.
func (d *Driver) remove(ctx context.Context, id string) {
	if err := d.RemoveContainer(ctx, id); err != nil {
		slog.Warn("failed to remove stale container", "id", id, "error", err)
	}
}
