package containerd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// Copies a host path or a path from another image into the container.
//
// The destination's parent directory is created first. The copied entry
// takes the base name of dest.
func (d *Driver) Copy(ctx context.Context, containerID string, src runtime.CopySource, dest string) error {
	if err := d.mustExec(ctx, containerID, "mkdir", nil, nil, "mkdir", "-p", path.Dir(dest)); err != nil {
		return err
	}

	if src.FromImage() {
		return d.copyFromImage(ctx, containerID, src.Image, src.Path, dest)
	}
	return d.copyFromHost(ctx, containerID, src.Path, dest)
}

// Streams a host file or directory into the container as a tar archive.
func (d *Driver) copyFromHost(ctx context.Context, containerID, src, dest string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}

	slog.Debug("copy", "src", src, "dest", dest)

	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		pw.CloseWithError(runtime.ArchiveHostPath(pw, src, path.Base(dest)))
	}()

	return d.copyTo(ctx, containerID, pr, path.Dir(dest))
}

// Copies a path out of an image through a short-lived source container.
//
// The tar stream is piped from the source container to the target container,
// renaming the top-level entry when the base names differ.
func (d *Driver) copyFromImage(ctx context.Context, containerID, image, src, dest string) error {
	srcID := fmt.Sprintf("%s-src-%s", containerID, uuid.NewString()[:8])
	if _, err := d.CreateContainer(ctx, image, srcID); err != nil {
		return err
	}
	defer d.RemoveContainer(context.WithoutCancel(ctx), srcID)

	slog.Debug("image copy", "image", image, "src", src, "dest", dest)

	archived, aw := io.Pipe()
	defer archived.Close()
	go func() {
		aw.CloseWithError(d.copyFrom(ctx, srcID, aw, src))
	}()

	stream := io.Reader(archived)
	if from, to := path.Base(src), path.Base(dest); from != to {
		renamed, rw := io.Pipe()
		defer renamed.Close()
		go func() {
			rw.CloseWithError(runtime.RenameTarRoot(rw, archived, from, to))
		}()
		stream = renamed
	}

	return d.copyTo(ctx, containerID, stream, path.Dir(dest))
}

// Extracts a tar stream into a directory of the container.
func (d *Driver) copyTo(ctx context.Context, containerID string, r io.Reader, destDir string) error {
	return d.mustExec(ctx, containerID, "tar extract", r, nil, "tar", "xf", "-", "-C", destDir)
}

// Archives a path of the container as a tar stream.
func (d *Driver) copyFrom(ctx context.Context, containerID string, w io.Writer, p string) error {
	return d.mustExec(ctx, containerID, "tar archive", nil, w, "tar", "cf", "-", "-C", path.Dir(p), path.Base(p))
}
