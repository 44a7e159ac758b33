package runtime

import (
	"context"
	"strings"
)

// Primitive operations of an external image-building tool.
//
// Every method blocks until the tool returns. Implementations are not
// required to be safe for concurrent use; the build engine drives a tool from
// a single goroutine.
type Tool interface {

	// Creates a working container from an image, pulling the image when it
	// is not present locally. The name is a hint; drivers may decorate it.
	CreateContainer(ctx context.Context, image, name string) (ContainerInfo, error)

	// Runs a command inside a working container. A non-zero exit code is not
	// an error; the caller inspects [ExecResult.ExitCode].
	Run(ctx context.Context, containerID string, argv []string) (*ExecResult, error)

	// Copies a file or directory into a working container.
	Copy(ctx context.Context, containerID string, src CopySource, dest string) error

	// Sets the configuration embedded in images committed from the container.
	// The full accumulated configuration is passed on every call.
	Configure(ctx context.Context, containerID string, cfg *ImageConfig) error

	// Commits the container's filesystem and configuration to a named image
	// and returns the image ID.
	Commit(ctx context.Context, containerID, ref string) (string, error)

	// Lists local images whose names start with prefix.
	ListImages(ctx context.Context, prefix string) ([]Image, error)

	// Deletes a local image by name. A missing image is reported as an error
	// matching [errdefs.ErrNotFound].
	//
	// [errdefs.ErrNotFound]: https://pkg.go.dev/github.com/containerd/errdefs#ErrNotFound
	DeleteImage(ctx context.Context, ref string) error

	// Releases a working container and its storage. Removing a container
	// that no longer exists is not an error.
	RemoveContainer(ctx context.Context, containerID string) error

	// Releases the connection to the tool.
	Close() error
}

// Identifies a freshly created working container.
type ContainerInfo struct {
	ID      string // Tool-specific container identifier.
	ImageID string // Identifier of the image the container was created from.
}

// Output of a command execution inside a container.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}

// A local image known to the tool.
type Image struct {
	Name string // Fully qualified name including tag (e.g. "demo/cache/core/3.2.0:ab12").
	ID   string // Content identifier of the image.
}

// Source of a copy into a working container.
//
// When Image is empty, Path is resolved on the host. Otherwise Path is read
// from the filesystem of the named image.
type CopySource struct {
	Image string
	Path  string
}

// Reports whether the copy reads from an image rather than the host.
func (s CopySource) FromImage() bool {
	return s.Image != ""
}

// Returns "image:path" for image sources and the plain path otherwise.
func (s CopySource) String() string {
	if s.FromImage() {
		return s.Image + ":" + s.Path
	}
	return s.Path
}

// Formats a command for log messages and errors.
func FormatCommand(argv []string) string {
	return strings.Join(argv, " ")
}
