// Package docker implements [runtime.Tool] on top of the Docker Engine API.
//
// Working containers are created from the base image with their entrypoint
// replaced by a long-running sleep, so commands can be executed in them with
// the exec API. Image configuration is recorded per container and turned
// into Dockerfile change instructions at commit time, which also restores
// the entrypoint and command the sleep replaced.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// Interval between exec status polls once the output stream has closed.
const execPollInterval = 50 * time.Millisecond

// Options for connecting to the Docker daemon.
type Options struct {
	Host string // Daemon address. Empty uses DOCKER_HOST and the platform default.
}

// Entrypoint and command of the image a working container started from.
type baseProcess struct {
	entrypoint []string
	cmd        []string
}

// A working container known to the driver.
type workContainer struct {
	config *runtime.ImageConfig
	base   baseProcess
}

// Docker Engine backed image tool.
type Driver struct {
	client     client.APIClient
	mu         sync.Mutex
	containers map[string]*workContainer
}

var _ runtime.Tool = (*Driver)(nil)

// Creates a driver connected to the Docker daemon.
//
// The connection is established lazily; an unreachable daemon surfaces on
// the first operation.
func New(opts Options) (*Driver, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %w", runtime.ErrRuntime, err)
	}
	return newDriver(cli), nil
}

func newDriver(cli client.APIClient) *Driver {
	return &Driver{
		client:     cli,
		containers: make(map[string]*workContainer),
	}
}

// Closes the connection to the daemon.
func (d *Driver) Close() error {
	return d.client.Close()
}

// Creates and starts a working container, pulling the image if needed.
func (d *Driver) CreateContainer(ctx context.Context, ref, name string) (runtime.ContainerInfo, error) {
	if err := d.ensureImage(ctx, ref); err != nil {
		return runtime.ContainerInfo{}, err
	}

	inspect, err := d.client.ImageInspect(ctx, ref)
	if err != nil {
		return runtime.ContainerInfo{}, fmt.Errorf("%w: inspecting image %s: %w", runtime.ErrRuntime, ref, err)
	}

	base := baseProcess{}
	if inspect.Config != nil {
		base.entrypoint = inspect.Config.Entrypoint
		base.cmd = inspect.Config.Cmd
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      ref,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		Labels:     map[string]string{"io.pulsarkit.pulsar-setup.build": name},
	}, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return runtime.ContainerInfo{}, fmt.Errorf("%w: creating container %s: %w", runtime.ErrRuntime, name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.removeContainer(context.WithoutCancel(ctx), resp.ID)
		return runtime.ContainerInfo{}, fmt.Errorf("%w: starting container %s: %w", runtime.ErrRuntime, name, err)
	}

	d.mu.Lock()
	d.containers[resp.ID] = &workContainer{config: runtime.NewImageConfig(), base: base}
	d.mu.Unlock()

	slog.Debug("container created", "id", resp.ID, "image", ref, "image_id", inspect.ID)
	return runtime.ContainerInfo{ID: resp.ID, ImageID: inspect.ID}, nil
}

// Pulls an image unless it is already present locally.
func (d *Driver) ensureImage(ctx context.Context, ref string) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("%w: listing images: %w", runtime.ErrRuntime, err)
	}
	if len(images) > 0 {
		return nil
	}

	slog.Info("pulling image", "image", ref)

	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pulling %s: %w", runtime.ErrRuntime, ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: reading pull output for %s: %w", runtime.ErrRuntime, ref, err)
	}
	return nil
}

// Runs a command in the container through the exec API.
//
// The environment configured on the container is passed to the process.
func (d *Driver) Run(ctx context.Context, containerID string, argv []string) (*runtime.ExecResult, error) {
	ctr, err := d.container(containerID)
	if err != nil {
		return nil, err
	}

	exec, err := d.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		Env:          ctr.config.Environ(),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating exec: %w", runtime.ErrRuntime, err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: attaching exec: %w", runtime.ErrRuntime, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("%w: reading exec output: %w", runtime.ErrRuntime, err)
	}

	code, err := d.awaitExec(ctx, exec.ID)
	if err != nil {
		return nil, err
	}

	return &runtime.ExecResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Polls an exec until it is no longer running and returns its exit code.
func (d *Driver) awaitExec(ctx context.Context, execID string) (int, error) {
	for {
		inspect, err := d.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("%w: inspecting exec: %w", runtime.ErrRuntime, err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

// Copies a host path or a path from another image into the container.
//
// The destination's parent directory is created first. The copied entry
// takes the base name of dest.
func (d *Driver) Copy(ctx context.Context, containerID string, src runtime.CopySource, dest string) error {
	res, err := d.Run(ctx, containerID, []string{"mkdir", "-p", path.Dir(dest)})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: mkdir %s: exit %d: %s", runtime.ErrRuntime, path.Dir(dest), res.ExitCode, res.Stderr)
	}

	if src.FromImage() {
		return d.copyFromImage(ctx, containerID, src.Image, src.Path, dest)
	}
	return d.copyFromHost(ctx, containerID, src.Path, dest)
}

// Streams a host file or directory into the container as a tar archive.
func (d *Driver) copyFromHost(ctx context.Context, containerID, src, dest string) error {
	slog.Debug("copy", "src", src, "dest", dest)

	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		pw.CloseWithError(runtime.ArchiveHostPath(pw, src, path.Base(dest)))
	}()

	if err := d.client.CopyToContainer(ctx, containerID, path.Dir(dest), pr, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("%w: copying %s: %w", runtime.ErrRuntime, src, err)
	}
	return nil
}

// Copies a path out of an image through a created, never started, source
// container.
func (d *Driver) copyFromImage(ctx context.Context, containerID, ref, src, dest string) error {
	if err := d.ensureImage(ctx, ref); err != nil {
		return err
	}

	name := fmt.Sprintf("%s-src-%s", containerID[:min(len(containerID), 12)], uuid.NewString()[:8])
	resp, err := d.client.ContainerCreate(ctx, &container.Config{Image: ref}, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return fmt.Errorf("%w: creating source container for %s: %w", runtime.ErrRuntime, ref, err)
	}
	defer d.removeContainer(context.WithoutCancel(ctx), resp.ID)

	slog.Debug("image copy", "image", ref, "src", src, "dest", dest)

	archived, _, err := d.client.CopyFromContainer(ctx, resp.ID, src)
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s:%s: %w", runtime.ErrRuntime, ref, src, errdefs.ErrNotFound)
		}
		return fmt.Errorf("%w: reading %s from %s: %w", runtime.ErrRuntime, src, ref, err)
	}
	defer archived.Close()

	stream := io.Reader(archived)
	if from, to := path.Base(src), path.Base(dest); from != to {
		renamed, rw := io.Pipe()
		defer renamed.Close()
		go func() {
			rw.CloseWithError(runtime.RenameTarRoot(rw, archived, from, to))
		}()
		stream = renamed
	}

	if err := d.client.CopyToContainer(ctx, containerID, path.Dir(dest), stream, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("%w: copying %s:%s: %w", runtime.ErrRuntime, ref, src, err)
	}
	return nil
}

// Records the configuration applied at commit time and to later commands.
func (d *Driver) Configure(ctx context.Context, containerID string, cfg *runtime.ImageConfig) error {
	ctr, err := d.container(containerID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	ctr.config = cfg.Clone()
	d.mu.Unlock()
	return nil
}

// Commits the container to a named image with its recorded configuration.
func (d *Driver) Commit(ctx context.Context, containerID, ref string) (string, error) {
	ctr, err := d.container(containerID)
	if err != nil {
		return "", err
	}

	changes, err := commitChanges(ctr.config, ctr.base)
	if err != nil {
		return "", err
	}

	resp, err := d.client.ContainerCommit(ctx, containerID, container.CommitOptions{
		Reference: ref,
		Comment:   "pulsar-setup commit",
		Changes:   changes,
	})
	if err != nil {
		return "", fmt.Errorf("%w: committing %s: %w", runtime.ErrRuntime, ref, err)
	}

	slog.Debug("container committed", "id", containerID, "image", ref, "image_id", resp.ID)
	return resp.ID, nil
}

// Translates an image configuration into Dockerfile change instructions.
//
// ENTRYPOINT and CMD are always emitted. When the configuration leaves them
// unset the values of the base image are restored.
func commitChanges(cfg *runtime.ImageConfig, base baseProcess) ([]string, error) {
	var changes []string

	for _, key := range sortedKeys(cfg.Labels) {
		changes = append(changes, "LABEL "+strconv.Quote(key)+"="+strconv.Quote(cfg.Labels[key]))
	}
	for _, key := range sortedKeys(cfg.Env) {
		changes = append(changes, "ENV "+key+"="+strconv.Quote(cfg.Env[key]))
	}

	for _, p := range cfg.PortList() {
		proto, port := nat.SplitProtoPort(p)
		np, err := nat.NewPort(proto, port)
		if err != nil {
			return nil, fmt.Errorf("%w: port %q: %w", runtime.ErrInvalidConfig, p, err)
		}
		changes = append(changes, "EXPOSE "+string(np))
	}

	for _, v := range cfg.VolumeList() {
		changes = append(changes, "VOLUME "+jsonArray([]string{v}))
	}

	entrypoint, cmd := base.entrypoint, base.cmd
	if cfg.Entrypoint != nil {
		entrypoint = cfg.Entrypoint
	}
	if cfg.Cmd != nil {
		cmd = cfg.Cmd
	}
	changes = append(changes, "ENTRYPOINT "+jsonArray(entrypoint), "CMD "+jsonArray(cmd))

	if cfg.User != "" {
		changes = append(changes, "USER "+cfg.User)
	}
	return changes, nil
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

func jsonArray(args []string) string {
	if args == nil {
		args = []string{}
	}
	b, _ := json.Marshal(args)
	return string(b)
}

// Lists local image tags under a name prefix.
func (d *Driver) ListImages(ctx context.Context, prefix string) ([]runtime.Image, error) {
	summaries, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: listing images: %w", runtime.ErrRuntime, err)
	}
	return matchImages(summaries, prefix), nil
}

// Returns one entry per repository tag that falls under prefix.
func matchImages(summaries []image.Summary, prefix string) []runtime.Image {
	var out []runtime.Image
	for _, s := range summaries {
		for _, tag := range s.RepoTags {
			if runtime.HasNamePrefix(tag, prefix) {
				out = append(out, runtime.Image{Name: tag, ID: s.ID})
			}
		}
	}
	return out
}

// Deletes an image tag. Untagged layers are pruned with it.
func (d *Driver) DeleteImage(ctx context.Context, ref string) error {
	_, err := d.client.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("image %s: %w", ref, errdefs.ErrNotFound)
		}
		return fmt.Errorf("%w: removing image %s: %w", runtime.ErrRuntime, ref, err)
	}
	return nil
}

// Force-removes the container. A missing container is not an error.
func (d *Driver) RemoveContainer(ctx context.Context, containerID string) error {
	d.mu.Lock()
	delete(d.containers, containerID)
	d.mu.Unlock()

	return d.removeContainer(ctx, containerID)
}

func (d *Driver) removeContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: removing container %s: %w", runtime.ErrRuntime, containerID, err)
	}
	return nil
}

func (d *Driver) container(id string) (*workContainer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctr, ok := d.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	return ctr, nil
}
