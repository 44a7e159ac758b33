// Package buildah implements [runtime.Tool] by invoking the buildah CLI.
//
// Every primitive maps to one buildah subcommand. Buildah applies
// configuration to the working container directly, so the full accumulated
// configuration is replayed on every Configure call; repeating a directive
// is harmless. The user is held back until Commit so that later runs keep
// the base image's user. Image IDs and names are read from buildah's JSON
// output.
package buildah

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// Binary looked up on PATH when no path is configured.
const DefaultPath = "buildah"

// Output of a single buildah invocation.
type result struct {
	stdout   string
	stderr   string
	exitCode int
}

// Runs the buildah binary with args. A non-zero exit is reported through
// the result, not the error.
type execFunc func(ctx context.Context, path string, args []string) (result, error)

// Buildah-backed implementation of [runtime.Tool].
type Driver struct {
	path string
	exec execFunc

	mu    sync.Mutex
	users map[string]string // Pending user per container, applied at commit.
}

var _ runtime.Tool = (*Driver)(nil)

// Creates a driver for the buildah binary at path.
//
// The binary is resolved up front so that a missing installation is
// reported before any build starts.
func New(path string) (*Driver, error) {
	if path == "" {
		path = DefaultPath
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: buildah binary %q: %w", runtime.ErrRuntime, path, err)
	}
	return &Driver{path: resolved, exec: execBinary, users: make(map[string]string)}, nil
}

// Runs the binary and captures its output.
func execBinary(ctx context.Context, path string, args []string) (result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result{stdout: stdout.String(), stderr: stderr.String(), exitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return result{}, err
	}
	return result{stdout: stdout.String(), stderr: stderr.String()}, nil
}

// Runs a buildah subcommand and fails on a non-zero exit.
func (d *Driver) call(ctx context.Context, args ...string) (string, error) {
	slog.Debug("buildah", "args", runtime.FormatCommand(args))

	res, err := d.exec(ctx, d.path, args)
	if err != nil {
		return "", fmt.Errorf("%w: buildah %s: %w", runtime.ErrRuntime, args[0], err)
	}
	if res.exitCode != 0 {
		return "", &commandError{args: args, exitCode: res.exitCode, stderr: strings.TrimSpace(res.stderr)}
	}
	return res.stdout, nil
}

// A buildah invocation that exited non-zero.
type commandError struct {
	args     []string
	exitCode int
	stderr   string
}

func (e *commandError) Error() string {
	return fmt.Sprintf("buildah %s exited with code %d: %s", e.args[0], e.exitCode, e.stderr)
}

func (e *commandError) Unwrap() error {
	return runtime.ErrRuntime
}

// Reports whether err is buildah complaining about a missing object.
func isNotFound(err error) bool {
	var ce *commandError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.stderr)
	return strings.Contains(msg, "not known") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such")
}

func (d *Driver) CreateContainer(ctx context.Context, image, name string) (runtime.ContainerInfo, error) {
	out, err := d.call(ctx, "from", "--pull=missing", "--quiet", "--name", name, image)
	if err != nil {
		return runtime.ContainerInfo{}, err
	}
	id := lastLine(out)

	imageID, err := d.call(ctx, "inspect", "--type", "container", "--format", "{{.FromImageID}}", id)
	if err != nil {
		d.RemoveContainer(context.WithoutCancel(ctx), id)
		return runtime.ContainerInfo{}, err
	}

	return runtime.ContainerInfo{ID: id, ImageID: strings.TrimSpace(imageID)}, nil
}

// Runs a command in the container. Buildah exits with the command's exit
// code, which is returned in the result.
func (d *Driver) Run(ctx context.Context, containerID string, argv []string) (*runtime.ExecResult, error) {
	args := append([]string{"run", containerID, "--"}, argv...)
	slog.Debug("buildah", "args", runtime.FormatCommand(args))

	res, err := d.exec(ctx, d.path, args)
	if err != nil {
		return nil, fmt.Errorf("%w: buildah run: %w", runtime.ErrRuntime, err)
	}
	return &runtime.ExecResult{ExitCode: res.exitCode, Stdout: res.stdout, Stderr: res.stderr}, nil
}

func (d *Driver) Copy(ctx context.Context, containerID string, src runtime.CopySource, dest string) error {
	args := []string{"copy", "--quiet"}
	if src.FromImage() {
		args = append(args, "--from", src.Image)
	}
	args = append(args, containerID, src.Path, dest)

	_, err := d.call(ctx, args...)
	return err
}

func (d *Driver) Configure(ctx context.Context, containerID string, cfg *runtime.ImageConfig) error {
	args, err := configArgs(cfg)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		if _, err := d.call(ctx, append(append([]string{"config"}, args...), containerID)...); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.User == "" {
		delete(d.users, containerID)
	} else {
		d.users[containerID] = cfg.User
	}
	return nil
}

// Returns the user held back for a container.
func (d *Driver) pendingUser(containerID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[containerID]
}

// Translates a configuration into buildah config flags. The user is left
// out; Commit applies it.
func configArgs(cfg *runtime.ImageConfig) ([]string, error) {
	var args []string
	for _, d := range cfg.Directives() {
		switch d.Kind {
		case runtime.DirectiveLabel:
			args = append(args, "--label", d.Key+"="+d.Value)
		case runtime.DirectiveEnv:
			args = append(args, "--env", d.Key+"="+d.Value)
		case runtime.DirectivePort:
			args = append(args, "--port", d.Key)
		case runtime.DirectiveVolume:
			args = append(args, "--volume", d.Key)
		case runtime.DirectiveEntrypoint, runtime.DirectiveCmd:
			b, err := json.Marshal(append([]string{}, d.Args...))
			if err != nil {
				return nil, err
			}
			args = append(args, "--"+string(d.Kind), string(b))
		}
	}
	return args, nil
}

func (d *Driver) Commit(ctx context.Context, containerID, ref string) (string, error) {
	if user := d.pendingUser(containerID); user != "" {
		if _, err := d.call(ctx, "config", "--user", user, containerID); err != nil {
			return "", err
		}
	}

	out, err := d.call(ctx, "commit", "--quiet", containerID, ref)
	if err != nil {
		return "", err
	}
	return lastLine(out), nil
}

// Entry of "buildah images --json".
type imageEntry struct {
	ID    string   `json:"id"`
	Names []string `json:"names"`
}

func (d *Driver) ListImages(ctx context.Context, prefix string) ([]runtime.Image, error) {
	out, err := d.call(ctx, "images", "--json")
	if err != nil {
		return nil, err
	}
	return parseImages(strings.NewReader(out), prefix)
}

// Parses "buildah images --json" output, keeping names under prefix.
func parseImages(r io.Reader, prefix string) ([]runtime.Image, error) {
	var entries []imageEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing image list: %w", runtime.ErrRuntime, err)
	}

	var out []runtime.Image
	for _, e := range entries {
		for _, name := range e.Names {
			if runtime.HasNamePrefix(name, prefix) {
				out = append(out, runtime.Image{Name: name, ID: e.ID})
			}
		}
	}
	return out, nil
}

func (d *Driver) DeleteImage(ctx context.Context, ref string) error {
	if _, err := d.call(ctx, "rmi", ref); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("image %s: %w", ref, errdefs.ErrNotFound)
		}
		return err
	}
	return nil
}

func (d *Driver) RemoveContainer(ctx context.Context, containerID string) error {
	if _, err := d.call(ctx, "rm", containerID); err != nil && !isNotFound(err) {
		return err
	}

	d.mu.Lock()
	delete(d.users, containerID)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Close() error {
	return nil
}

// Returns the last non-empty line of command output.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
