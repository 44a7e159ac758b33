package containerd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// Sequence counter for generating unique exec process identifiers.
var execSeq uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", atomic.AddUint64(&execSeq, 1))
}

// Runs a command directly inside the container, without shell wrapping.
//
// The environment configured on the container is layered over the image
// environment.
func (d *Driver) Run(ctx context.Context, containerID string, argv []string) (*runtime.ExecResult, error) {
	var stdout, stderr bytes.Buffer
	code, err := d.execCommand(ctx, containerID, nil, &stdout, &stderr, argv...)
	if err != nil {
		return nil, err
	}

	return &runtime.ExecResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Builds an OCI process spec for running a command inside the container.
//
// The base values are copied from the container's own OCI spec, then the
// configured environment is merged on top.
func (d *Driver) buildProcessSpec(ctx context.Context, containerID string, args ...string) (*specs.Process, error) {
	ctr, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = args

	if env := d.config(containerID).Environ(); len(env) > 0 {
		pspec.Env = mergeEnv(pspec.Env, env)
	}

	return &pspec, nil
}

// Merges override env vars on top of a base env slice.
//
// Entries without '=' are dropped. The result is sorted by key.
func mergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range slices.Concat(base, overrides) {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}

	result := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		result = append(result, k+"="+merged[k])
	}
	return result
}

// Runs a command inside the container and returns its exit code. A non-zero
// exit code is not treated as an error; the caller decides.
func (d *Driver) execCommand(ctx context.Context, containerID string, stdin io.Reader, stdout, stderr io.Writer, args ...string) (int, error) {
	pspec, err := d.buildProcessSpec(ctx, containerID, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}
	return d.execProcess(ctx, containerID, pspec, stdin, stdout, stderr)
}

// Runs a command and returns an error carrying desc and the captured stderr
// if it exits non-zero.
func (d *Driver) mustExec(ctx context.Context, containerID, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	var stderr bytes.Buffer
	code, err := d.execCommand(ctx, containerID, stdin, stdout, &stderr, args...)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: %s failed with exit code %d (%s)", runtime.ErrRuntime, desc, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Starts a process inside the container's running task, waits for it to exit,
// and returns the exit code.
//
// The process is attached to the task as an additional exec. Nil output
// streams are replaced with io.Discard. When stdin is provided, the process
// stdin is closed once the reader returns EOF; the shim holds both ends of
// the stdin FIFO and does not propagate EOF on its own.
func (d *Driver) execProcess(ctx context.Context, containerID string, pspec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	task, err := d.loadTask(ctx, containerID)
	if err != nil {
		return 0, err
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	var stdinDone <-chan struct{}
	if stdin != nil {
		er := newEOFReader(stdin)
		stdin = er
		stdinDone = er.done
	}

	process, err := task.Exec(ctx, nextExecID(), pspec, cio.NewCreator(
		cio.WithStreams(stdin, stdout, stderr),
	))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}

	return awaitProcess(ctx, process, stdinDone)
}

// Loads the container's running task.
func (d *Driver) loadTask(ctx context.Context, containerID string) (containerd.Task, error) {
	ctr, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}
	return task, nil
}

// Waits for an exec process to exit and returns the exit code. The process
// is always deleted before returning.
func awaitProcess(ctx context.Context, process containerd.Process, stdinDone <-chan struct{}) (int, error) {
	statusC, err := process.Wait(ctx)
	if err != nil {
		process.Delete(ctx)
		return 0, fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}

	if err := process.Start(ctx); err != nil {
		process.Delete(ctx)
		return 0, fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}

	if stdinDone != nil {
		go func() {
			<-stdinDone
			process.CloseIO(ctx, containerd.WithStdinCloser)
		}()
	}

	exitStatus := <-statusC
	process.Delete(ctx)

	code, _, err := exitStatus.Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}
	return int(code), nil
}

// Reader that closes done on the first [io.EOF] from the wrapped reader.
type eofReader struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func newEOFReader(r io.Reader) *eofReader {
	return &eofReader{r: r, done: make(chan struct{})}
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.once.Do(func() { close(e.done) })
	}
	return n, err
}
