// Package runtimetest provides an in-memory [runtime.Tool] for tests.
//
// The fake keeps images and containers in maps, records every command it is
// asked to run, and counts container releases so tests can assert on cache
// reuse and cleanup without a container tool installed. Images referenced as
// a base but not yet present are "pulled" on demand unless listed in
// Unavailable.
package runtimetest

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// An image held by the fake.
type Image struct {
	Name    string
	ID      string
	Config  *runtime.ImageConfig
	History []string // Operations that produced the image, oldest first.
}

type container struct {
	id      string
	imageID string
	config  *runtime.ImageConfig
	history []string
}

// In-memory implementation of [runtime.Tool].
type Tool struct {
	mu         sync.Mutex
	images     map[string]*Image
	containers map[string]*container
	released   map[string]int
	runs       [][]string
	commits    []string
	seq        int

	// Returns the exit code for a command. Nil means every command succeeds.
	ExitCode func(argv []string) int

	// Images that cannot be pulled.
	Unavailable map[string]bool

	// Errors returned by DeleteImage for specific names.
	DeleteErr map[string]error

	// Error returned by ListImages.
	ListErr error
}

var _ runtime.Tool = (*Tool)(nil)

// Creates an empty fake tool.
func New() *Tool {
	return &Tool{
		images:      make(map[string]*Image),
		containers:  make(map[string]*container),
		released:    make(map[string]int),
		Unavailable: make(map[string]bool),
		DeleteErr:   make(map[string]error),
	}
}

// Adds an image with a content ID derived from its name.
func (t *Tool) AddImage(name string) *Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addImage(name)
}

func (t *Tool) addImage(name string) *Image {
	img := &Image{
		Name:   name,
		ID:     digest.FromString("image:" + name).Encoded(),
		Config: runtime.NewImageConfig(),
	}
	t.images[name] = img
	return img
}

// Returns the image with the given name.
func (t *Tool) Image(name string) (*Image, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	img, ok := t.images[name]
	return img, ok
}

// Returns the names of all images in sorted order.
func (t *Tool) ImageNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.images))
}

// Returns every command run so far.
func (t *Tool) Runs() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.runs)
}

// Returns how many commands containing substr have been run.
func (t *Tool) RunCount(substr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, argv := range t.runs {
		if strings.Contains(runtime.FormatCommand(argv), substr) {
			n++
		}
	}
	return n
}

// Returns the image names committed so far, in order.
func (t *Tool) Commits() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.commits)
}

// Returns how many times RemoveContainer was called for each container.
func (t *Tool) Released() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.released)
}

// Returns the number of containers not yet removed.
func (t *Tool) LiveContainers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.containers)
}

func (t *Tool) CreateContainer(ctx context.Context, image, name string) (runtime.ContainerInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	img, ok := t.images[image]
	if !ok {
		if t.Unavailable[image] {
			return runtime.ContainerInfo{}, fmt.Errorf("pull %s: %w", image, errdefs.ErrNotFound)
		}
		img = t.addImage(image)
	}

	t.seq++
	id := fmt.Sprintf("%s-%d", name, t.seq)
	t.containers[id] = &container{
		id:      id,
		imageID: img.ID,
		config:  img.Config.Clone(),
		history: slices.Clone(img.History),
	}
	return runtime.ContainerInfo{ID: id, ImageID: img.ID}, nil
}

func (t *Tool) Run(ctx context.Context, containerID string, argv []string) (*runtime.ExecResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.container(containerID)
	if err != nil {
		return nil, err
	}

	t.runs = append(t.runs, slices.Clone(argv))

	code := 0
	if t.ExitCode != nil {
		code = t.ExitCode(argv)
	}
	if code != 0 {
		return &runtime.ExecResult{ExitCode: code, Stderr: "command failed"}, nil
	}

	c.history = append(c.history, "run "+runtime.FormatCommand(argv))
	return &runtime.ExecResult{}, nil
}

func (t *Tool) Copy(ctx context.Context, containerID string, src runtime.CopySource, dest string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.container(containerID)
	if err != nil {
		return err
	}

	if src.FromImage() {
		if _, ok := t.images[src.Image]; !ok {
			return fmt.Errorf("image %s: %w", src.Image, errdefs.ErrNotFound)
		}
	} else if _, err := os.Stat(src.Path); err != nil {
		return err
	}

	c.history = append(c.history, "copy "+src.String()+" "+dest)
	return nil
}

func (t *Tool) Configure(ctx context.Context, containerID string, cfg *runtime.ImageConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.container(containerID)
	if err != nil {
		return err
	}
	c.config = cfg.Clone()
	return nil
}

func (t *Tool) Commit(ctx context.Context, containerID, ref string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.container(containerID)
	if err != nil {
		return "", err
	}

	id := digest.FromString(c.imageID + "\n" + strings.Join(c.history, "\n")).Encoded()
	t.images[ref] = &Image{
		Name:    ref,
		ID:      id,
		Config:  c.config.Clone(),
		History: slices.Clone(c.history),
	}
	t.commits = append(t.commits, ref)
	return id, nil
}

func (t *Tool) ListImages(ctx context.Context, prefix string) ([]runtime.Image, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ListErr != nil {
		return nil, t.ListErr
	}

	var out []runtime.Image
	for _, name := range slices.Sorted(maps.Keys(t.images)) {
		if runtime.HasNamePrefix(name, prefix) {
			out = append(out, runtime.Image{Name: name, ID: t.images[name].ID})
		}
	}
	return out, nil
}

func (t *Tool) DeleteImage(ctx context.Context, ref string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err, ok := t.DeleteErr[ref]; ok {
		return err
	}
	if _, ok := t.images[ref]; !ok {
		return fmt.Errorf("image %s: %w", ref, errdefs.ErrNotFound)
	}
	delete(t.images, ref)
	return nil
}

func (t *Tool) RemoveContainer(ctx context.Context, containerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.released[containerID]++
	delete(t.containers, containerID)
	return nil
}

func (t *Tool) Close() error {
	return nil
}

func (t *Tool) container(id string) (*container, error) {
	c, ok := t.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	return c, nil
}
