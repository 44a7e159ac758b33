package build

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/pulsarkit/pulsar-setup/internal/cachekey"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// A single declarative build step.
//
// Exactly one operation field must be set: Run, Verify, Copy, Config, or
// Install. ID identifies the step in cache keys and errors and defaults to
// Name; changing it invalidates the cache for the step.
type Step struct {
	Name string // Human readable description, logged as the step runs.
	ID   string // Stable identity for cache keys.

	Run    []string       // Command to run.
	Cached bool           // Run through the cache.
	Keys   cachekey.Extra // Extra cache inputs for Run.

	Verify  []string            // Read-only check that must exit zero.
	Copy    *Copy               // File copy into the container.
	Config  []runtime.Directive // Image configuration directives.
	Install *Dependency         // Versioned dependency to install.
}

// Returns the step identity used for cache keys.
func (s Step) key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}

// Returns the number of operation fields set.
func (s Step) operations() int {
	n := 0
	if len(s.Run) > 0 {
		n++
	}
	if len(s.Verify) > 0 {
		n++
	}
	if s.Copy != nil {
		n++
	}
	if len(s.Config) > 0 {
		n++
	}
	if s.Install != nil {
		n++
	}
	return n
}

// A file copy into the working container.
//
// When Image is empty Src is a host path, otherwise a path inside Image.
type Copy struct {
	Image string
	Src   string
	Dest  string
}

// A versioned archive downloaded and unpacked into the container.
type Dependency struct {
	Name    string // Dependency name, e.g. "jre".
	Version string // Version, part of the cache key.
	URL     string // Archive download URL.
	Dest    string // Absolute extraction directory.
	Strip   int    // Leading path components removed on extraction.
}

func (d Dependency) validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: dependency name is required", ErrBuild)
	case d.URL == "":
		return fmt.Errorf("%w: dependency %s has no download URL", ErrBuild, d.Name)
	case !path.IsAbs(d.Dest):
		return fmt.Errorf("%w: dependency %s destination %q must be absolute", ErrBuild, d.Name, d.Dest)
	case d.Strip < 0:
		return fmt.Errorf("%w: dependency %s strip count must not be negative", ErrBuild, d.Name)
	}
	return nil
}

func (d Dependency) step() string {
	return "install " + d.Name
}

// Returns the shell command that downloads and unpacks the archive.
func (d Dependency) command() []string {
	archive := path.Join("/tmp", d.Name+".tar.gz")
	script := strings.Join([]string{
		"mkdir -p " + ShellQuote(d.Dest),
		"curl -fsSL " + ShellQuote(d.URL) + " -o " + archive,
		"tar -xzf " + archive + " -C " + ShellQuote(d.Dest) + " --strip-components=" + strconv.Itoa(d.Strip),
		"rm -f " + archive,
	}, " && ")
	return []string{"sh", "-c", script}
}

func (d Dependency) keys() cachekey.Extra {
	return cachekey.Extra{
		"name":    cachekey.String(d.Name),
		"version": cachekey.String(d.Version),
		"url":     cachekey.String(d.URL),
		"dest":    cachekey.String(d.Dest),
	}
}

// Quotes a string for use as a single POSIX shell word.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./:=+,@%", r):
		return false
	}
	return true
}

// Executes a list of steps in order against the working container.
func executeSteps(ctx context.Context, ctr *Container, steps []Step) error {
	for i, step := range steps {
		slog.Info(fmt.Sprintf("step %d/%d: %s", i+1, len(steps), step.Name), "component", ctr.component)
		if err := executeStep(ctx, ctr, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Name, err)
		}
	}
	return nil
}

// Executes a single step, dispatching on its operation field.
func executeStep(ctx context.Context, ctr *Container, step Step) error {
	if step.key() == "" {
		return fmt.Errorf("%w: step has neither a name nor an ID", ErrBuild)
	}
	if n := step.operations(); n != 1 {
		return fmt.Errorf("%w: step must define exactly one operation, found %d", ErrBuild, n)
	}

	switch {
	case len(step.Run) > 0 && step.Cached:
		return ctr.RunCached(ctx, step.key(), step.Run, step.Keys)

	case len(step.Run) > 0:
		return ctr.Run(ctx, step.key(), step.Run...)

	case len(step.Verify) > 0:
		return ctr.Verify(ctx, step.key(), step.Verify...)

	case step.Copy != nil:
		if step.Copy.Image != "" {
			return ctr.CopyFromImage(ctx, step.Copy.Image, step.Copy.Src, step.Copy.Dest)
		}
		return ctr.CopyFromHost(ctx, step.Copy.Src, step.Copy.Dest)

	case len(step.Config) > 0:
		return ctr.Configure(ctx, step.Config...)

	default:
		return ctr.installAs(ctx, step.key(), *step.Install)
	}
}
