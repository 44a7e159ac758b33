package component

import (
	"context"
	"path"

	"github.com/pulsarkit/pulsar-setup/internal/build"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
	"github.com/pulsarkit/pulsar-setup/internal/spec"
)

// Builds the core image: the Pulsar distribution unpacked under
// ApachePulsar.Prefix on the base image.
type Core struct {
	base
}

var _ Builder = (*Core)(nil)

// Creates a core builder. The build spec is validated first.
func NewCore(tool runtime.Tool, s *spec.BuildSpec, opts Options) (*Core, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Core{base: newBase(tool, s, NameCore, opts)}, nil
}

// Returns the ordered build steps.
func (c *Core) Plan() ([]build.Step, error) {
	p := c.spec.ApachePulsar

	steps := c.dependencySteps("install build dependencies", p.Build.Dependencies, p.Build.Flags)
	steps = append(steps,
		build.Step{Name: "prepare " + p.Prefix, Run: []string{"mkdir", "-p", p.Prefix}},
		build.Step{
			Name: "download and extract " + p.SourceUrl,
			ID:   "download_extract",
			Install: &build.Dependency{
				Name:    "pulsar",
				Version: p.Version,
				URL:     p.SourceUrl,
				Dest:    p.Prefix,
				Strip:   1,
			},
		},
		build.Step{
			Name:   "verify installation",
			Verify: []string{"test", "-x", path.Join(p.Prefix, "bin", "pulsar")},
		},
		c.versionLabels(),
	)
	return steps, nil
}

// Builds and commits the core image.
func (c *Core) Build(ctx context.Context) (*build.Result, error) {
	steps, err := c.Plan()
	if err != nil {
		return nil, err
	}
	return c.run(ctx, steps)
}
