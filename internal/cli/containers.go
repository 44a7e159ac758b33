package cli

import (
	"context"
	"log/slog"

	"github.com/pulsarkit/pulsar-setup/internal/component"
	"github.com/pulsarkit/pulsar-setup/internal/paths"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
	"github.com/pulsarkit/pulsar-setup/internal/spec"
)

// Represents the 'pulsar-setup containers' command group.
type ContainersCmd struct {
	Core       CoreCmd       `cmd:"" help:"Apache Pulsar core installation image."`
	Runtime    RuntimeCmd    `cmd:"" help:"Apache Pulsar runtime image."`
	Connectors ConnectorsCmd `cmd:"" help:"Connector images for the Pulsar stack."`
}

// Represents the 'pulsar-setup containers core' command group.
type CoreCmd struct {
	Build       CoreBuildCmd       `cmd:"" help:"Build the Apache Pulsar core image."`
	DeleteCache CoreDeleteCacheCmd `cmd:"" help:"Delete cache images used to build the core image."`
}

// Represents the 'pulsar-setup containers runtime' command group.
type RuntimeCmd struct {
	Build       RuntimeBuildCmd       `cmd:"" help:"Build the Apache Pulsar runtime image."`
	DeleteCache RuntimeDeleteCacheCmd `cmd:"" help:"Delete cache images used to build the runtime image."`
}

// Represents the 'pulsar-setup containers connectors' command group.
type ConnectorsCmd struct {
	PostgresSink PostgresSinkCmd `cmd:"" name:"postgres-sink" help:"Postgres JDBC sink connector image."`
}

// Represents the 'pulsar-setup containers connectors postgres-sink' command group.
type PostgresSinkCmd struct {
	Build       PostgresSinkBuildCmd       `cmd:"" help:"Build the Postgres sink connector image."`
	DeleteCache PostgresSinkDeleteCacheCmd `cmd:"" help:"Delete cache images used to build the Postgres sink image."`
}

// Flags shared by every image command.
type SpecFlags struct {
	Spec        string `short:"s" help:"Path to build specification file. Defaults to ${default_spec}." placeholder:"PATH"`
	CachePrefix string `short:"c" help:"Custom prefix for images acting as cache layers." placeholder:"PREFIX"`
}

// Flags of the build commands.
type BuildFlags struct {
	SpecFlags `embed:""`
	ImageName string `short:"n" help:"Name of the new image." placeholder:"NAME"`
	ImageTag  string `short:"t" help:"Tag of the new image. Defaults to the Pulsar version." placeholder:"TAG"`
	CoreImage string `help:"Core image to copy the Pulsar installation from." placeholder:"IMAGE"`
}

// Returns component options from the flags and the global settings.
func (f *BuildFlags) options() component.Options {
	return component.Options{
		ImageName:   f.ImageName,
		ImageTag:    f.ImageTag,
		CachePrefix: f.CachePrefix,
		CoreImage:   f.CoreImage,
		Platform:    RootCmd.Platform,
	}
}

// Creates the builder of one component.
type builderFunc func(tool runtime.Tool, s *spec.BuildSpec, opts component.Options) (component.Builder, error)

// Represents the 'pulsar-setup containers core build' command.
type CoreBuildCmd struct {
	BuildFlags `embed:""`
}

// Executes the core build command.
func (c *CoreBuildCmd) Run(ctx context.Context) error {
	return runBuild(ctx, &c.BuildFlags, newCore)
}

// Represents the 'pulsar-setup containers core delete-cache' command.
type CoreDeleteCacheCmd struct {
	SpecFlags `embed:""`
}

// Executes the core delete-cache command.
func (c *CoreDeleteCacheCmd) Run(ctx context.Context) error {
	return runDeleteCache(ctx, &c.SpecFlags, newCore)
}

// Represents the 'pulsar-setup containers runtime build' command.
type RuntimeBuildCmd struct {
	BuildFlags `embed:""`
}

// Executes the runtime build command.
func (c *RuntimeBuildCmd) Run(ctx context.Context) error {
	return runBuild(ctx, &c.BuildFlags, newRuntime)
}

// Represents the 'pulsar-setup containers runtime delete-cache' command.
type RuntimeDeleteCacheCmd struct {
	SpecFlags `embed:""`
}

// Executes the runtime delete-cache command.
func (c *RuntimeDeleteCacheCmd) Run(ctx context.Context) error {
	return runDeleteCache(ctx, &c.SpecFlags, newRuntime)
}

// Represents the 'pulsar-setup containers connectors postgres-sink build' command.
type PostgresSinkBuildCmd struct {
	BuildFlags `embed:""`
	Version    string `default:"latest" help:"Version of the connector." placeholder:"VERSION"`
}

// Executes the postgres-sink build command.
func (c *PostgresSinkBuildCmd) Run(ctx context.Context) error {
	return runBuild(ctx, &c.BuildFlags, newPostgresSink(c.Version))
}

// Represents the 'pulsar-setup containers connectors postgres-sink delete-cache' command.
type PostgresSinkDeleteCacheCmd struct {
	SpecFlags `embed:""`
}

// Executes the postgres-sink delete-cache command.
func (c *PostgresSinkDeleteCacheCmd) Run(ctx context.Context) error {
	return runDeleteCache(ctx, &c.SpecFlags, newPostgresSink(spec.LatestVersion))
}

func newCore(tool runtime.Tool, s *spec.BuildSpec, opts component.Options) (component.Builder, error) {
	return component.NewCore(tool, s, opts)
}

func newRuntime(tool runtime.Tool, s *spec.BuildSpec, opts component.Options) (component.Builder, error) {
	return component.NewRuntime(tool, s, opts)
}

func newPostgresSink(version string) builderFunc {
	return func(tool runtime.Tool, s *spec.BuildSpec, opts component.Options) (component.Builder, error) {
		return component.NewPostgresSink(tool, s, opts, version)
	}
}

// Loads the specification, builds the component, and reports the result.
func runBuild(ctx context.Context, flags *BuildFlags, newBuilder builderFunc) error {
	return withBuilder(&flags.SpecFlags, flags.options(), newBuilder, func(b component.Builder) error {
		result, err := b.Build(ctx)
		if err != nil {
			return err
		}

		slog.Info("build complete",
			"image", result.Image,
			"id", result.ImageID,
			"cache_hits", result.CacheHits,
			"cache_misses", result.CacheMisses,
		)
		return nil
	})
}

// Loads the specification and prunes the component's cache images.
func runDeleteCache(ctx context.Context, flags *SpecFlags, newBuilder builderFunc) error {
	opts := component.Options{CachePrefix: flags.CachePrefix, Platform: RootCmd.Platform}
	return withBuilder(flags, opts, newBuilder, func(b component.Builder) error {
		n, err := b.PruneCache(ctx)
		if err != nil {
			return err
		}
		slog.Info("cache deleted", "images", n)
		return nil
	})
}

// Loads the specification, opens the image tool, and calls fn with the
// component builder. The tool is closed when fn returns.
func withBuilder(flags *SpecFlags, opts component.Options, newBuilder builderFunc, fn func(component.Builder) error) error {
	s, err := spec.Load(paths.SpecFile(flags.Spec))
	if err != nil {
		return err
	}

	tool, err := openTool(s)
	if err != nil {
		return err
	}
	defer tool.Close()

	b, err := newBuilder(tool, s, opts)
	if err != nil {
		return err
	}
	return fn(b)
}
