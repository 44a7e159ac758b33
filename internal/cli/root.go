package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/pulsarkit/pulsar-setup/internal"
	"github.com/pulsarkit/pulsar-setup/internal/logging"
	"github.com/pulsarkit/pulsar-setup/internal/paths"
	"github.com/pulsarkit/pulsar-setup/internal/runtime/containerd"
)

// Represents the root command for pulsar-setup.
var RootCmd struct {
	Quiet      bool            `short:"q" help:"Suppress informational output."`
	Verbose    bool            `short:"v" help:"Enable verbose output."`
	Debug      bool            `short:"d" help:"Enable debug output."`
	Driver     string          `enum:"buildah,containerd,docker" default:"buildah" env:"PULSAR_SETUP_DRIVER" help:"Image tool driver (${enum})."`
	Platform   string          `env:"PULSAR_SETUP_PLATFORM" help:"Target platform for pulled images and downloaded binaries. Defaults to the host." placeholder:"OS/ARCH"`
	Containerd ContainerdFlags `embed:"" prefix:"containerd-"`
	DockerHost string          `name:"docker-host" env:"DOCKER_HOST" help:"Docker daemon address." placeholder:"URL"`
	Containers ContainersCmd   `cmd:"" help:"Build container images of the Pulsar stack."`
	Version    VersionCmd      `cmd:"" help:"Show version information."`
}

// Connection settings for the containerd driver.
type ContainerdFlags struct {
	Address     string `default:"${containerd_address}" env:"CONTAINERD_ADDRESS" help:"containerd socket path." placeholder:"PATH"`
	Namespace   string `default:"${containerd_namespace}" env:"CONTAINERD_NAMESPACE" help:"containerd namespace."`
	Snapshotter string `default:"${containerd_snapshotter}" env:"CONTAINERD_SNAPSHOTTER" help:"containerd snapshotter."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds container images for the Apache Pulsar stack.\n\nIntermediate steps are cached as images, so re-running a build only repeats the steps whose inputs changed."),
		kong.UsageOnError(),
		vars(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Returns the variables interpolated into flag defaults and help.
func vars() kong.Vars {
	return kong.Vars{
		"version":                internal.VersionString(),
		"default_spec":           paths.DefaultSpec,
		"containerd_address":     containerd.DefaultAddress,
		"containerd_namespace":   containerd.DefaultNamespace,
		"containerd_snapshotter": containerd.DefaultSnapshotter,
	}
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	handler, ok := slog.Default().Handler().(*logging.Handler)
	if !ok {
		return // Not a logging.Handler, nothing to configure
	}

	internal.ApplyFlags(RootCmd.Quiet, RootCmd.Verbose, RootCmd.Debug)

	// Commit
	handler.SetLevel(internal.LogLevel())
	handler.SetVerbose(internal.IsVerbose())
	handler.SetColor(isatty(os.Stderr))
	handler.SetStream(os.Stderr)
	handler.Flush()
}

// Whether the given file is an interactive terminal.
func isatty(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
