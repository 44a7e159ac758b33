// Parses flags, configures logging, and dispatches the pulsar-setup commands.
//
// The tool accepts the following global flags:
//
//	-q, --quiet                  Suppress informational output.
//	-v, --verbose                Enable verbose output.
//	-d, --debug                  Enable debug output.
//	    --driver                 Image tool driver (buildah, containerd, docker).
//	    --platform               Target platform for downloads and pulls.
//	    --containerd-address     containerd socket path.
//	    --containerd-namespace   containerd namespace.
//	    --containerd-snapshotter containerd snapshotter.
//	    --docker-host            Docker daemon address.
//
// Image commands are grouped by component:
//
//	containers core build|delete-cache
//	containers runtime build|delete-cache
//	containers connectors postgres-sink build|delete-cache
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity
// before the selected command runs. Command errors are returned unmodified to
// the caller.
package cli
