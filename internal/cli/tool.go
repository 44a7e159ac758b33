package cli

import (
	"log/slog"

	"github.com/pulsarkit/pulsar-setup/internal/runtime"
	"github.com/pulsarkit/pulsar-setup/internal/runtime/buildah"
	"github.com/pulsarkit/pulsar-setup/internal/runtime/containerd"
	"github.com/pulsarkit/pulsar-setup/internal/runtime/docker"
	"github.com/pulsarkit/pulsar-setup/internal/spec"
)

// Opens the image tool selected by the --driver flag.
//
// The buildah driver uses the binary named in the build spec.
func openTool(s *spec.BuildSpec) (runtime.Tool, error) {
	slog.Debug("opening image tool", "driver", RootCmd.Driver)

	switch RootCmd.Driver {
	case "containerd":
		d, err := containerd.New(containerd.Options{
			Address:     RootCmd.Containerd.Address,
			Namespace:   RootCmd.Containerd.Namespace,
			Snapshotter: RootCmd.Containerd.Snapshotter,
			Platform:    RootCmd.Platform,
		})
		if err != nil {
			return nil, err
		}
		return d, nil

	case "docker":
		d, err := docker.New(docker.Options{Host: RootCmd.DockerHost})
		if err != nil {
			return nil, err
		}
		return d, nil

	default:
		d, err := buildah.New(s.Buildah.Path)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}
