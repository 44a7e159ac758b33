package component

import (
	"fmt"

	"github.com/containerd/platforms"
	"github.com/pulsarkit/pulsar-setup/internal/build"
	"github.com/pulsarkit/pulsar-setup/internal/spec"
)

// Eclipse Temurin release download, by major version, release tag, file
// major version, architecture, and file version.
const temurinURL = "https://github.com/adoptium/temurin%[1]s-binaries/releases/download/jdk-%[1]s.%[2]s%%2B%[3]s/OpenJDK%[1]sU-jre_%[4]s_linux_hotspot_%[1]s.%[2]s_%[3]s.tar.gz"

// Temurin architecture names by OCI architecture.
var temurinArch = map[string]string{
	"amd64":   "x64",
	"arm64":   "aarch64",
	"ppc64le": "ppc64le",
	"s390x":   "s390x",
}

// Returns the dependency installing the Temurin JRE into javaHome.
//
// The architecture comes from platform, or from the host when platform is
// empty.
func jreDependency(v spec.JavaVersion, platform string) (build.Dependency, error) {
	if err := v.Validate(); err != nil {
		return build.Dependency{}, fmt.Errorf("ApachePulsar.Runtime.Java.Jre: %w", err)
	}

	p := platforms.DefaultSpec()
	if platform != "" {
		parsed, err := platforms.Parse(platform)
		if err != nil {
			return build.Dependency{}, fmt.Errorf("%w: platform %q: %w", spec.ErrConfiguration, platform, err)
		}
		p = parsed
	}

	arch, ok := temurinArch[p.Architecture]
	if !ok {
		return build.Dependency{}, fmt.Errorf("%w: no Java runtime build for architecture %q", spec.ErrConfiguration, p.Architecture)
	}

	return build.Dependency{
		Name:    "jre",
		Version: v.String() + "-" + arch,
		URL:     fmt.Sprintf(temurinURL, v.Major, v.Minor, v.Build, arch),
		Dest:    javaHome,
		Strip:   1,
	}, nil
}
