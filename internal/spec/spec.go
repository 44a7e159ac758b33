// Package spec holds the build specification for the Pulsar image stack.
//
// A [BuildSpec] is loaded from a YAML document with [Load], defaulted, and
// validated. It is immutable once loaded. Field names follow the document
// keys (ProjectName, ApachePulsar.Runtime.Java.Jre.Major, ...).
package spec

const (

	// Install prefix used when ApachePulsar.Prefix is unset.
	DefaultPrefix = "/usr/local/pulsar"

	// Directory holding entrypoint scripts when Runtime.Resources is unset.
	DefaultResources = "resources"

	// Numeric uid and gid of the pulsar system user.
	DefaultUid = 1002
	DefaultGid = 1002

	// Buildah binary looked up on PATH when Buildah.Path is unset.
	DefaultBuildahPath = "buildah"

	// Package manager used inside the base image.
	DefaultPackageManager = "zypper"
)

// Everything needed to build the images of one stack.
type BuildSpec struct {
	ProjectName    string              `yaml:"ProjectName"`
	BaseImage      string              `yaml:"BaseImage"`
	PackageManager string              `yaml:"PackageManager"`
	Buildah        BuildahConfig       `yaml:"Buildah"`
	ApachePulsar   ApachePulsarConfig  `yaml:"ApachePulsar"`
	PostgresSink   *PostgresSinkConfig `yaml:"PostgresSink"`
}

// Location of the buildah binary.
type BuildahConfig struct {
	Path string `yaml:"Path"`
}

// Apache Pulsar distribution and how to package it.
type ApachePulsarConfig struct {
	Version   string        `yaml:"Version"`
	SourceUrl string        `yaml:"SourceUrl"`
	Prefix    string        `yaml:"Prefix"`
	Build     BuildConfig   `yaml:"Build"`
	Runtime   RuntimeConfig `yaml:"Runtime"`
}

// Packages needed to fetch and unpack the distribution.
type BuildConfig struct {
	Dependencies []string `yaml:"Dependencies"`
	Flags        []string `yaml:"Flags"`
}

// Runtime image settings shared by the runtime and connector images.
type RuntimeConfig struct {
	Dependencies []string   `yaml:"Dependencies"`
	Resources    string     `yaml:"Resources"`
	Uid          int        `yaml:"Uid"`
	Gid          int        `yaml:"Gid"`
	PulsarGc     []string   `yaml:"PulsarGc"`
	Java         JavaConfig `yaml:"Java"`
	Ports        []int      `yaml:"Ports"`
}

// Java runtimes to install.
type JavaConfig struct {
	Jre JavaVersion `yaml:"Jre"`
}

// A Java release as a version triple, e.g. 21 / 0.5 / 11 for 21.0.5+11.
type JavaVersion struct {
	Major string `yaml:"Major"`
	Minor string `yaml:"Minor"`
	Build string `yaml:"Build"`
}

// Reports whether any part of the version is set.
func (v JavaVersion) IsZero() bool {
	return v.Major == "" && v.Minor == "" && v.Build == ""
}

// Returns the release name, e.g. "21.0.5+11".
func (v JavaVersion) String() string {
	return v.Major + "." + v.Minor + "+" + v.Build
}

// Postgres JDBC sink connector and its released versions.
type PostgresSinkConfig struct {
	Current    string                      `yaml:"Current"`
	ConfigPath string                      `yaml:"ConfigPath"`
	BrokerUrl  string                      `yaml:"BrokerUrl"`
	Versions   map[string]ConnectorVersion `yaml:"Versions"`
}

// A single connector release.
//
// Dependencies are installed in addition to the runtime dependencies. A
// non-zero Uid or Gid overrides the runtime user.
type ConnectorVersion struct {
	SourceUrl    string   `yaml:"SourceUrl"`
	Dependencies []string `yaml:"Dependencies"`
	Uid          int      `yaml:"Uid"`
	Gid          int      `yaml:"Gid"`
}

// Returns a [BuildSpec] populated with defaults, used as the decode target
// so that keys absent from the document keep their default values.
func Default() *BuildSpec {
	return &BuildSpec{
		PackageManager: DefaultPackageManager,
		Buildah:        BuildahConfig{Path: DefaultBuildahPath},
		ApachePulsar: ApachePulsarConfig{
			Prefix: DefaultPrefix,
			Runtime: RuntimeConfig{
				Resources: DefaultResources,
				Uid:       DefaultUid,
				Gid:       DefaultGid,
			},
		},
	}
}
