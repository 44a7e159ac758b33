package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Name of the tool, used in the CLI and log output.
	Name = "pulsar-setup"

	undefined  = "(undefined)" // Placeholder for a value not set at build time.
	localBuild = "(local)"     // Version string of a build outside the pipeline.
	mainBranch = "main"        // Stage omitted from version strings.
)

// Set with -ldflags at build time, for example:
//
//	-X github.com/pulsarkit/pulsar-setup/internal.version=1.2.3
//	-X github.com/pulsarkit/pulsar-setup/internal.rawDebug=true
var (
	version   = "" // Release version, with or without a "v" prefix.
	stage     = "" // Git branch the release was cut from.
	gitCommit = "" // Git commit hash.

	rawQuiet   = "false" // Whether to enable quiet mode
	rawDebug   = "false" // Whether to enable debug mode
	rawVerbose = "false" // Whether to enable verbose logging
)

// Build metadata of the running binary.
type BuildInfo struct {
	Version string // Normalized version, "1.2.3".
	Stage   string // Lowercase branch name.
	Commit  string // Git commit hash.
	Arch    string // GOARCH of the binary.
	Local   bool   // Built outside the release pipeline.
}

// Returns the build metadata.
//
// Unset values read "(undefined)". A build is local when any of version,
// stage, or commit was not provided.
func Info() BuildInfo {
	v, s, c := strings.TrimSpace(version), strings.TrimSpace(stage), strings.TrimSpace(gitCommit)
	return BuildInfo{
		Version: orUndefined(strings.TrimPrefix(strings.ToLower(v), "v")),
		Stage:   orUndefined(strings.ToLower(s)),
		Commit:  orUndefined(c),
		Arch:    runtime.GOARCH,
		Local:   v == "" || s == "" || c == "",
	}
}

func orUndefined(s string) string {
	if s == "" {
		return undefined
	}
	return s
}

// Formats the metadata as "<version>[+<stage>] <commit> [<arch>]".
//
// Local builds format as "(local)". The stage is omitted for main.
func (b BuildInfo) String() string {
	if b.Local {
		return localBuild
	}

	s := ""
	if b.Stage != mainBranch {
		s = "+" + b.Stage
	}
	return fmt.Sprintf("%s%s %s [%s]", b.Version, s, b.Commit, b.Arch)
}

// Returns the metadata as slog key/value pairs.
func (b BuildInfo) Attrs() []any {
	return []any{
		"version", b.Version,
		"stage", b.Stage,
		"commit", b.Commit,
		"arch", b.Arch,
		"local", b.Local,
	}
}

// Returns the detailed version string of the running binary.
func VersionString() string {
	return Info().String()
}
