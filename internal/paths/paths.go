package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "pulsar-setup"

	// Build specification path relative to a stack repository root.
	DefaultSpec = "configs/build.yaml"

	// File name of the build specification in configuration directories.
	specFileName = "build.yaml"
)

// Path to the user configuration directory.
//
//	Linux:   $XDG_CONFIG_HOME/pulsar-setup or ~/.config/pulsar-setup
//	macOS:   ~/Library/Application Support/pulsar-setup
func Config() string {
	return filepath.Join(xdg.ConfigHome, toolName)
}

// Resolves the build specification path.
//
// An explicit path is returned unchanged. Otherwise [DefaultSpec] is used
// when it exists in the working directory, then build.yaml under the XDG
// configuration directories. When nothing is found [DefaultSpec] is returned
// so that the error names the conventional location.
func SpecFile(explicit string) string {
	if explicit != "" {
		return explicit
	}

	if _, err := os.Stat(DefaultSpec); err == nil {
		return DefaultSpec
	}

	if found, err := xdg.SearchConfigFile(filepath.Join(toolName, specFileName)); err == nil {
		return found
	}

	return DefaultSpec
}
