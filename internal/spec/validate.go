package spec

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"path"
	"regexp"
	"slices"

	"github.com/distribution/reference"
)

// Package managers the component builders know how to drive.
var PackageManagers = []string{"zypper", "apt", "dnf", "apk"}

// Anchored form of the image tag grammar.
var tagPattern = regexp.MustCompile(`^` + reference.TagRegexp.String() + `$`)

// Checks the invariants of a loaded build spec.
//
// All problems are reported together, each wrapping [ErrConfiguration].
func (s *BuildSpec) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...))
	}

	if s.ProjectName == "" {
		fail("ProjectName is required")
	} else if _, err := reference.ParseNormalizedNamed(s.ProjectName); err != nil {
		fail("ProjectName %q is not a valid image name component: %v", s.ProjectName, err)
	}

	if s.BaseImage == "" {
		fail("BaseImage is required")
	} else if _, err := reference.ParseNormalizedNamed(s.BaseImage); err != nil {
		fail("BaseImage %q is not a valid image reference: %v", s.BaseImage, err)
	}

	if !slices.Contains(PackageManagers, s.PackageManager) {
		fail("PackageManager %q is not one of %v", s.PackageManager, PackageManagers)
	}

	if s.Buildah.Path == "" {
		fail("Buildah.Path must not be empty")
	}

	p := s.ApachePulsar
	if p.Version == "" {
		fail("ApachePulsar.Version is required")
	} else if !tagPattern.MatchString(p.Version) {
		fail("ApachePulsar.Version %q is not a valid image tag", p.Version)
	}
	if err := validateURL(p.SourceUrl); err != nil {
		fail("ApachePulsar.SourceUrl: %v", err)
	}
	if !path.IsAbs(p.Prefix) {
		fail("ApachePulsar.Prefix %q must be an absolute path", p.Prefix)
	}
	for _, port := range p.Runtime.Ports {
		if port < 1 || port > 65535 {
			fail("ApachePulsar.Runtime.Ports: %d is out of range", port)
		}
	}
	if p.Runtime.Uid < 0 || p.Runtime.Gid < 0 {
		fail("ApachePulsar.Runtime Uid and Gid must not be negative")
	}

	if s.PostgresSink != nil {
		errs = append(errs, s.PostgresSink.validate()...)
	}

	return errors.Join(errs...)
}

// Checks the connector block: the current version must be declared and
// every version must carry a source URL.
func (c *PostgresSinkConfig) validate() []error {
	var errs []error
	if c.Current == "" {
		errs = append(errs, fmt.Errorf("%w: PostgresSink.Current is required", ErrConfiguration))
	} else if _, ok := c.Versions[c.Current]; !ok {
		errs = append(errs, fmt.Errorf("%w: PostgresSink.Current %q is not declared in PostgresSink.Versions", ErrConfiguration, c.Current))
	}

	for _, name := range slices.Sorted(maps.Keys(c.Versions)) {
		if err := validateURL(c.Versions[name].SourceUrl); err != nil {
			errs = append(errs, fmt.Errorf("%w: PostgresSink.Versions[%s].SourceUrl: %w", ErrConfiguration, name, err))
		}
	}
	return errs
}

// Checks that the Java runtime triple is complete.
func (v JavaVersion) Validate() error {
	if v.Major == "" || v.Minor == "" || v.Build == "" {
		return fmt.Errorf("%w: Java version requires Major, Minor and Build (got %q/%q/%q)", ErrConfiguration, v.Major, v.Minor, v.Build)
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http or https URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
