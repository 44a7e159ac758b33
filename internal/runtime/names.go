package runtime

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// Registry prefix buildah and podman add to unqualified local names.
const localhostDomain = "localhost/"

// Reports whether an image name falls under a name prefix.
//
// The match is anchored at a name boundary: the character following the
// prefix must be ':' or '/', unless the prefix already ends in one. This
// keeps "demo/cache/core/3.2.0" from matching "demo/cache/core/3.2.01". The
// name is also tried in its familiar form, so "localhost/demo/x:1" and
// "docker.io/library/demo:1" match prefixes written without a registry. An
// empty prefix matches nothing.
func HasNamePrefix(name, prefix string) bool {
	if prefix == "" {
		return false
	}
	for _, candidate := range nameForms(name) {
		if hasBoundaryPrefix(candidate, prefix) {
			return true
		}
	}
	return false
}

// Returns the spellings under which a tool may report an image name.
func nameForms(name string) []string {
	forms := []string{name}
	if rest, ok := strings.CutPrefix(name, localhostDomain); ok {
		forms = append(forms, rest)
	}
	if named, err := reference.ParseNormalizedNamed(name); err == nil {
		if familiar := reference.FamiliarString(named); familiar != name {
			forms = append(forms, familiar)
		}
	}
	return forms
}

func hasBoundaryPrefix(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	if len(name) == len(prefix) || strings.HasSuffix(prefix, ":") || strings.HasSuffix(prefix, "/") {
		return true
	}
	next := name[len(prefix)]
	return next == ':' || next == '/'
}

// Reports whether two image names refer to the same image reference once
// normalized.
func SameName(a, b string) bool {
	for _, fa := range nameForms(a) {
		for _, fb := range nameForms(b) {
			if fa == fb {
				return true
			}
		}
	}
	return false
}

// Checks that ref is a valid image reference ("name" or "name:tag").
func ValidateReference(ref string) error {
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return fmt.Errorf("%w: invalid image reference %q: %w", ErrInvalidConfig, ref, err)
	}
	return nil
}

// Checks that name is a bare repository name, without tag or digest.
//
// Names used as a prefix for tagged references must not carry their own tag.
func ValidateRepository(name string) error {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return fmt.Errorf("%w: invalid repository name %q: %w", ErrInvalidConfig, name, err)
	}
	if _, ok := named.(reference.Tagged); ok {
		return fmt.Errorf("%w: repository name %q must not have a tag", ErrInvalidConfig, name)
	}
	if _, ok := named.(reference.Digested); ok {
		return fmt.Errorf("%w: repository name %q must not have a digest", ErrInvalidConfig, name)
	}
	return nil
}
