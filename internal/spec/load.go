package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Reads, defaults, and validates the build specification at path.
func Load(path string) (*BuildSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slog.Debug("build specification loaded", "path", path, "project", s.ProjectName, "version", s.ApachePulsar.Version)
	return s, nil
}

// Decodes and validates a build specification document.
//
// Unknown keys are rejected so that typos surface as errors instead of
// silently falling back to defaults.
func Parse(data []byte) (*BuildSpec, error) {
	s := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrLoad)
		}
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
