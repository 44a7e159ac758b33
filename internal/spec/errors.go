package spec

import "errors"

var (
	ErrConfiguration = errors.New("configuration error")
	ErrLoad          = errors.New("failed to load build specification")
)
