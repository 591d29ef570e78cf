package buildfile

import "errors"

var (
	ErrUnknownFormat = errors.New("unknown build file format")
	ErrInvalid       = errors.New("invalid build file")
)
