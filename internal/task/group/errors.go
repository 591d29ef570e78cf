package group

import "errors"

var (
	ErrCircularConstraint = errors.New("circular order constraint")
	ErrDuplicateGroup     = errors.New("group already exists")
	ErrUnknownAlgorithm   = errors.New("unknown scheduling algorithm")
)
