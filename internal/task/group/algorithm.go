package group

import (
	"fmt"
	"strings"
)

// Algorithm selects how a group is cut into batches.
type Algorithm int

const (
	// Normal returns every constraint set that has no pending predecessor.
	Normal Algorithm = iota
	// JobControl is Normal, further split by per-task MaxJobs; each batch
	// carries the smallest cap as its ceiling.
	JobControl
	// MaxParallel returns the whole group at once and leaves ordering to
	// per-task run-after edges checked at readiness time.
	MaxParallel
)

func (a Algorithm) String() string {
	switch a {
	case Normal:
		return "normal"
	case JobControl:
		return "jobcontrol"
	case MaxParallel:
		return "maxparallel"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "_", ""))) {
	case "", "normal":
		return Normal, nil
	case "jobcontrol", "maxjobs":
		return JobControl, nil
	case "maxparallel":
		return MaxParallel, nil
	default:
		return Normal, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}
