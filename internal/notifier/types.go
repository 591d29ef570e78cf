package notifier

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("notifier disabled")
	ErrRejected = errors.New("webhook rejected notification")
)

// Policy selects which results are sent.
type Policy string

const (
	OnFailure Policy = "failure"
	OnAlways  Policy = "always"
	OnChange  Policy = "change"
)

// ParsePolicy accepts "" (failure), failure, always and change.
func ParsePolicy(s string) (Policy, bool) {
	switch Policy(s) {
	case "", OnFailure:
		return OnFailure, true
	case OnAlways, OnChange:
		return Policy(s), true
	default:
		return "", false
	}
}

// Config controls the webhook. An empty URL disables it.
type Config struct {
	URL           string
	On            Policy
	Timeout       time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// MinInterval spaces out messages; watch mode can finish builds in quick
	// succession.
	MinInterval time.Duration
}

// Result is the JSON body posted to the webhook.
type Result struct {
	RunID     string        `json:"run_id"`
	BuildFile string        `json:"build_file"`
	OK        bool          `json:"ok"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Crashed   int           `json:"crashed"`
	Skipped   int           `json:"skipped"`
	NotRun    int           `json:"not_run"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// Event is published on the bus after each delivery attempt.
type Event struct {
	RunID    string    `json:"run_id"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
