package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"

	"buildsched/internal/task"
)

// waitDelay bounds how long output pipes are drained after a killed
// command exits.
const waitDelay = 2 * time.Second

type execResult struct {
	stdout []byte
	stderr []byte
	code   int
}

// stdoutForDisplay hides stdout of discovering commands: it is consumed as
// the list of follow-on commands.
func (r execResult) stdoutForDisplay(discover bool) []byte {
	if discover {
		return nil
	}
	return r.stdout
}

// Argv returns the program and arguments spec runs.
func Argv(spec Spec) ([]string, error) {
	cmd := strings.TrimSpace(spec.Command)
	if cmd == "" {
		return nil, ErrEmptyCommand
	}
	if spec.Shell {
		return []string{"sh", "-c", cmd}, nil
	}
	argv, err := shlex.Split(cmd)
	if err != nil {
		return nil, fmt.Errorf("split command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// execute runs spec. A nonzero exit is returned as a plain error; anything
// that kept the program from running is wrapped with task.Exception.
func execute(ctx context.Context, spec Spec) (execResult, error) {
	argv, err := Argv(spec)
	if err != nil {
		return execResult{}, task.Exception(err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = environ(spec.Env)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err = cmd.Run()
	res := execResult{stdout: stdout.Bytes(), stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var ee *exec.ExitError
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.code = -1
		return res, fmt.Errorf("%s: timed out", argv[0])
	case errors.As(err, &ee):
		res.code = ee.ExitCode()
		return res, fmt.Errorf("%s: exit status %d", argv[0], res.code)
	default:
		return res, task.Exception(fmt.Errorf("spawn %s: %w", argv[0], err))
	}
}

// environ returns the process environment with extra applied on top, sorted
// by key for stable output.
func environ(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	return append(os.Environ(), sortedEnv(extra)...)
}

func sortedEnv(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
