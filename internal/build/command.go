package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"buildsched/internal/task"
	"buildsched/internal/task/group"
	logx "buildsched/pkg/logx"
)

// Spec describes one command.
type Spec struct {
	Name string
	// Command is run through "sh -c" when Shell is set, otherwise it is
	// split into argv with shell quoting rules and executed directly.
	Command string
	Shell   bool
	Dir     string
	Env     map[string]string

	Inputs  []string
	Outputs []string

	Kind   string
	After  []string
	Before []string
	ExtIn  []string
	ExtOut []string

	// Deps name tasks that must be terminal before this one runs.
	Deps    []string
	MaxJobs int
	// Always disables the up-to-date check.
	Always bool
	// Discover turns every non-empty stdout line into a follow-on command.
	Discover bool
	Timeout  time.Duration
}

var ErrEmptyCommand = errors.New("empty command")

// Command is a task running an external program.
type Command struct {
	task.Base

	spec Spec
	rt   *Runtime

	mu       sync.Mutex
	runAfter []task.Task

	// blocked is set when the command was skipped because a dependency failed.
	blocked atomic.Bool
	// sig is computed by Readiness on the scheduler goroutine and read by
	// PostRun on a worker after the dispatch handoff.
	sig string
}

// NewCommand returns a command task. rt may be shared by many commands.
func NewCommand(spec Spec, rt *Runtime) *Command {
	spec.Name = strings.TrimSpace(spec.Name)
	return &Command{Base: task.Base{Name: spec.Name}, spec: spec, rt: rt}
}

func (c *Command) Spec() Spec { return c.spec }

// Constraints implements group.Constrained.
func (c *Command) Constraints() group.Constraints {
	return group.Constraints{
		Kind:    c.spec.Kind,
		After:   c.spec.After,
		Before:  c.spec.Before,
		ExtIn:   c.spec.ExtIn,
		ExtOut:  c.spec.ExtOut,
		MaxJobs: c.spec.MaxJobs,
	}
}

// RunAfter implements group.Orderer.
func (c *Command) RunAfter(t task.Task) {
	if t == nil || t == task.Task(c) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, x := range c.runAfter {
		if x == t {
			return
		}
	}
	c.runAfter = append(c.runAfter, t)
}

func (c *Command) deps() []task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]task.Task(nil), c.runAfter...)
}

// Blocked reports whether the command was skipped because a dependency failed.
func (c *Command) Blocked() bool { return c.blocked.Load() }

func (c *Command) log() logx.Logger {
	return c.rt.logger().With(logx.String("task", c.Name))
}

func (c *Command) key() string { return "cmd:" + c.Name }

func (c *Command) path(p string) string { return resolve(c.spec.Dir, p) }

// OutputPaths returns the declared outputs resolved against the command dir.
func (c *Command) OutputPaths() []string {
	out := make([]string, 0, len(c.spec.Outputs))
	for _, o := range c.spec.Outputs {
		out = append(out, c.path(o))
	}
	return out
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

func depFailed(t task.Task) bool {
	if t.Status().Failed() {
		return true
	}
	b, ok := t.(interface{ Blocked() bool })
	return ok && b.Blocked()
}

// Readiness implements task.Task.
func (c *Command) Readiness() (task.Readiness, error) {
	deps := c.deps()
	for _, d := range deps {
		if !d.Status().Terminal() {
			return task.AskLater, nil
		}
	}
	for _, d := range deps {
		if depFailed(d) {
			c.blocked.Store(true)
			c.log().Debug("skipped: dependency failed", logx.String("dep", d.ID()))
			return task.Skip, nil
		}
	}

	for _, in := range c.spec.Inputs {
		if _, err := os.Stat(c.path(in)); err != nil {
			return task.Proceed, fmt.Errorf("missing input %q: %w", in, err)
		}
	}

	st := c.rt.store()
	if st == nil {
		return task.Proceed, nil
	}
	sig, err := Signature(c.spec)
	if err != nil {
		return task.Proceed, err
	}
	c.sig = sig
	if c.spec.Always || len(c.spec.Outputs) == 0 {
		return task.Proceed, nil
	}

	prev, ok, err := st.GetSignature(context.Background(), c.key())
	if err != nil {
		c.log().Warn("signature lookup failed; running", logx.Err(err))
		return task.Proceed, nil
	}
	if !ok || prev != sig {
		return task.Proceed, nil
	}
	for _, out := range c.spec.Outputs {
		if _, err := os.Stat(c.path(out)); err != nil {
			return task.Proceed, nil
		}
	}
	c.log().Debug("up to date")
	return task.Skip, nil
}

// Run implements task.Task.
func (c *Command) Run(ctx context.Context) error {
	if c.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.spec.Timeout)
		defer cancel()
	}
	res, err := execute(ctx, c.spec)
	c.rt.flush(res.stdoutForDisplay(c.spec.Discover), res.stderr)
	if err != nil {
		return err
	}
	if c.spec.Discover {
		c.AddFollowOn(c.discovered(res.stdout)...)
	}
	return nil
}

func (c *Command) discovered(stdout []byte) []task.Task {
	var out []task.Task
	for i, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		spec := Spec{
			Name:    fmt.Sprintf("%s#%d", c.Name, i+1),
			Command: line,
			Shell:   true,
			Dir:     c.spec.Dir,
			Env:     c.spec.Env,
			Kind:    c.spec.Kind,
			Always:  true,
			Timeout: c.spec.Timeout,
		}
		out = append(out, NewCommand(spec, c.rt))
	}
	if len(out) > 0 {
		c.log().Debug("discovered follow-on commands", logx.Int("count", len(out)))
	}
	return out
}

// PostRun implements task.Task. Declared outputs must exist; the signature is
// stored only then.
func (c *Command) PostRun(ctx context.Context) error {
	for _, out := range c.spec.Outputs {
		if _, err := os.Stat(c.path(out)); err != nil {
			return task.Exception(fmt.Errorf("missing output %q", out))
		}
	}
	st := c.rt.store()
	if st == nil || c.sig == "" {
		return nil
	}
	if err := st.PutSignature(ctx, c.key(), c.sig); err != nil {
		c.log().Warn("signature store failed", logx.Err(err))
	}
	return nil
}

func (c *Command) String() string {
	if c.spec.Kind == "" {
		return c.Name
	}
	return c.spec.Kind + ": " + c.Name
}
