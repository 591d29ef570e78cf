package build

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"buildsched/internal/storage"
	"buildsched/internal/task"
	"buildsched/internal/task/scheduler"
	logx "buildsched/pkg/logx"
)

func newRuntime(t *testing.T, withStore bool) *Runtime {
	t.Helper()
	rt := &Runtime{Log: logx.Nop(), Out: &bytes.Buffer{}}
	if withStore {
		st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "sigs.json")}, logx.Nop())
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		rt.Store = st
	}
	return rt
}

// runTask drives one task the way the scheduler and a worker would.
func runTask(t *testing.T, c task.Task) task.Result {
	t.Helper()
	var r task.Readiness
	res := task.Call(func() error {
		var err error
		r, err = c.Readiness()
		return err
	})
	if res.Status != task.Success {
		return task.Result{Status: task.ExceptionFailure, Err: res.Err}
	}
	switch r {
	case task.Skip:
		return task.Result{Status: task.Skipped}
	case task.AskLater:
		t.Fatalf("%s: unexpected AskLater", c.ID())
	}
	ctx := context.Background()
	res = task.Call(func() error { return c.Run(ctx) })
	if res.Status == task.Success {
		res = task.Call(func() error { return c.PostRun(ctx) })
		if res.Status == task.LogicFailure {
			res.Status = task.ExceptionFailure
		}
	}
	return res
}

func TestArgvSplitsWithQuoting(t *testing.T) {
	got, err := Argv(Spec{Command: `cc -o "a b.o" -DX='1 2' x.c`})
	if err != nil {
		t.Fatalf("Argv: %v", err)
	}
	want := []string{"cc", "-o", "a b.o", "-DX=1 2", "x.c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("argv = %q, want %q", got, want)
	}
	sh, _ := Argv(Spec{Command: "echo hi | wc -c", Shell: true})
	if !reflect.DeepEqual(sh, []string{"sh", "-c", "echo hi | wc -c"}) {
		t.Fatalf("shell argv = %q", sh)
	}
	if _, err := Argv(Spec{Command: "   "}); err != ErrEmptyCommand {
		t.Fatalf("empty command err = %v", err)
	}
}

func TestCommandRunsAndSkipsWhenUpToDate(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "in.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := newRuntime(t, true)
	spec := Spec{
		Name:    "copy",
		Command: "cp in.txt out.txt && echo copied",
		Shell:   true,
		Dir:     dir,
		Inputs:  []string{"in.txt"},
		Outputs: []string{"out.txt"},
	}

	if res := runTask(t, NewCommand(spec, rt)); res.Status != task.Success {
		t.Fatalf("first run: %+v", res)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "out.txt")); string(b) != "hello" {
		t.Fatalf("out.txt = %q", b)
	}
	if out := rt.Out.(*bytes.Buffer).String(); !strings.Contains(out, "copied") {
		t.Fatalf("output not flushed: %q", out)
	}

	if res := runTask(t, NewCommand(spec, rt)); res.Status != task.Skipped {
		t.Fatalf("second run should be skipped, got %s", res.Status)
	}

	// Changing an input invalidates the signature.
	if err := os.WriteFile(filepath.Join(dir, "in.txt"), []byte("bye"), 0o644); err != nil {
		t.Fatal(err)
	}
	if res := runTask(t, NewCommand(spec, rt)); res.Status != task.Success {
		t.Fatalf("rerun after change: %+v", res)
	}

	// A deleted output forces a rerun too.
	_ = os.Remove(filepath.Join(dir, "out.txt"))
	if res := runTask(t, NewCommand(spec, rt)); res.Status != task.Success {
		t.Fatalf("rerun after delete: %+v", res)
	}

	always := spec
	always.Always = true
	if res := runTask(t, NewCommand(always, rt)); res.Status != task.Success {
		t.Fatalf("always: %+v", res)
	}
}

func TestCommandWithoutStoreNeverSkips(t *testing.T) {
	dir := t.TempDir()
	rt := newRuntime(t, false)
	spec := Spec{Name: "touch", Command: "touch out", Dir: dir, Outputs: []string{"out"}}
	for i := 0; i < 2; i++ {
		if res := runTask(t, NewCommand(spec, rt)); res.Status != task.Success {
			t.Fatalf("run %d: %+v", i, res)
		}
	}
}

func TestCommandFailureKinds(t *testing.T) {
	rt := newRuntime(t, false)
	dir := t.TempDir()

	res := runTask(t, NewCommand(Spec{Name: "exit", Command: "exit 3", Shell: true}, rt))
	if res.Status != task.LogicFailure || !strings.Contains(res.Err.Error(), "exit status 3") {
		t.Fatalf("nonzero exit: %+v", res)
	}

	res = runTask(t, NewCommand(Spec{Name: "nope", Command: "/definitely/not/a/program --x"}, rt))
	if res.Status != task.ExceptionFailure {
		t.Fatalf("spawn error: %+v", res)
	}

	res = runTask(t, NewCommand(Spec{Name: "noout", Command: "true", Dir: dir, Outputs: []string{"never"}}, rt))
	if res.Status != task.ExceptionFailure || !strings.Contains(res.Err.Error(), "missing output") {
		t.Fatalf("missing output: %+v", res)
	}

	res = runTask(t, NewCommand(Spec{Name: "noin", Command: "true", Dir: dir, Inputs: []string{"absent.c"}}, rt))
	if res.Status != task.ExceptionFailure || !strings.Contains(res.Err.Error(), "missing input") {
		t.Fatalf("missing input: %+v", res)
	}
}

func TestCommandTimeout(t *testing.T) {
	rt := newRuntime(t, false)
	c := NewCommand(Spec{Name: "slow", Command: "exec sleep 5", Shell: true, Timeout: 50 * time.Millisecond}, rt)
	start := time.Now()
	res := runTask(t, c)
	if res.Status != task.LogicFailure || !strings.Contains(res.Err.Error(), "timed out") {
		t.Fatalf("timeout: %+v", res)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout not enforced: %s", time.Since(start))
	}
}

func TestCommandDependencies(t *testing.T) {
	rt := newRuntime(t, false)
	dep := NewCommand(Spec{Name: "dep", Command: "true"}, rt)
	c := NewCommand(Spec{Name: "c", Command: "true"}, rt)
	c.RunAfter(dep)
	c.RunAfter(dep)
	c.RunAfter(c)
	if n := len(c.deps()); n != 1 {
		t.Fatalf("deps = %d, want 1", n)
	}

	if r, _ := c.Readiness(); r != task.AskLater {
		t.Fatalf("readiness with pending dep = %s", r)
	}
	dep.SetStatus(task.Skipped)
	if r, _ := c.Readiness(); r != task.Proceed {
		t.Fatalf("readiness after up-to-date dep = %s", r)
	}
	dep.SetStatus(task.LogicFailure)
	if r, _ := c.Readiness(); r != task.Skip || !c.Blocked() {
		t.Fatalf("readiness after failed dep = %s blocked=%v", r, c.Blocked())
	}

	// A command blocked by a failure blocks its own dependents.
	d := NewCommand(Spec{Name: "d", Command: "true"}, rt)
	d.RunAfter(c)
	c.SetStatus(task.Skipped)
	if r, _ := d.Readiness(); r != task.Skip {
		t.Fatalf("transitive readiness = %s", r)
	}
}

func TestCommandDiscoversFollowOns(t *testing.T) {
	rt := newRuntime(t, false)
	dir := t.TempDir()
	c := NewCommand(Spec{
		Name:     "gen",
		Command:  "printf 'touch a\\n\\ntouch b\\n'",
		Shell:    true,
		Dir:      dir,
		Discover: true,
	}, rt)
	if res := runTask(t, c); res.Status != task.Success {
		t.Fatalf("gen: %+v", res)
	}
	kids := c.FollowOn()
	if len(kids) != 2 {
		t.Fatalf("follow-ons = %d, want 2", len(kids))
	}
	if kids[0].ID() != "gen#1" || kids[1].ID() != "gen#3" {
		t.Fatalf("ids = %s %s", kids[0].ID(), kids[1].ID())
	}
	for _, k := range kids {
		if res := runTask(t, k); res.Status != task.Success {
			t.Fatalf("%s: %+v", k.ID(), res)
		}
	}
	for _, f := range []string{"a", "b"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("%s not created: %v", f, err)
		}
	}
	if out := rt.Out.(*bytes.Buffer).String(); strings.Contains(out, "touch") {
		t.Fatalf("discovery output should not be echoed: %q", out)
	}
}

func TestSignatureCoversEnvAndCommand(t *testing.T) {
	base := Spec{Command: "make", Env: map[string]string{"A": "1", "B": "2"}}
	s1, err := Signature(base)
	if err != nil {
		t.Fatal(err)
	}
	same := Spec{Command: "make", Env: map[string]string{"B": "2", "A": "1"}}
	if s2, _ := Signature(same); s2 != s1 {
		t.Fatalf("env order changed signature")
	}
	changed := Spec{Command: "make", Env: map[string]string{"A": "1", "B": "3"}}
	if s3, _ := Signature(changed); s3 == s1 {
		t.Fatalf("env change kept signature")
	}
	other := Spec{Command: "make all", Env: base.Env}
	if s4, _ := Signature(other); s4 == s1 {
		t.Fatalf("command change kept signature")
	}
}

func TestCommandsThroughScheduler(t *testing.T) {
	dir := t.TempDir()
	rt := newRuntime(t, true)
	gen := NewCommand(Spec{Name: "gen", Command: "echo 'int x;' > x.c", Shell: true, Dir: dir, Outputs: []string{"x.c"}}, rt)
	cc := NewCommand(Spec{Name: "cc", Command: "cp x.c x.o", Shell: true, Dir: dir, Inputs: []string{"x.c"}, Outputs: []string{"x.o"}}, rt)
	bad := NewCommand(Spec{Name: "bad", Command: "false", Shell: true}, rt)
	after := NewCommand(Spec{Name: "after-bad", Command: "true", Shell: true}, rt)
	cc.RunAfter(gen)
	after.RunAfter(bad)

	s := scheduler.New(scheduler.NewSliceSource(cc, gen, bad, after),
		scheduler.WithWorkers(2), scheduler.WithKeepGoing(true), scheduler.WithDeadlockDetection(true))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx); err == nil {
		t.Fatalf("expected failure from bad")
	}
	want := map[string]task.Status{"gen": task.Success, "cc": task.Success, "bad": task.LogicFailure, "after-bad": task.Skipped}
	for _, c := range []*Command{gen, cc, bad, after} {
		if c.Status() != want[c.Name] {
			t.Fatalf("%s: status %s, want %s", c.Name, c.Status(), want[c.Name])
		}
	}
}
