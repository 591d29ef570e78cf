package buildfile

import (
	"maps"
	"path/filepath"
	"strings"

	"buildsched/internal/build"
	"buildsched/internal/config"
	"buildsched/internal/task/group"
)

// Options tune Build.
type Options struct {
	// Algorithm overrides the file's algorithm when set.
	Algorithm string
	Manager   []group.Option
}

// Build turns f into a manager of commands sharing rt. Dependencies become
// run-after edges.
func Build(f *File, rt *build.Runtime, opts Options) (*group.Manager, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}
	algName := f.Algorithm
	if strings.TrimSpace(opts.Algorithm) != "" {
		algName = opts.Algorithm
	}
	alg, err := group.ParseAlgorithm(algName)
	if err != nil {
		return nil, err
	}

	m := group.NewManager(alg, opts.Manager...)
	byName := map[string]*build.Command{}
	for _, g := range f.Groups {
		grp, err := m.AddGroup(g.Name)
		if err != nil {
			return nil, err
		}
		for _, t := range g.Tasks {
			c := build.NewCommand(f.spec(t), rt)
			byName[c.Name] = c
			grp.Add(c)
		}
	}
	for _, g := range f.Groups {
		for _, t := range g.Tasks {
			c := byName[strings.TrimSpace(t.Name)]
			for _, d := range t.Deps {
				c.RunAfter(byName[d])
			}
		}
	}
	return m, nil
}

// spec resolves t against the file: directories are relative to the build
// file, environments are merged with the task's entries winning.
func (f *File) spec(t Task) build.Spec {
	base := ""
	if f.Path != "" {
		base = filepath.Dir(f.Path)
	}
	dir := join(base, f.Dir)
	dir = join(dir, t.Dir)

	var env map[string]string
	if len(f.Env) > 0 || len(t.Env) > 0 {
		env = maps.Clone(f.Env)
		if env == nil {
			env = map[string]string{}
		}
		maps.Copy(env, t.Env)
	}

	cmd, shell := strings.TrimSpace(t.Run), true
	if cmd == "" {
		cmd, shell = strings.TrimSpace(t.Exec), false
	}
	timeout, _ := config.ParseDurationField("timeout", t.Timeout)

	return build.Spec{
		Name:     strings.TrimSpace(t.Name),
		Command:  cmd,
		Shell:    shell,
		Dir:      dir,
		Env:      env,
		Inputs:   t.Inputs,
		Outputs:  t.Outputs,
		Kind:     t.Kind,
		After:    t.After,
		Before:   t.Before,
		ExtIn:    t.ExtIn,
		ExtOut:   t.ExtOut,
		Deps:     t.Deps,
		MaxJobs:  t.MaxJobs,
		Always:   t.Always,
		Discover: t.Discover,
		Timeout:  timeout,
	}
}

func join(base, p string) string {
	switch {
	case p == "":
		return base
	case filepath.IsAbs(p) || base == "":
		return p
	default:
		return filepath.Join(base, p)
	}
}
