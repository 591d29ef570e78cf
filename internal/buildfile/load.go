package buildfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"buildsched/internal/config"
)

// Load reads and validates the build file at path. The format follows the
// extension: .yaml/.yml/.json or .hcl.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b, os.Environ())
}

// Parse decodes data as the build file named path. environ ("K=V" pairs) is
// exposed to HCL files as the env object.
func Parse(path string, data []byte, environ []string) (*File, error) {
	var (
		f   *File
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		f, err = parseYAML(path, data)
	case ".hcl":
		f, err = parseHCL(path, data, environ)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	f.Path = path
	if err := Validate(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func parseYAML(path string, data []byte) (*File, error) {
	var f File
	if err := config.DecodeStrict(path, data, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func parseHCL(path string, data []byte, environ []string) (*File, error) {
	parser := hclparse.NewParser()
	hf, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	var f File
	diags = gohcl.DecodeBody(hf.Body, evalContext(environ), &f)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}
	return &f, nil
}

// evalContext exposes the environment as env.NAME plus a few string helpers.
func evalContext(environ []string) *hcl.EvalContext {
	vars := map[string]cty.Value{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || !hclsyntax.ValidIdentifier(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
		Functions: map[string]function.Function{
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"trim":   stdlib.TrimSpaceFunc,
			"join":   stdlib.JoinFunc,
			"concat": stdlib.ConcatFunc,
			"format": stdlib.FormatFunc,
		},
	}
}

// Validate checks names, commands and dependencies. A dependency must live in
// the same group or an earlier one: groups run in order, so a later one would
// never finish first.
func Validate(f *File) error {
	if f == nil {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	groupOf := map[string]int{}
	groupNames := map[string]struct{}{}
	for gi, g := range f.Groups {
		if g.Name != "" {
			if _, dup := groupNames[g.Name]; dup {
				add("duplicate group %q", g.Name)
			}
			groupNames[g.Name] = struct{}{}
		}
		for _, t := range g.Tasks {
			name := strings.TrimSpace(t.Name)
			if name == "" {
				add("group %q: task without a name", g.Name)
				continue
			}
			if _, dup := groupOf[name]; dup {
				add("duplicate task %q", name)
			}
			groupOf[name] = gi
		}
	}

	for gi, g := range f.Groups {
		for _, t := range g.Tasks {
			name := strings.TrimSpace(t.Name)
			run, exec := strings.TrimSpace(t.Run), strings.TrimSpace(t.Exec)
			switch {
			case run == "" && exec == "":
				add("task %q: one of run or exec is required", name)
			case run != "" && exec != "":
				add("task %q: run and exec are exclusive", name)
			}
			if t.MaxJobs < 0 {
				add("task %q: max_jobs must be >= 0", name)
			}
			if _, err := config.ParseDurationField("task "+name+" timeout", t.Timeout); err != nil {
				add("%v", err)
			}
			for _, d := range t.Deps {
				dg, ok := groupOf[d]
				switch {
				case !ok:
					add("task %q: unknown dependency %q", name, d)
				case d == name:
					add("task %q: depends on itself", name)
				case dg > gi:
					add("task %q: dependency %q is in a later group", name, d)
				}
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}
