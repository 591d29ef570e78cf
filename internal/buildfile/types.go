package buildfile

// File is a parsed build file. The same shape is decoded from YAML/JSON and
// from HCL:
//
//	algorithm = "normal"
//	env = { CFLAGS = "-O2" }
//
//	group "compile" {
//	  task "main.o" {
//	    run     = "${env.CC} -c main.c -o main.o"
//	    inputs  = ["main.c"]
//	    outputs = ["main.o"]
//	    kind    = "cc"
//	    ext_in  = [".c"]
//	    ext_out = [".o"]
//	  }
//	}
type File struct {
	Algorithm string            `json:"algorithm,omitempty" hcl:"algorithm,optional"`
	Dir       string            `json:"dir,omitempty" hcl:"dir,optional"`
	Env       map[string]string `json:"env,omitempty" hcl:"env,optional"`
	Groups    []Group           `json:"groups" hcl:"group,block"`

	// Path is the file the definition was loaded from; relative task
	// directories resolve against its directory.
	Path string `json:"-"`
}

type Group struct {
	Name  string `json:"name" hcl:"name,label"`
	Tasks []Task `json:"tasks" hcl:"task,block"`
}

// Task is one command. Exactly one of Run (shell) and Exec (argv) is set.
type Task struct {
	Name string `json:"name" hcl:"name,label"`
	Run  string `json:"run,omitempty" hcl:"run,optional"`
	Exec string `json:"exec,omitempty" hcl:"exec,optional"`

	Dir     string            `json:"dir,omitempty" hcl:"dir,optional"`
	Env     map[string]string `json:"env,omitempty" hcl:"env,optional"`
	Inputs  []string          `json:"inputs,omitempty" hcl:"inputs,optional"`
	Outputs []string          `json:"outputs,omitempty" hcl:"outputs,optional"`

	Kind   string   `json:"kind,omitempty" hcl:"kind,optional"`
	After  []string `json:"after,omitempty" hcl:"after,optional"`
	Before []string `json:"before,omitempty" hcl:"before,optional"`
	ExtIn  []string `json:"ext_in,omitempty" hcl:"ext_in,optional"`
	ExtOut []string `json:"ext_out,omitempty" hcl:"ext_out,optional"`

	Deps     []string `json:"deps,omitempty" hcl:"deps,optional"`
	MaxJobs  int      `json:"max_jobs,omitempty" hcl:"max_jobs,optional"`
	Always   bool     `json:"always,omitempty" hcl:"always,optional"`
	Discover bool     `json:"discover,omitempty" hcl:"discover,optional"`
	// Timeout is a Go duration string.
	Timeout string `json:"timeout,omitempty" hcl:"timeout,optional"`
}

// Len returns the number of tasks over all groups.
func (f *File) Len() int {
	n := 0
	for _, g := range f.Groups {
		n += len(g.Tasks)
	}
	return n
}
