package build

import (
	"io"
	"sync"

	"buildsched/internal/storage"
	logx "buildsched/pkg/logx"
)

// Runtime is shared by every Command of a build.
type Runtime struct {
	// Store holds signatures. Nil disables up-to-date checks.
	Store storage.Store
	Log   logx.Logger
	// Out receives the captured output of each command once it finished.
	// Nil discards it.
	Out io.Writer

	mu sync.Mutex
}

func (r *Runtime) logger() logx.Logger {
	if r == nil || r.Log.IsZero() {
		return logx.Nop()
	}
	return r.Log
}

func (r *Runtime) store() storage.Store {
	if r == nil {
		return nil
	}
	return r.Store
}

// flush writes one command's output as a block so parallel commands do not
// interleave.
func (r *Runtime) flush(chunks ...[]byte) {
	if r == nil || r.Out == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range chunks {
		if len(b) > 0 {
			_, _ = r.Out.Write(b)
		}
	}
}
