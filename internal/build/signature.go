package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Signature hashes everything that decides a command's outcome: the command
// line, working directory, environment, declared outputs and the content of
// every input.
func Signature(spec Spec) (string, error) {
	h := sha256.New()
	field := func(tag, v string) {
		fmt.Fprintf(h, "%s\x00%d\x00%s\x00", tag, len(v), v)
	}
	field("cmd", spec.Command)
	if spec.Shell {
		field("shell", "1")
	}
	field("dir", spec.Dir)
	for _, kv := range sortedEnv(spec.Env) {
		field("env", kv)
	}
	for _, out := range spec.Outputs {
		field("out", out)
	}
	for _, in := range spec.Inputs {
		field("in", in)
		f, err := os.Open(resolve(spec.Dir, in))
		if err != nil {
			return "", fmt.Errorf("hash input %q: %w", in, err)
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", fmt.Errorf("hash input %q: %w", in, err)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
