package gdal

import (
	"bytes"
	"context"
	"os"
	"os/exec"
)

// Result holds the captured output of one tool invocation.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes an external command. A non-nil error means the command could not
// be started or exited non-zero; Result is still returned so stderr can be reported.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Env []string // appended to the current environment
}

// Run starts the command detached from ctx cancellation: a conversion that has
// started is always allowed to finish. Only values carried by ctx are kept.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(context.WithoutCancel(ctx), name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
}
