// Package command runs the host's storage tools.
package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/logger"
)

// Runner executes an external command and returns its stdout.
// Failures are returned as *backend.CommandError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Exec runs commands with os/exec.
type Exec struct{}

// NewExec returns a Runner backed by os/exec.
func NewExec() *Exec {
	return &Exec{}
}

func (Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	log.DebugContext(ctx, "ran command", "cmd", name, "args", strings.Join(args, " "),
		"duration_ms", time.Since(start).Milliseconds(), "error", err)
	if err == nil {
		return stdout.Bytes(), nil
	}

	ce := &backend.CommandError{Name: name, Args: args, Stderr: stderr.String(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		ce.Err = ctxErr
	}
	return stdout.Bytes(), ce
}

// ExitCode returns the exit status carried by err, or -1.
func ExitCode(err error) int {
	var ce *backend.CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}
