package backend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a VG, LV, image or disk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an operation would create something that already exists.
	ErrConflict = errors.New("already exists")

	// ErrBackend wraps failures reported by the storage tooling itself.
	ErrBackend = errors.New("backend failure")

	// ErrIntegrity is returned when a verification step finds divergent data.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrUnsupported is returned for requests the agent refuses before touching storage.
	ErrUnsupported = errors.New("unsupported operation")
)

// CommandError describes a failed invocation of an external storage tool.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Name, strings.Join(e.Args, " "))
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap lets errors.Is match both ErrBackend and the underlying cause.
func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBackend}
	}
	return []error{ErrBackend, e.Err}
}

// IgnoreNotFound returns nil if err is a not-found error.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
