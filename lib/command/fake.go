package command

import (
	"context"
	"strings"
	"sync"

	"github.com/onkernel/sharedblock/lib/backend"
)

// Fake is a scripted Runner for tests. Responses are matched by the
// longest registered prefix of the full command line.
type Fake struct {
	mu        sync.Mutex
	responses map[string]FakeResponse
	Calls     []string
}

// FakeResponse is what Fake returns for a matching command.
type FakeResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// NewFake returns a Fake that succeeds with empty output by default.
func NewFake() *Fake {
	return &Fake{responses: make(map[string]FakeResponse)}
}

// On registers the response for commands starting with prefix.
func (f *Fake) On(prefix string, r FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = r
}

// OnOutput registers a successful response with stdout.
func (f *Fake) OnOutput(prefix, stdout string) {
	f.On(prefix, FakeResponse{Stdout: stdout})
}

// Ran reports whether a recorded call starts with prefix.
func (f *Fake) Ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := strings.Join(append([]string{name}, args...), " ")
	f.Calls = append(f.Calls, line)

	best, found := "", false
	for p := range f.responses {
		if strings.HasPrefix(line, p) && len(p) >= len(best) {
			best, found = p, true
		}
	}
	if !found {
		return nil, nil
	}
	r := f.responses[best]
	if r.ExitCode != 0 {
		return []byte(r.Stdout), &backend.CommandError{Name: name, Args: args, ExitCode: r.ExitCode, Stderr: r.Stderr}
	}
	return []byte(r.Stdout), nil
}
