// Package lvm drives LVM, lvmlockd and sanlock through their command-line
// tools. Client implements backend.VolumeGroups, backend.LockService and
// backend.LogicalVolumes.
package lvm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/command"
	"github.com/onkernel/sharedblock/lib/paths"
)

// exitNotFound is what lvm query commands return for an unknown VG or LV.
const exitNotFound = 5

// Client runs lvm commands.
type Client struct {
	run   command.Runner
	paths *paths.Paths
}

var (
	_ backend.VolumeGroups   = (*Client)(nil)
	_ backend.LockService    = (*Client)(nil)
	_ backend.LogicalVolumes = (*Client)(nil)
)

// New returns a Client.
func New(runner command.Runner, p *paths.Paths) *Client {
	return &Client{run: runner, paths: p}
}

// query runs a reporting command and maps "does not exist" onto ErrNotFound.
func (c *Client) query(ctx context.Context, what string, name string, args ...string) (string, error) {
	out, err := c.run.Run(ctx, name, args...)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%s: %w", what, errors.Join(backend.ErrNotFound, err))
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func isNotFound(err error) bool {
	if command.ExitCode(err) == exitNotFound {
		return true
	}
	var ce *backend.CommandError
	if errors.As(err, &ce) {
		s := ce.Stderr
		return strings.Contains(s, "not found") || strings.Contains(s, "Failed to find")
	}
	return false
}

func isConflict(err error) bool {
	var ce *backend.CommandError
	return errors.As(err, &ce) && strings.Contains(ce.Stderr, "already exists")
}

func bytesArg(n int64) string {
	return strconv.FormatInt(n, 10) + "b"
}

func parseBytes(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSuffix(strings.TrimSpace(s), "B"), 10, 64)
}

// splitTags parses an lvm tag list ("a,b,c").
func splitTags(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// splitPath splits /dev/<vg>/<lv>.
func splitPath(p string) (vg, lv string, err error) {
	parts := strings.Split(strings.TrimPrefix(p, "/dev/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("not an lv path %q: %w", p, backend.ErrUnsupported)
	}
	return parts[0], parts[1], nil
}
