package lvm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/logger"
)

func (c *Client) Rescan(ctx context.Context) error {
	if _, err := c.run.Run(ctx, "pvscan", "--cache"); err != nil {
		return err
	}
	_, err := c.run.Run(ctx, "vgscan", "--cache")
	return err
}

func (c *Client) VGExists(ctx context.Context, vg string) (bool, error) {
	_, err := c.query(ctx, "volume group "+vg, "vgs", "--nolocking", "--noheadings", "-o", "vg_name", vg)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) VGTags(ctx context.Context, vg string) ([]string, error) {
	out, err := c.query(ctx, "volume group "+vg, "vgs", "--nolocking", "--noheadings", "-o", "vg_tags", vg)
	if err != nil {
		return nil, err
	}
	return splitTags(out), nil
}

func (c *Client) CreateVG(ctx context.Context, vg string, members []string, tag string, metadataSize int64) error {
	args := []string{"-qq", "--shared", "--addtag", tag, "--metadatasize", bytesArg(metadataSize), vg}
	_, err := c.run.Run(ctx, "vgcreate", append(args, members...)...)
	if isConflict(err) {
		return fmt.Errorf("volume group %s: %w", vg, errors.Join(backend.ErrConflict, err))
	}
	return err
}

func (c *Client) VGSize(ctx context.Context, vg string) (backend.Capacity, error) {
	out, err := c.query(ctx, "volume group "+vg, "vgs", "--nolocking", "--noheadings", "--units", "b", "--nosuffix",
		"--separator", "|", "-o", "vg_size,vg_free", vg)
	if err != nil {
		return backend.Capacity{}, err
	}
	fields := strings.Split(out, "|")
	if len(fields) != 2 {
		return backend.Capacity{}, fmt.Errorf("unexpected vgs output %q: %w", out, backend.ErrBackend)
	}
	total, err := parseBytes(fields[0])
	if err != nil {
		return backend.Capacity{}, fmt.Errorf("parse vg size: %w", err)
	}
	free, err := parseBytes(fields[1])
	if err != nil {
		return backend.Capacity{}, fmt.Errorf("parse vg free: %w", err)
	}
	return backend.Capacity{Total: total, Available: free}, nil
}

func (c *Client) AddMember(ctx context.Context, vg, device string, metadataSize int64) error {
	owner, err := c.query(ctx, "physical volume "+device, "pvs", "--nolocking", "--noheadings", "-o", "vg_name", device)
	if err == nil && owner == vg {
		return nil
	}
	_, err = c.run.Run(ctx, "vgextend", "-qq", "--metadatasize", bytesArg(metadataSize), vg, device)
	return err
}

func (c *Client) AddVGTag(ctx context.Context, vg, tag string) error {
	_, err := c.run.Run(ctx, "vgchange", "--addtag", tag, vg)
	return err
}

func (c *Client) RemoveVGTag(ctx context.Context, vg, tag string) error {
	_, err := c.run.Run(ctx, "vgchange", "--deltag", tag, vg)
	return err
}

func (c *Client) WipeSignatures(ctx context.Context, devices []string) error {
	if len(devices) == 0 {
		return nil
	}
	_, err := c.run.Run(ctx, "wipefs", append([]string{"-af"}, devices...)...)
	return err
}

func (c *Client) StartVGLock(ctx context.Context, vg string) error {
	_, err := c.run.Run(ctx, "vgchange", "--lock-start", vg)
	return err
}

func (c *Client) StopVGLock(ctx context.Context, vg string) error {
	_, err := c.run.Run(ctx, "vgchange", "--lock-stop", vg)
	return err
}

func (c *Client) DropVGLock(ctx context.Context, vg string) error {
	_, err := c.run.Run(ctx, "lvmlockctl", "--drop", vg)
	return err
}

func (c *Client) CheckVGLock(ctx context.Context, vg string) error {
	_, err := c.run.Run(ctx, "vgck", vg)
	return err
}

// HostID reads the sanlock host id this host joined vg's lockspace with.
func (c *Client) HostID(ctx context.Context, vg string) (int, error) {
	out, err := c.run.Run(ctx, "sanlock", "client", "gets")
	if err != nil {
		return 0, err
	}
	return parseHostID(string(out), vg)
}

// parseHostID finds "s lvm_<vg>:<id>:..." in `sanlock client gets` output.
func parseHostID(out, vg string) (int, error) {
	prefix := "s lvm_" + vg + ":"
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		idStr, _, _ := strings.Cut(strings.TrimPrefix(line, prefix), ":")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return 0, fmt.Errorf("parse sanlock host id %q: %w", line, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("lockspace of %s: %w", vg, backend.ErrNotFound)
}

func (c *Client) VGUUID(ctx context.Context, vg string) (string, error) {
	return c.query(ctx, "volume group "+vg, "vgs", "--nolocking", "--noheadings", "-o", "vg_uuid", vg)
}

func (c *Client) ListLocallyActive(ctx context.Context, vg string) ([]string, error) {
	out, err := c.query(ctx, "volume group "+vg, "lvs", "--nolocking", "--noheadings", "--separator", "|",
		"-o", "lv_path,lv_active_locally", vg)
	if err != nil {
		return nil, err
	}
	var active []string
	for _, line := range strings.Split(out, "\n") {
		p, state, ok := strings.Cut(strings.TrimSpace(line), "|")
		if ok && strings.Contains(state, "active") {
			active = append(active, p)
		}
	}
	return active, nil
}

func (c *Client) DeactivateVG(ctx context.Context, vg string) error {
	_, err := c.run.Run(ctx, "vgchange", "-an", vg)
	return err
}

// PurgeArchive removes lvm's metadata archives and backup of vg so a
// re-created VG with the same name does not inherit stale history.
func (c *Client) PurgeArchive(ctx context.Context, vg string) error {
	matches, err := filepath.Glob(c.paths.LVMArchiveGlob(vg))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range append(matches, c.paths.LVMBackup(vg)) {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	logger.FromContext(ctx).DebugContext(ctx, "purged lvm archive", logger.PoolKey, vg, "archives", len(matches))
	return errors.Join(errs...)
}
