package lvm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/logger"
)

func (c *Client) LVExists(ctx context.Context, path string) (bool, error) {
	_, err := c.query(ctx, "logical volume "+path, "lvs", "--nolocking", "--noheadings", "-o", "lv_name", path)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) CreateLV(ctx context.Context, path string, size int64, tag string) error {
	vg, lv, err := splitPath(path)
	if err != nil {
		return err
	}
	args := []string{"-an", "-Zn", "--wipesignatures", "n", "--size", bytesArg(size), "--name", lv}
	if tag != "" {
		args = append(args, "--addtag", tag)
	}
	_, err = c.run.Run(ctx, "lvcreate", append(args, vg)...)
	if isConflict(err) {
		return fmt.Errorf("logical volume %s: %w", path, errors.Join(backend.ErrConflict, err))
	}
	if isNotFound(err) {
		return fmt.Errorf("volume group %s: %w", vg, errors.Join(backend.ErrNotFound, err))
	}
	return err
}

func (c *Client) DeleteLV(ctx context.Context, path string) error {
	_, err := c.run.Run(ctx, "lvremove", "-y", path)
	if isNotFound(err) {
		return fmt.Errorf("logical volume %s: %w", path, errors.Join(backend.ErrNotFound, err))
	}
	return err
}

// ResizeLV sets the LV size. Shrinking is ignored unless allowShrink.
func (c *Client) ResizeLV(ctx context.Context, path string, size int64, allowShrink bool) error {
	cur, err := c.LVSize(ctx, path)
	if err != nil {
		return err
	}
	if size == cur || (size < cur && !allowShrink) {
		return nil
	}
	_, err = c.run.Run(ctx, "lvresize", "-fy", "--size", bytesArg(size), path)
	return err
}

// RenameLV renames src to dst. With overwrite an existing dst is first
// moved aside and only removed once src holds its name; if that rename
// fails the old dst is moved back.
func (c *Client) RenameLV(ctx context.Context, src, dst string, overwrite bool) error {
	exists, err := c.LVExists(ctx, dst)
	if err != nil {
		return err
	}
	if !exists {
		return c.rename(ctx, src, dst)
	}
	if !overwrite {
		return fmt.Errorf("logical volume %s: %w", dst, backend.ErrConflict)
	}

	backup := dst + "_bak_" + cuid2.Generate()
	if err := c.rename(ctx, dst, backup); err != nil {
		return fmt.Errorf("move %s aside: %w", dst, err)
	}
	if err := c.rename(ctx, src, dst); err != nil {
		if rerr := c.rename(context.WithoutCancel(ctx), backup, dst); rerr != nil {
			return fmt.Errorf("restore %s from %s: %w", dst, backup, errors.Join(err, rerr))
		}
		return err
	}

	// dst already holds the new volume, so a leftover backup is only logged.
	dctx := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)
	if err := backend.IgnoreNotFound(c.DeactivateLV(dctx, backup)); err != nil {
		log.WarnContext(ctx, "failed to deactivate replaced volume", "path", backup, "error", err)
	}
	if err := backend.IgnoreNotFound(c.DeleteLV(dctx, backup)); err != nil {
		log.ErrorContext(ctx, "failed to remove replaced volume", "path", backup, "error", err)
	}
	return nil
}

func (c *Client) rename(ctx context.Context, src, dst string) error {
	_, err := c.run.Run(ctx, "lvrename", src, dst)
	if isNotFound(err) {
		return fmt.Errorf("logical volume %s: %w", src, errors.Join(backend.ErrNotFound, err))
	}
	if isConflict(err) {
		return fmt.Errorf("logical volume %s: %w", dst, errors.Join(backend.ErrConflict, err))
	}
	return err
}

func (c *Client) ActivateLV(ctx context.Context, path string, mode backend.Activation) error {
	var flag string
	switch mode {
	case backend.Shared:
		flag = "-asy"
	case backend.Exclusive:
		flag = "-aey"
	default:
		return c.DeactivateLV(ctx, path)
	}
	_, err := c.run.Run(ctx, "lvchange", flag, path)
	if isNotFound(err) {
		return fmt.Errorf("logical volume %s: %w", path, errors.Join(backend.ErrNotFound, err))
	}
	return err
}

func (c *Client) DeactivateLV(ctx context.Context, path string) error {
	_, err := c.run.Run(ctx, "lvchange", "-an", path)
	if isNotFound(err) {
		return fmt.Errorf("logical volume %s: %w", path, errors.Join(backend.ErrNotFound, err))
	}
	return err
}

func (c *Client) LVActivation(ctx context.Context, path string) (backend.Activation, error) {
	out, err := c.query(ctx, "logical volume "+path, "lvs", "--nolocking", "--noheadings", "--separator", "|",
		"-o", "lv_active_locally,lv_active_exclusively", path)
	if err != nil {
		return backend.Inactive, err
	}
	return parseActivation(out), nil
}

func parseActivation(out string) backend.Activation {
	locally, exclusively, _ := strings.Cut(strings.TrimSpace(out), "|")
	switch {
	case !strings.Contains(locally, "active"):
		return backend.Inactive
	case strings.Contains(exclusively, "active"):
		return backend.Exclusive
	default:
		return backend.Shared
	}
}

func (c *Client) LVTags(ctx context.Context, path string) ([]string, error) {
	out, err := c.query(ctx, "logical volume "+path, "lvs", "--nolocking", "--noheadings", "-o", "lv_tags", path)
	if err != nil {
		return nil, err
	}
	return splitTags(out), nil
}

func (c *Client) AddLVTag(ctx context.Context, path, tag string) error {
	_, err := c.run.Run(ctx, "lvchange", "--addtag", tag, path)
	return err
}

func (c *Client) RemoveLVTag(ctx context.Context, path, tag string) error {
	_, err := c.run.Run(ctx, "lvchange", "--deltag", tag, path)
	return err
}

func (c *Client) LVSize(ctx context.Context, path string) (int64, error) {
	out, err := c.query(ctx, "logical volume "+path, "lvs", "--nolocking", "--noheadings", "--units", "b", "--nosuffix",
		"-o", "lv_size", path)
	if err != nil {
		return 0, err
	}
	n, err := parseBytes(out)
	if err != nil {
		return 0, fmt.Errorf("parse lv size %q: %w", out, err)
	}
	return n, nil
}
