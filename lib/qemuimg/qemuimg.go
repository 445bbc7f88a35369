// Package qemuimg manipulates qcow2 images with qemu-img. Client
// implements backend.Images.
package qemuimg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/command"
)

const format = "qcow2"

// Client runs qemu-img and qemu-io.
type Client struct {
	run command.Runner
}

var _ backend.Images = (*Client)(nil)

// New returns a Client.
func New(runner command.Runner) *Client {
	return &Client{run: runner}
}

// Info is the subset of `qemu-img info --output=json` the agent reads.
type Info struct {
	Filename            string `json:"filename"`
	Format              string `json:"format"`
	VirtualSize         int64  `json:"virtual-size"`
	ActualSize          int64  `json:"actual-size"`
	BackingFilename     string `json:"backing-filename"`
	FullBackingFilename string `json:"full-backing-filename"`
}

// Backing returns the resolved backing file, or "".
func (i Info) Backing() string {
	if i.FullBackingFilename != "" {
		return i.FullBackingFilename
	}
	return i.BackingFilename
}

// Check is the subset of `qemu-img check --output=json`.
type Check struct {
	ImageEndOffset     int64 `json:"image-end-offset"`
	CompressedClusters int64 `json:"compressed-clusters"`
	Corruptions        int64 `json:"corruptions"`
}

// Info reads image metadata without taking qemu's image lock, since a
// running VM may hold the image.
func (c *Client) Info(ctx context.Context, path string) (Info, error) {
	out, err := c.run.Run(ctx, "qemu-img", "info", "--output=json", "-U", path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return Info{}, fmt.Errorf("parse qemu-img info of %s: %w", path, err)
	}
	return info, nil
}

func (c *Client) check(ctx context.Context, path string) (Check, error) {
	out, err := c.run.Run(ctx, "qemu-img", "check", "--output=json", "-f", format, path)
	// Exit 3 reports leaked clusters, which do not affect the values read here.
	if err != nil && command.ExitCode(err) != 3 {
		return Check{}, err
	}
	var chk Check
	if err := json.Unmarshal(out, &chk); err != nil {
		return Check{}, fmt.Errorf("parse qemu-img check of %s: %w", path, err)
	}
	return chk, nil
}

func (c *Client) VirtualSize(ctx context.Context, path string) (int64, error) {
	info, err := c.Info(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.VirtualSize, nil
}

func (c *Client) Create(ctx context.Context, path string, size int64, opts []string) error {
	args := append([]string{"create", "-f", format}, opts...)
	_, err := c.run.Run(ctx, "qemu-img", append(args, path, strconv.FormatInt(size, 10))...)
	return err
}

// Clone creates dst as a copy-on-write child of src.
func (c *Client) Clone(ctx context.Context, src, dst string, opts []string) error {
	return c.CreateWithBackingFile(ctx, src, dst, opts)
}

func (c *Client) CreateWithBackingFile(ctx context.Context, backing, dst string, opts []string) error {
	args := []string{"create", "-F", format, "-b", backing, "-f", format}
	args = append(args, opts...)
	_, err := c.run.Run(ctx, "qemu-img", append(args, dst)...)
	return err
}

// Flatten writes the full content of src, backing chain included, to dst.
func (c *Client) Flatten(ctx context.Context, src, dst string, compress bool) error {
	args := []string{"convert", "-f", format, "-O", format}
	if compress {
		args = append(args, "-c")
	}
	_, err := c.run.Run(ctx, "qemu-img", append(args, src, dst)...)
	return err
}

// Rebase points path at newBase. Without verify only the header is
// rewritten (unsafe mode), which is correct when newBase holds the same
// data as the old base.
func (c *Client) Rebase(ctx context.Context, path, newBase string, verify bool) error {
	args := []string{"rebase", "-f", format, "-F", format}
	if !verify {
		args = append(args, "-u")
	}
	_, err := c.run.Run(ctx, "qemu-img", append(args, "-b", newBase, path)...)
	return err
}

func (c *Client) BackingFile(ctx context.Context, path string) (string, error) {
	info, err := c.Info(ctx, path)
	if err != nil {
		return "", err
	}
	return info.Backing(), nil
}

func (c *Client) BackingChain(ctx context.Context, path string) ([]string, error) {
	out, err := c.run.Run(ctx, "qemu-img", "info", "--output=json", "-U", "--backing-chain", path)
	if err != nil {
		return nil, err
	}
	var infos []Info
	if err := json.Unmarshal(out, &infos); err != nil {
		return nil, fmt.Errorf("parse backing chain of %s: %w", path, err)
	}
	chain := make([]string, 0, len(infos))
	for _, i := range infos {
		chain = append(chain, i.Filename)
	}
	return chain, nil
}

// Compare checks that a and b present the same guest-visible content.
func (c *Client) Compare(ctx context.Context, a, b string) error {
	_, err := c.run.Run(ctx, "qemu-img", "compare", "-f", format, "-F", format, a, b)
	if command.ExitCode(err) == 1 {
		return fmt.Errorf("%s and %s differ: %w", a, b, errors.Join(backend.ErrIntegrity, err))
	}
	return err
}

func (c *Client) Resize(ctx context.Context, path string, size int64) error {
	_, err := c.run.Run(ctx, "qemu-img", "resize", "-f", format, path, strconv.FormatInt(size, 10))
	return err
}

// ImageEndOffset returns the offset of the last allocated byte of the image
// file, i.e. the space the image really needs on its LV.
func (c *Client) ImageEndOffset(ctx context.Context, path string) (int64, error) {
	chk, err := c.check(ctx, path)
	if err != nil {
		return 0, err
	}
	return chk.ImageEndOffset, nil
}

func (c *Client) IsCompressed(ctx context.Context, path string) (bool, error) {
	chk, err := c.check(ctx, path)
	if err != nil {
		return false, err
	}
	return chk.CompressedClusters > 0, nil
}

// FillZero writes zeros into the guest-visible range [offset, offset+length).
func (c *Client) FillZero(ctx context.Context, path string, offset, length int64) error {
	cmd := fmt.Sprintf("write -P 0 %d %d", offset, length)
	_, err := c.run.Run(ctx, "qemu-io", "-f", format, "-c", cmd, path)
	return err
}
