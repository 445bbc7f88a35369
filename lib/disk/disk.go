// Package disk resolves storage-device identifiers (WWIDs, UUIDs, WWNs)
// to device paths and rescans devices after they grow.
package disk

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/logger"
	"github.com/samber/lo"
)

// ErrDiskNotFound is returned when no single device matches an identifier.
var ErrDiskNotFound = fmt.Errorf("disk %w", backend.ErrNotFound)

// by-id prefixes tried in order: multipath alias first, then the raw id.
var byIDPrefixes = []string{"dm-uuid-mpath-", ""}

// BlockDevice is one row of the host's block device listing.
type BlockDevice struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Type   string `json:"type"`
	FSType string `json:"fsType"`
	Label  string `json:"label"`
	UUID   string `json:"uuid"`
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
	Mode   string `json:"mode"`
	WWN    string `json:"wwn"`
	Serial string `json:"serial"`
	HCTL   string `json:"hctl"`
	Size   int64  `json:"size"`
}

// matches reports whether id appears in any identifying attribute.
func (d BlockDevice) matches(id string) bool {
	for _, v := range []string{d.Path, d.Type, d.FSType, d.Label, d.UUID, d.Vendor, d.Model, d.Mode, d.WWN} {
		if strings.Contains(v, id) {
			return true
		}
	}
	return false
}

// Host is the slice of the operating system the resolver needs.
type Host interface {
	// EvalSymlinks resolves a path under /dev; a missing path is an error.
	EvalSymlinks(path string) (string, error)
	BlockDevices(ctx context.Context) ([]BlockDevice, error)
	// MultipathMap returns the dm-N name of the multipath map name belongs
	// to (name itself if it is the map), or "" if it is not multipathed.
	MultipathMap(name string) (string, error)
	Slaves(dm string) ([]string, error)
	RescanDevice(name string) error
	ResizeMultipathMap(ctx context.Context, dm string) error
	GrowPhysicalVolume(ctx context.Context, device string) error
	DisableQueueing(ctx context.Context) error
}

// Resolver maps identifiers to device paths.
type Resolver struct {
	host Host
}

// NewResolver returns a Resolver over host.
func NewResolver(host Host) *Resolver {
	return &Resolver{host: host}
}

// Resolve returns the device path for identifier.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, error) {
	if identifier == "" || strings.ContainsRune(identifier, '/') {
		return "", fmt.Errorf("invalid disk identifier %q: %w", identifier, ErrDiskNotFound)
	}

	for _, prefix := range byIDPrefixes {
		p, err := r.host.EvalSymlinks("/dev/disk/by-id/" + prefix + identifier)
		if err == nil {
			return p, nil
		}
	}

	devs, err := r.host.BlockDevices(ctx)
	if err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to list block devices", "error", err)
		return "", fmt.Errorf("disk %s: %w", identifier, ErrDiskNotFound)
	}
	matching := lo.Filter(devs, func(d BlockDevice, _ int) bool { return d.matches(identifier) })
	mpath := lo.Filter(matching, func(d BlockDevice, _ int) bool { return d.Type == "mpath" })

	for _, set := range [][]BlockDevice{mpath, matching} {
		paths := lo.Uniq(lo.Map(set, func(d BlockDevice, _ int) string { return d.Path }))
		if len(paths) == 1 {
			return paths[0], nil
		}
	}
	return "", fmt.Errorf("disk %s matched %d devices and no multipath map: %w", identifier, len(matching), ErrDiskNotFound)
}

// ResolveAll resolves every identifier and drops duplicate paths.
func (r *Resolver) ResolveAll(ctx context.Context, identifiers []string) ([]string, error) {
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		p, err := r.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return lo.Uniq(out), nil
}

// Rescan makes the kernel and LVM see the current size of the device
// behind identifier. Slave rescans are best-effort; growing the physical
// volume succeeds if it works on either the raw or the multipath name.
func (r *Resolver) Rescan(ctx context.Context, identifier string) error {
	dev, err := r.Resolve(ctx, identifier)
	if err != nil {
		return err
	}
	return r.RescanDevice(ctx, dev)
}

// RescanDevice is Rescan for an already-resolved device path.
func (r *Resolver) RescanDevice(ctx context.Context, dev string) error {
	log := logger.FromContext(ctx)
	name := filepath.Base(dev)

	dm, err := r.host.MultipathMap(name)
	if err != nil {
		log.WarnContext(ctx, "failed to read multipath topology", "device", name, "error", err)
	}

	switch {
	case dm == "":
		if err := r.host.RescanDevice(name); err != nil {
			return fmt.Errorf("rescan %s: %w", name, err)
		}
	default:
		slaves, err := r.host.Slaves(dm)
		if err != nil || len(slaves) == 0 {
			log.DebugContext(ctx, "multipath map has no slaves", "map", dm, "error", err)
			if err := r.host.RescanDevice(dm); err != nil {
				log.WarnContext(ctx, "failed to rescan multipath map", "map", dm, "error", err)
			}
			break
		}
		for _, s := range slaves {
			if err := r.host.RescanDevice(s); err != nil {
				log.WarnContext(ctx, "failed to rescan multipath slave", "map", dm, "slave", s, "error", err)
			}
		}
		if err := r.host.ResizeMultipathMap(ctx, dm); err != nil {
			return fmt.Errorf("resize multipath map %s: %w", dm, err)
		}
	}

	err = r.host.GrowPhysicalVolume(ctx, "/dev/"+name)
	if err != nil && dm != "" && dm != name {
		if err2 := r.host.GrowPhysicalVolume(ctx, "/dev/"+dm); err2 != nil {
			err = errors.Join(err, err2)
		} else {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("grow physical volume %s: %w", name, err)
	}
	log.InfoContext(ctx, "rescanned disk", "device", dev, "map", dm)
	return nil
}

// ListBlockDevices returns the host's block devices.
func (r *Resolver) ListBlockDevices(ctx context.Context) ([]BlockDevice, error) {
	return r.host.BlockDevices(ctx)
}

// DisableQueueing makes multipath maps fail I/O when all paths are gone
// instead of queueing it forever.
func (r *Resolver) DisableQueueing(ctx context.Context) error {
	return r.host.DisableQueueing(ctx)
}
