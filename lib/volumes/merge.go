package volumes

import (
	"context"
	"fmt"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/installpath"
	"github.com/onkernel/sharedblock/lib/lock"
)

func (m *manager) MergeSnapshot(ctx context.Context, req MergeSnapshotRequest) (res SizeResult, err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "merge_snapshot", start, err) }()
	ctx, log := begin(ctx, "merge_snapshot", req.WorkspacePath)

	paths, err := devicePaths(req.SnapshotPath, req.WorkspacePath)
	if err != nil {
		return SizeResult{}, err
	}
	snapshot, workspace := paths[0], paths[1]

	err = m.locks.Run(ctx, snapshot, lock.Options{Mode: backend.Shared, Recursive: true},
		func(ctx context.Context) error {
			virtual, err := m.storage.VirtualSize(ctx, snapshot)
			if err != nil {
				return fmt.Errorf("read size of %s: %w", snapshot, err)
			}
			if err := m.ensureLV(ctx, workspace, ReservedSize(virtual), req.HostUUID); err != nil {
				return err
			}
			return m.populate(ctx, "merge_snapshot", workspace, func(ctx context.Context) error {
				if err := m.storage.Flatten(ctx, snapshot, workspace, false); err != nil {
					return err
				}
				res.Size, err = m.storage.VirtualSize(ctx, workspace)
				return err
			})
		})
	if err != nil {
		return SizeResult{}, err
	}
	// The flattened workspace is fully allocated up to its virtual size.
	res.ActualSize = res.Size
	log.InfoContext(ctx, "merged snapshot", "snapshot", snapshot, "workspace", workspace, "size", res.Size)
	return res, nil
}

func (m *manager) OfflineMergeSnapshots(ctx context.Context, req OfflineMergeRequest) (err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "offline_merge_snapshots", start, err) }()
	ctx, log := begin(ctx, "offline_merge_snapshots", req.DestPath)

	paths, err := devicePaths(req.SrcPath, req.DestPath)
	if err != nil {
		return err
	}
	src, dst := paths[0], paths[1]

	err = m.locks.Run(ctx, src, lock.Options{Mode: backend.Shared, Recursive: true},
		func(ctx context.Context) error {
			virtual, err := m.storage.VirtualSize(ctx, src)
			if err != nil {
				return fmt.Errorf("read size of %s: %w", src, err)
			}
			if err := m.ensureLV(ctx, dst, ReservedSize(virtual), req.HostUUID); err != nil {
				return err
			}
			return m.locks.Run(ctx, dst, lock.Options{Mode: backend.Exclusive, Recursive: true},
				func(ctx context.Context) error {
					if !req.FullRebase {
						return m.storage.Rebase(ctx, dst, src, true)
					}
					return m.fullRebase(ctx, req, dst, virtual)
				})
		})
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "merged snapshots offline", "src", src, "dst", dst, "full", req.FullRebase)
	return nil
}

// fullRebase flattens dst into a temporary LV and renames it over dst, so
// dst is only replaced once the new image is complete.
func (m *manager) fullRebase(ctx context.Context, req OfflineMergeRequest, dst string, virtual int64) error {
	tmp, err := installpath.Sibling(req.DestPath, "tmp_"+cuid2.Generate())
	if err != nil {
		return err
	}
	if err := m.storage.CreateLV(ctx, tmp, ReservedSize(virtual), m.volumeTag(req.HostUUID)); err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	return m.populate(ctx, "offline_merge_snapshots", tmp, func(ctx context.Context) error {
		if err := m.storage.Flatten(ctx, dst, tmp, false); err != nil {
			return err
		}
		if err := m.storage.RenameLV(ctx, tmp, dst, true); err != nil {
			return fmt.Errorf("rename %s over %s: %w", tmp, dst, err)
		}
		return nil
	})
}
