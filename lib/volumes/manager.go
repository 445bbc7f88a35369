// Package volumes implements the volume operations of a shared block
// pool: creating, cloning, flattening, merging and resizing qcow2 images
// stored on logical volumes, each under the cluster locks it needs.
package volumes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/filelock"
	"github.com/onkernel/sharedblock/lib/installpath"
	"github.com/onkernel/sharedblock/lib/lock"
	"github.com/onkernel/sharedblock/lib/logger"
	"github.com/onkernel/sharedblock/lib/tags"
	"go.opentelemetry.io/otel/metric"
	"gvisor.dev/gvisor/pkg/cleanup"
)

type Manager interface {
	CreateRootVolume(ctx context.Context, req CreateRootVolumeRequest) error
	CreateEmptyVolume(ctx context.Context, req CreateEmptyVolumeRequest) error
	ResizeVolume(ctx context.Context, req ResizeVolumeRequest) (int64, error)
	CreateTemplateFromVolume(ctx context.Context, req CreateTemplateRequest) error
	RevertVolumeFromSnapshot(ctx context.Context, req RevertVolumeRequest) (*RevertVolumeResult, error)
	MergeSnapshot(ctx context.Context, req MergeSnapshotRequest) (SizeResult, error)
	OfflineMergeSnapshots(ctx context.Context, req OfflineMergeRequest) error
	ConvertImageToVolume(ctx context.Context, req ConvertImageRequest) error
	ActivateVolume(ctx context.Context, req ActivateRequest) error
	ConvertVolumeProvisioning(ctx context.Context, req ConvertProvisioningRequest) (int64, error)
	GetBackingChain(ctx context.Context, installPath string) ([]string, error)
	GetVolumeSize(ctx context.Context, installPath string) (SizeResult, error)
	DeleteBits(ctx context.Context, req DeleteBitsRequest) error
	CheckBits(ctx context.Context, installPath string) (bool, error)
}

// HolderKiller kills stopped processes that keep a device open.
type HolderKiller interface {
	KillStoppedHolders(ctx context.Context, device string) ([]int, error)
}

// Options tune the volume manager.
type Options struct {
	Now func() time.Time
}

type manager struct {
	storage backend.Storage
	locks   *lock.Executor
	locker  *filelock.Locker
	killer  HolderKiller
	opts    Options
	metrics *Metrics
}

// NewManager creates a volume manager. killer and meter may be nil.
func NewManager(storage backend.Storage, locker *filelock.Locker, killer HolderKiller, opts Options, meter metric.Meter) (Manager, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &manager{
		storage: storage,
		locks:   lock.NewExecutor(storage, storage),
		locker:  locker,
		killer:  killer,
		opts:    opts,
	}
	if meter != nil {
		metrics, err := newVolumeMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create volume metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

// begin tags the context logger with the pool of installPath and the operation.
func begin(ctx context.Context, op, installPath string) (context.Context, *slog.Logger) {
	vg, _ := installpath.PoolUUID(installPath)
	return logger.ForOperation(ctx, op, vg)
}

func (m *manager) volumeTag(hostUUID string) string {
	return tags.Encode(tags.New(tags.Volume, hostUUID, m.opts.Now(), ""))
}

// ensureLV creates path with size unless it already exists.
func (m *manager) ensureLV(ctx context.Context, path string, size int64, hostUUID string) error {
	exists, err := m.storage.LVExists(ctx, path)
	if err != nil {
		return fmt.Errorf("check %s: %w", path, err)
	}
	if exists {
		return nil
	}
	if err := m.storage.CreateLV(ctx, path, size, m.volumeTag(hostUUID)); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	logger.FromContext(ctx).DebugContext(ctx, "created logical volume", "path", path, "size", size)
	return nil
}

// populate runs fn with target held exclusively and deletes target if fn
// fails. The delete happens before the lock is released.
func (m *manager) populate(ctx context.Context, op, target string, fn func(ctx context.Context) error) (err error) {
	scope, err := m.locks.Acquire(ctx, target, lock.Options{Mode: backend.Exclusive})
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, scope.Release(ctx)) }()

	cu := cleanup.Make(func() {
		dctx := context.WithoutCancel(ctx)
		log := logger.FromContext(ctx)
		if derr := backend.IgnoreNotFound(m.storage.DeleteLV(dctx, target)); derr != nil {
			log.ErrorContext(ctx, "failed to delete target after error", "path", target, "error", derr)
			return
		}
		m.recordRollback(ctx, op)
		log.WarnContext(ctx, "deleted target after error", "path", target)
	})
	defer cu.Clean()

	if err := fn(ctx); err != nil {
		return err
	}
	cu.Release()
	return nil
}

func devicePaths(paths ...string) ([]string, error) {
	out := make([]string, len(paths))
	for i, p := range paths {
		d, err := installpath.ToDevicePath(p)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
