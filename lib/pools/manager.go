// Package pools joins hosts to shared volume groups and keeps the lock
// service, membership and heartbeat tags of those groups in order.
package pools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/disk"
	"github.com/onkernel/sharedblock/lib/filelock"
	"github.com/onkernel/sharedblock/lib/logger"
	"github.com/onkernel/sharedblock/lib/lvm"
	"github.com/onkernel/sharedblock/lib/retry"
	"github.com/onkernel/sharedblock/lib/tags"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"
)

// Manager handles pool membership on this host.
type Manager interface {
	Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error)
	Disconnect(ctx context.Context, req DisconnectRequest) error
	AddDisk(ctx context.Context, req AddDiskRequest) (backend.Capacity, error)
	// CheckDisks returns nil capacity when no pool was named or it does not exist.
	CheckDisks(ctx context.Context, req CheckDisksRequest) (*backend.Capacity, error)
	Capacity(ctx context.Context, vgUUID string) (backend.Capacity, error)
	ListBlockDevices(ctx context.Context) ([]disk.BlockDevice, error)
}

// SocketCleaner removes monitor sockets no process uses anymore.
type SocketCleaner interface {
	CleanStaleSockets(ctx context.Context, dir string) ([]string, error)
}

type manager struct {
	vgs      backend.VolumeGroups
	svc      backend.LockService
	resolver *disk.Resolver
	locker   *filelock.Locker
	sockets  SocketCleaner
	opts     Options
	metrics  *Metrics

	mu        sync.Mutex
	connected map[string]struct{}
}

// NewManager creates a pool manager. sockets and meter may be nil.
func NewManager(
	vgs backend.VolumeGroups,
	svc backend.LockService,
	resolver *disk.Resolver,
	locker *filelock.Locker,
	sockets SocketCleaner,
	opts Options,
	meter metric.Meter,
) (Manager, error) {
	if opts.MetadataSize <= 0 {
		opts.MetadataSize = DefaultMetadataSize
	}
	if opts.SanlockLVSize <= 0 {
		opts.SanlockLVSize = lvm.DefaultSanlockLVSize
	}
	if opts.Discovery.Attempts == 0 && opts.Discovery.Backoff == nil {
		opts.Discovery = retry.Default()
	}
	if opts.Deactivate.Attempts == 0 && opts.Deactivate.Backoff == nil {
		opts.Deactivate = retry.Default()
		opts.Deactivate.Attempts = 3
	}
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &manager{
		vgs:       vgs,
		svc:       svc,
		resolver:  resolver,
		locker:    locker,
		sockets:   sockets,
		opts:      opts,
		connected: make(map[string]struct{}),
	}
	if meter != nil {
		metrics, err := newPoolMetrics(meter, m)
		if err != nil {
			return nil, fmt.Errorf("create pool metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

func (m *manager) Connect(ctx context.Context, req ConnectRequest) (res *ConnectResult, err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "connect", start, err) }()
	ctx, log := logger.ForOperation(ctx, "connect", req.VGUUID)
	vg := req.VGUUID

	lk, err := m.locker.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("take host lock: %w", err)
	}
	defer lk.Unlock()

	err = m.svc.Configure(ctx, backend.LockServiceConfig{
		HostID:          req.HostID,
		EnableLvmetad:   req.EnableLvmetad,
		SanlockLVSize:   m.opts.SanlockLVSize,
		SanlockHostName: lvm.SanlockHostName(vg, req.HostUUID, m.opts.Hostname),
	})
	if err != nil {
		return nil, fmt.Errorf("configure lock service: %w", err)
	}

	devices, err := m.resolver.ResolveAll(ctx, req.DiskIdentifiers)
	if err != nil {
		return nil, err
	}

	if err := m.svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("start lock service: %w", err)
	}
	if err := m.svc.CheckGlobalLock(ctx); err != nil {
		return nil, fmt.Errorf("check global lock: %w", err)
	}

	created, err := m.ensureVG(ctx, vg, devices, req.HostUUID, req.ForceWipe)
	if err != nil {
		return nil, err
	}

	if err := m.startVGLock(ctx, vg); err != nil {
		return nil, err
	}
	if err := m.replaceHeartbeat(ctx, vg, req.HostUUID); err != nil {
		return nil, err
	}

	if m.sockets != nil && m.opts.QMPSocketDir != "" {
		if _, err := m.sockets.CleanStaleSockets(ctx, m.opts.QMPSocketDir); err != nil {
			log.WarnContext(ctx, "failed to clean stale qmp sockets", "dir", m.opts.QMPSocketDir, "error", err)
		}
	}

	res = &ConnectResult{IsFirst: created, HostUUID: req.HostUUID}
	if res.Capacity, err = m.Capacity(ctx, vg); err != nil {
		return nil, err
	}
	if res.HostID, err = m.vgs.HostID(ctx, vg); err != nil {
		return nil, fmt.Errorf("read sanlock host id: %w", err)
	}
	if res.VGLvmUUID, err = m.vgs.VGUUID(ctx, vg); err != nil {
		return nil, fmt.Errorf("read vg uuid: %w", err)
	}

	m.mu.Lock()
	m.connected[vg] = struct{}{}
	m.mu.Unlock()

	log.InfoContext(ctx, "connected to pool", "first", created, "host_id", res.HostID, "devices", devices)
	return res, nil
}

// discover waits for vg to become visible. It reports whether the VG
// carries the init tag; a missing VG is ErrVGNotFound.
func (m *manager) discover(ctx context.Context, vg string, p retry.Policy) (owned bool, err error) {
	return retry.Do(ctx, p, func(ctx context.Context) (bool, error) {
		if err := m.vgs.Rescan(ctx); err != nil {
			logger.FromContext(ctx).DebugContext(ctx, "rescan failed", "error", err)
		}
		vgTags, err := m.vgs.VGTags(ctx, vg)
		if errors.Is(err, backend.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrVGNotFound, vg)
		}
		if err != nil {
			return false, retry.MarkTransient(fmt.Errorf("read tags of %s: %w", vg, err))
		}
		return tags.HasKind(vgTags, tags.Init), nil
	})
}

// ensureVG discovers vg and creates it from devices if nobody has. It
// reports whether this call created it. A concurrent create on another
// host is not an error.
func (m *manager) ensureVG(ctx context.Context, vg string, devices []string, hostUUID string, forceWipe bool) (bool, error) {
	log := logger.FromContext(ctx)

	owned, err := m.discover(ctx, vg, m.opts.Discovery)
	if err == nil {
		if !owned {
			log.WarnContext(ctx, "volume group has no init tag, treating as foreign", "vg", vg)
		}
		return false, nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return false, err
	}
	if len(devices) == 0 {
		return false, fmt.Errorf("create %s: %w", vg, ErrNoDisks)
	}

	if forceWipe {
		if err := m.vgs.WipeSignatures(ctx, devices); err != nil {
			return false, fmt.Errorf("wipe %v: %w", devices, err)
		}
	}

	initTag := tags.Encode(tags.New(tags.Init, hostUUID, m.opts.Now(), m.opts.Hostname))
	created := true
	err = m.vgs.CreateVG(ctx, vg, devices, initTag, m.opts.MetadataSize)
	switch {
	case errors.Is(err, backend.ErrConflict):
		log.InfoContext(ctx, "volume group created concurrently by another host", "vg", vg)
		created = false
	case err != nil:
		return false, fmt.Errorf("create volume group %s: %w", vg, err)
	default:
		log.InfoContext(ctx, "created volume group", "vg", vg, "devices", devices)
	}

	if _, err := m.discover(ctx, vg, m.opts.Discovery); err != nil {
		return false, fmt.Errorf("rediscover %s: %w", vg, err)
	}
	return created, nil
}

// startVGLock starts the VG lockspace. A lockspace that fails the health
// check is dropped and started once more.
func (m *manager) startVGLock(ctx context.Context, vg string) error {
	if err := m.vgs.StartVGLock(ctx, vg); err != nil {
		return fmt.Errorf("start lock of %s: %w", vg, err)
	}
	err := m.vgs.CheckVGLock(ctx, vg)
	if err == nil {
		return nil
	}
	logger.FromContext(ctx).WarnContext(ctx, "volume group lock unhealthy, restarting", "vg", vg, "error", err)

	if err := m.vgs.DropVGLock(ctx, vg); err != nil {
		return fmt.Errorf("drop lock of %s: %w", vg, err)
	}
	if err := m.svc.CheckGlobalLock(ctx); err != nil {
		return fmt.Errorf("check global lock: %w", err)
	}
	if err := m.vgs.StartVGLock(ctx, vg); err != nil {
		return fmt.Errorf("restart lock of %s: %w", vg, err)
	}
	if err := m.vgs.CheckVGLock(ctx, vg); err != nil {
		return fmt.Errorf("lock of %s still unhealthy: %w", vg, err)
	}
	return nil
}

func (m *manager) replaceHeartbeat(ctx context.Context, vg, hostUUID string) error {
	if err := m.removeHeartbeats(ctx, vg, hostUUID); err != nil {
		return err
	}
	hb := tags.Encode(tags.New(tags.Heartbeat, hostUUID, m.opts.Now(), m.opts.Hostname))
	if err := m.vgs.AddVGTag(ctx, vg, hb); err != nil {
		return fmt.Errorf("add heartbeat to %s: %w", vg, err)
	}
	m.recordHeartbeat(ctx)
	return nil
}

func (m *manager) removeHeartbeats(ctx context.Context, vg, hostUUID string) error {
	vgTags, err := m.vgs.VGTags(ctx, vg)
	if err != nil {
		return fmt.Errorf("read tags of %s: %w", vg, err)
	}
	mine := lo.Filter(vgTags, func(t string, _ int) bool { return tags.Match(t, tags.Heartbeat, hostUUID) })
	for _, t := range mine {
		if err := m.vgs.RemoveVGTag(ctx, vg, t); err != nil {
			return fmt.Errorf("remove heartbeat from %s: %w", vg, err)
		}
	}
	return nil
}

func (m *manager) Disconnect(ctx context.Context, req DisconnectRequest) (err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "disconnect", start, err) }()
	ctx, log := logger.ForOperation(ctx, "disconnect", req.VGUUID)
	vg := req.VGUUID

	lk, err := m.locker.Lock(ctx)
	if err != nil {
		return fmt.Errorf("take host lock: %w", err)
	}
	defer lk.Unlock()

	m.mu.Lock()
	delete(m.connected, vg)
	m.mu.Unlock()

	defer func() {
		if perr := m.vgs.PurgeArchive(ctx, vg); perr != nil {
			log.WarnContext(ctx, "failed to purge lvm archive", "vg", vg, "error", perr)
		}
	}()

	if _, err := m.discover(ctx, vg, m.opts.Deactivate); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			log.InfoContext(ctx, "volume group not found, nothing to disconnect", "vg", vg)
			return nil
		}
		return err
	}

	if err := m.deactivateAll(ctx, vg); err != nil {
		return err
	}
	if err := m.removeHeartbeats(ctx, vg, req.HostUUID); err != nil {
		return err
	}
	if err := m.vgs.StopVGLock(ctx, vg); err != nil {
		return fmt.Errorf("stop lock of %s: %w", vg, err)
	}
	if req.StopServices {
		if err := m.svc.Stop(ctx); err != nil {
			return fmt.Errorf("stop lock service: %w", err)
		}
	}
	log.InfoContext(ctx, "disconnected from pool", "stop_services", req.StopServices)
	return nil
}

// deactivateAll deactivates every LV of vg active on this host, retrying
// while any remain.
func (m *manager) deactivateAll(ctx context.Context, vg string) error {
	return retry.DoErr(ctx, m.opts.Deactivate, func(ctx context.Context) error {
		if err := m.vgs.DeactivateVG(ctx, vg); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "deactivate failed", "vg", vg, "error", err)
		}
		active, err := m.vgs.ListLocallyActive(ctx, vg)
		if err != nil {
			return retry.MarkTransient(fmt.Errorf("list active volumes of %s: %w", vg, err))
		}
		if len(active) > 0 {
			return retry.MarkTransient(fmt.Errorf("%w in %s: %v", errStillActive, vg, active))
		}
		return nil
	})
}

func (m *manager) AddDisk(ctx context.Context, req AddDiskRequest) (capacity backend.Capacity, err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "add_disk", start, err) }()
	ctx, log := logger.ForOperation(ctx, "add_disk", req.VGUUID)
	vg := req.VGUUID

	lk, err := m.locker.Lock(ctx)
	if err != nil {
		return backend.Capacity{}, fmt.Errorf("take host lock: %w", err)
	}
	defer lk.Unlock()

	dev, err := m.resolver.Resolve(ctx, req.DiskIdentifier)
	if err != nil {
		return backend.Capacity{}, err
	}

	vgTags, err := m.vgs.VGTags(ctx, vg)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return backend.Capacity{}, fmt.Errorf("read tags of %s: %w", vg, err)
	}
	if !tags.HasKind(vgTags, tags.Init) {
		created, err := m.ensureVG(ctx, vg, []string{dev}, req.HostUUID, req.ForceWipe)
		if err != nil {
			return backend.Capacity{}, err
		}
		if created {
			return m.Capacity(ctx, vg)
		}
	}

	if err := m.svc.CheckGlobalLock(ctx); err != nil {
		return backend.Capacity{}, fmt.Errorf("check global lock: %w", err)
	}
	if req.ForceWipe {
		if err := m.vgs.WipeSignatures(ctx, []string{dev}); err != nil {
			return backend.Capacity{}, fmt.Errorf("wipe %s: %w", dev, err)
		}
	}
	if err := m.vgs.AddMember(ctx, vg, dev, m.opts.MetadataSize); err != nil {
		return backend.Capacity{}, fmt.Errorf("add %s to %s: %w", dev, vg, err)
	}
	log.InfoContext(ctx, "added disk to pool", "device", dev)
	return m.Capacity(ctx, vg)
}

func (m *manager) CheckDisks(ctx context.Context, req CheckDisksRequest) (*backend.Capacity, error) {
	if req.FailIfNoPath {
		if err := m.resolver.DisableQueueing(ctx); err != nil {
			return nil, fmt.Errorf("disable multipath queueing: %w", err)
		}
	}
	for _, id := range req.DiskIdentifiers {
		var err error
		if req.Rescan {
			err = m.resolver.Rescan(ctx, id)
		} else {
			_, err = m.resolver.Resolve(ctx, id)
		}
		if err != nil {
			return nil, err
		}
	}

	if req.VGUUID == "" {
		return nil, nil
	}
	exists, err := m.vgs.VGExists(ctx, req.VGUUID)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", req.VGUUID, err)
	}
	if !exists {
		return nil, nil
	}
	c, err := m.Capacity(ctx, req.VGUUID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (m *manager) Capacity(ctx context.Context, vgUUID string) (backend.Capacity, error) {
	c, err := m.vgs.VGSize(ctx, vgUUID)
	if errors.Is(err, backend.ErrNotFound) {
		return backend.Capacity{}, fmt.Errorf("%w: %s", ErrVGNotFound, vgUUID)
	}
	if err != nil {
		return backend.Capacity{}, fmt.Errorf("read size of %s: %w", vgUUID, err)
	}
	return c, nil
}

func (m *manager) ListBlockDevices(ctx context.Context) ([]disk.BlockDevice, error) {
	return m.resolver.ListBlockDevices(ctx)
}

func (m *manager) connectedPools() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Keys(m.connected)
}
