package volumes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/installpath"
	"github.com/onkernel/sharedblock/lib/lock"
	"github.com/onkernel/sharedblock/lib/tags"
)

// keepImages leaves cached images active after a recursive scope, since
// other volumes on this host are likely to be cloned from them soon.
var keepImages = []tags.Kind{tags.Image}

func (m *manager) CreateRootVolume(ctx context.Context, req CreateRootVolumeRequest) (err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "create_root_volume", start, err) }()
	ctx, log := begin(ctx, "create_root_volume", req.InstallPath)

	paths, err := devicePaths(req.TemplatePath, req.InstallPath)
	if err != nil {
		return err
	}
	template, target := paths[0], paths[1]
	opts := Qcow2Options(req.Qcow2Options, true, req.Provisioning)

	lk, err := m.locker.Lock(ctx)
	if err != nil {
		return fmt.Errorf("take host lock: %w", err)
	}
	defer lk.Unlock()

	err = m.locks.Run(ctx, template, lock.Options{Mode: backend.Shared, Recursive: true, KeepActive: keepImages},
		func(ctx context.Context) error {
			virtual, err := m.storage.VirtualSize(ctx, template)
			if err != nil {
				return fmt.Errorf("read size of %s: %w", template, err)
			}
			if err := m.ensureLV(ctx, target, AllocationSize(virtual, req.Allocation), req.HostUUID); err != nil {
				return err
			}
			return m.populate(ctx, "create_root_volume", target, func(ctx context.Context) error {
				return m.storage.Clone(ctx, template, target, opts)
			})
		})
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "created root volume", "template", template, "path", target)
	return nil
}

func (m *manager) CreateEmptyVolume(ctx context.Context, req CreateEmptyVolumeRequest) (err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "create_empty_volume", start, err) }()
	ctx, log := begin(ctx, "create_empty_volume", req.InstallPath)

	target, err := installpath.ToDevicePath(req.InstallPath)
	if err != nil {
		return err
	}

	lk, err := m.locker.Lock(ctx)
	if err != nil {
		return fmt.Errorf("take host lock: %w", err)
	}
	defer lk.Unlock()

	if req.BackingFile != "" {
		backing, err := installpath.ToDevicePath(req.BackingFile)
		if err != nil {
			return err
		}
		opts := Qcow2Options(req.Qcow2Options, true, req.Provisioning)
		err = m.locks.Run(ctx, backing, lock.Options{Mode: backend.Shared, Recursive: true},
			func(ctx context.Context) error {
				virtual, err := m.storage.VirtualSize(ctx, backing)
				if err != nil {
					return fmt.Errorf("read size of %s: %w", backing, err)
				}
				if err := m.ensureLV(ctx, target, AllocationSize(virtual, req.Allocation), req.HostUUID); err != nil {
					return err
				}
				return m.populate(ctx, "create_empty_volume", target, func(ctx context.Context) error {
					return m.storage.CreateWithBackingFile(ctx, backing, target, opts)
				})
			})
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "created volume on backing file", "path", target, "backing", backing)
		return nil
	}

	exists, err := m.storage.LVExists(ctx, target)
	if err != nil {
		return fmt.Errorf("check %s: %w", target, err)
	}
	if exists {
		log.InfoContext(ctx, "volume already exists", "path", target)
		return nil
	}
	if err := m.storage.CreateLV(ctx, target, AllocationSize(req.Size, req.Allocation), m.volumeTag(req.HostUUID)); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if strings.EqualFold(req.VolumeFormat, "raw") {
		log.InfoContext(ctx, "created raw volume", "path", target, "size", req.Size)
		return nil
	}

	opts := Qcow2Options(req.Qcow2Options, false, req.Provisioning)
	err = m.populate(ctx, "create_empty_volume", target, func(ctx context.Context) error {
		if err := m.storage.Create(ctx, target, req.Size, opts); err != nil {
			return err
		}
		return m.storage.FillZero(ctx, target, 0, zeroedHeader)
	})
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "created empty volume", "path", target, "size", req.Size)
	return nil
}

func (m *manager) RevertVolumeFromSnapshot(ctx context.Context, req RevertVolumeRequest) (res *RevertVolumeResult, err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "revert_volume_from_snapshot", start, err) }()
	ctx, log := begin(ctx, "revert_volume_from_snapshot", req.SnapshotPath)

	snapshot, err := installpath.ToDevicePath(req.SnapshotPath)
	if err != nil {
		return nil, err
	}
	installPath := req.InstallPath
	if installPath == "" {
		vg := req.VGUUID
		if vg == "" {
			if vg, err = installpath.PoolUUID(req.SnapshotPath); err != nil {
				return nil, err
			}
		}
		installPath = installpath.Path{VG: vg, LV: strings.ReplaceAll(uuid.NewString(), "-", "")}.Install()
	}
	target, err := installpath.ToDevicePath(installPath)
	if err != nil {
		return nil, err
	}
	opts := Qcow2Options(req.Qcow2Options, true, req.Provisioning)

	var size int64
	err = m.locks.Run(ctx, snapshot, lock.Options{Mode: backend.Shared, Recursive: true},
		func(ctx context.Context) error {
			virtual, err := m.storage.VirtualSize(ctx, snapshot)
			if err != nil {
				return fmt.Errorf("read size of %s: %w", snapshot, err)
			}
			if err := m.storage.CreateLV(ctx, target, AllocationSize(virtual, req.Allocation), m.volumeTag(req.HostUUID)); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			return m.populate(ctx, "revert_volume_from_snapshot", target, func(ctx context.Context) error {
				if err := m.storage.Clone(ctx, snapshot, target, opts); err != nil {
					return err
				}
				size, err = m.storage.VirtualSize(ctx, target)
				return err
			})
		})
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "reverted volume from snapshot", "snapshot", snapshot, "path", target)
	return &RevertVolumeResult{InstallPath: installPath, Size: size}, nil
}

func (m *manager) CreateTemplateFromVolume(ctx context.Context, req CreateTemplateRequest) (err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "create_template_from_volume", start, err) }()
	ctx, log := begin(ctx, "create_template_from_volume", req.InstallPath)

	paths, err := devicePaths(req.VolumePath, req.InstallPath)
	if err != nil {
		return err
	}
	source, target := paths[0], paths[1]

	if req.SharedVolume {
		// Shared volumes may be attached elsewhere; join their shared lock first.
		if err := m.activate(ctx, source, backend.Shared, true); err != nil {
			return err
		}
	}

	err = m.locks.Run(ctx, source, lock.Options{Mode: backend.Shared, Recursive: true, KeepActive: keepImages},
		func(ctx context.Context) error {
			virtual, err := m.storage.VirtualSize(ctx, source)
			if err != nil {
				return fmt.Errorf("read size of %s: %w", source, err)
			}
			size, compress, err := m.chainAllocation(ctx, source)
			if err != nil {
				return err
			}
			size = clampSize(size, virtual)

			if err := m.ensureLV(ctx, target, size, req.HostUUID); err != nil {
				return err
			}
			return m.populate(ctx, "create_template_from_volume", target, func(ctx context.Context) error {
				if err := m.storage.Flatten(ctx, source, target, compress); err != nil {
					return err
				}
				if !req.CompareQcow2 {
					return nil
				}
				if err := m.storage.Compare(ctx, source, target); err != nil {
					if errors.Is(err, backend.ErrIntegrity) {
						log.ErrorContext(ctx, "template differs from source volume", "source", source, "path", target)
					}
					return err
				}
				return nil
			})
		})
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "created template from volume", "source", source, "path", target)
	return nil
}

// chainAllocation sums the allocated size of every layer of path's chain
// and reports whether any layer is compressed.
func (m *manager) chainAllocation(ctx context.Context, path string) (int64, bool, error) {
	chain, err := m.storage.BackingChain(ctx, path)
	if err != nil {
		return 0, false, fmt.Errorf("read backing chain of %s: %w", path, err)
	}
	var total int64
	compress := false
	for _, layer := range chain {
		size, err := m.storage.LVSize(ctx, layer)
		if err != nil {
			return 0, false, fmt.Errorf("read size of %s: %w", layer, err)
		}
		total += size
		if !compress {
			if compress, err = m.storage.IsCompressed(ctx, layer); err != nil {
				return 0, false, fmt.Errorf("check compression of %s: %w", layer, err)
			}
		}
	}
	return total, compress, nil
}
