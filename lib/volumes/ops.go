package volumes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/installpath"
	"github.com/onkernel/sharedblock/lib/lock"
	"github.com/onkernel/sharedblock/lib/logger"
	"github.com/onkernel/sharedblock/lib/tags"
)

func (m *manager) ResizeVolume(ctx context.Context, req ResizeVolumeRequest) (size int64, err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "resize_volume", start, err) }()
	ctx, log := begin(ctx, "resize_volume", req.InstallPath)

	path, err := installpath.ToDevicePath(req.InstallPath)
	if err != nil {
		return 0, err
	}

	err = m.locks.Run(ctx, path, lock.Options{Mode: backend.Exclusive, Recursive: true},
		func(ctx context.Context) error {
			if req.Provisioning != ThinProvisioning {
				if err := m.storage.ResizeLV(ctx, path, ReservedSize(req.Size), false); err != nil {
					return fmt.Errorf("grow %s: %w", path, err)
				}
			}
			if !req.Live {
				if err := m.storage.Resize(ctx, path, req.Size); err != nil {
					return err
				}
			}
			size, err = m.storage.VirtualSize(ctx, path)
			return err
		})
	if err != nil {
		return 0, err
	}
	log.InfoContext(ctx, "resized volume", "path", path, "size", size, "live", req.Live)
	return size, nil
}

func (m *manager) ConvertImageToVolume(ctx context.Context, req ConvertImageRequest) (err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "convert_image_to_volume", start, err) }()
	ctx, log := begin(ctx, "convert_image_to_volume", req.InstallPath)

	path, err := installpath.ToDevicePath(req.InstallPath)
	if err != nil {
		return err
	}

	err = m.locks.Run(ctx, path, lock.Options{Mode: backend.Exclusive}, func(ctx context.Context) error {
		lvTags, err := m.storage.LVTags(ctx, path)
		if err != nil {
			return fmt.Errorf("read tags of %s: %w", path, err)
		}
		for _, t := range tags.OfKind(lvTags, tags.Image) {
			if err := m.storage.RemoveLVTag(ctx, path, t); err != nil {
				return fmt.Errorf("remove tag from %s: %w", path, err)
			}
		}
		if err := m.storage.AddLVTag(ctx, path, m.volumeTag(req.HostUUID)); err != nil {
			return fmt.Errorf("tag %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "converted image to volume", "path", path)
	return nil
}

func (m *manager) ActivateVolume(ctx context.Context, req ActivateRequest) (err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "active_lv", start, err) }()
	ctx, _ = begin(ctx, "active_lv", req.InstallPath)

	path, err := installpath.ToDevicePath(req.InstallPath)
	if err != nil {
		return err
	}
	if req.Mode == backend.Inactive {
		return m.deactivate(ctx, path, req.KillProcess)
	}
	return m.activate(ctx, path, req.Mode, req.Recursive)
}

// activate brings path up in mode and, if recursive, every ancestor
// shared. Nothing is restored afterwards.
func (m *manager) activate(ctx context.Context, path string, mode backend.Activation, recursive bool) error {
	if err := m.storage.ActivateLV(ctx, path, mode); err != nil {
		return fmt.Errorf("activate %s %s: %w", path, mode, err)
	}
	if !recursive {
		return nil
	}
	seen := map[string]bool{path: true}
	for cur := path; ; {
		backing, err := m.storage.BackingFile(ctx, cur)
		if err != nil {
			return fmt.Errorf("read backing file of %s: %w", cur, err)
		}
		if backing == "" {
			return nil
		}
		if seen[backing] {
			return fmt.Errorf("backing chain of %s loops at %s: %w", path, backing, backend.ErrIntegrity)
		}
		seen[backing] = true
		if err := m.storage.ActivateLV(ctx, backing, backend.Shared); err != nil {
			return fmt.Errorf("activate %s shared: %w", backing, err)
		}
		cur = backing
	}
}

// deactivate releases path. When the device is still held open and
// killProcess is set, stopped QEMU holders are killed and the deactivation
// is retried once.
func (m *manager) deactivate(ctx context.Context, path string, killProcess bool) error {
	err := backend.IgnoreNotFound(m.storage.DeactivateLV(ctx, path))
	if err == nil {
		return nil
	}
	if !killProcess || m.killer == nil {
		return fmt.Errorf("deactivate %s: %w", path, err)
	}

	log := logger.FromContext(ctx)
	log.WarnContext(ctx, "deactivation failed, looking for stopped holders", "path", path, "error", err)
	killed, kerr := m.killer.KillStoppedHolders(ctx, path)
	if kerr != nil {
		return errors.Join(fmt.Errorf("deactivate %s: %w", path, err), kerr)
	}
	if len(killed) == 0 {
		return fmt.Errorf("deactivate %s: %w", path, err)
	}
	if err := backend.IgnoreNotFound(m.storage.DeactivateLV(ctx, path)); err != nil {
		return fmt.Errorf("deactivate %s after killing %v: %w", path, killed, err)
	}
	return nil
}

func (m *manager) ConvertVolumeProvisioning(ctx context.Context, req ConvertProvisioningRequest) (size int64, err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "convert_volume_provisioning", start, err) }()
	ctx, log := begin(ctx, "convert_volume_provisioning", req.InstallPath)

	if req.Strategy != ThinProvisioning {
		return 0, fmt.Errorf("%w: %q", ErrProvisioningStrategy, req.Strategy)
	}
	path, err := installpath.ToDevicePath(req.InstallPath)
	if err != nil {
		return 0, err
	}

	err = m.locks.Run(ctx, path, lock.Options{Mode: backend.Exclusive, Recursive: true},
		func(ctx context.Context) error {
			end, err := m.storage.ImageEndOffset(ctx, path)
			if err != nil {
				return err
			}
			allocated, err := m.storage.LVSize(ctx, path)
			if err != nil {
				return fmt.Errorf("read size of %s: %w", path, err)
			}
			virtual, err := m.storage.VirtualSize(ctx, path)
			if err != nil {
				return err
			}
			size = clampSize(end+req.ThinInitializeSize, allocated, virtual)
			if err := m.storage.ResizeLV(ctx, path, size, true); err != nil {
				return fmt.Errorf("shrink %s: %w", path, err)
			}
			return nil
		})
	if err != nil {
		return 0, err
	}
	log.InfoContext(ctx, "converted volume to thin provisioning", "path", path, "size", size)
	return size, nil
}

func (m *manager) GetBackingChain(ctx context.Context, installPath string) (chain []string, err error) {
	path, err := installpath.ToDevicePath(installPath)
	if err != nil {
		return nil, err
	}
	err = m.locks.Run(ctx, path, lock.Options{Mode: backend.Shared, Recursive: true, KeepActive: keepImages},
		func(ctx context.Context) error {
			chain, err = m.storage.BackingChain(ctx, path)
			return err
		})
	return chain, err
}

func (m *manager) GetVolumeSize(ctx context.Context, installPath string) (res SizeResult, err error) {
	path, err := installpath.ToDevicePath(installPath)
	if err != nil {
		return SizeResult{}, err
	}
	err = m.locks.Run(ctx, path, lock.Options{Mode: backend.Shared}, func(ctx context.Context) error {
		res.Size, err = m.storage.VirtualSize(ctx, path)
		return err
	})
	if err != nil {
		return SizeResult{}, err
	}
	if res.ActualSize, err = m.storage.LVSize(ctx, path); err != nil {
		return SizeResult{}, fmt.Errorf("read size of %s: %w", path, err)
	}
	return res, nil
}

func (m *manager) DeleteBits(ctx context.Context, req DeleteBitsRequest) (err error) {
	start := time.Now()
	defer func() { m.recordDuration(ctx, "delete_bits", start, err) }()
	ctx, log := begin(ctx, "delete_bits", req.Path)

	if req.Folder {
		return ErrFolderDelete
	}
	path, err := installpath.ToDevicePath(req.Path)
	if err != nil {
		return err
	}

	lvTags, err := m.storage.LVTags(ctx, path)
	if errors.Is(err, backend.ErrNotFound) {
		log.InfoContext(ctx, "volume already gone", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tags of %s: %w", path, err)
	}
	if tags.HasKind(lvTags, tags.Image) {
		// Images are left active shared for cloning; drop that first.
		log.InfoContext(ctx, "deleting image", "path", path)
		if err := backend.IgnoreNotFound(m.storage.DeactivateLV(ctx, path)); err != nil {
			return fmt.Errorf("deactivate %s: %w", path, err)
		}
	} else {
		log.InfoContext(ctx, "deleting volume", "path", path)
	}
	if err := backend.IgnoreNotFound(m.storage.DeleteLV(ctx, path)); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (m *manager) CheckBits(ctx context.Context, installPath string) (bool, error) {
	path, err := installpath.ToDevicePath(installPath)
	if err != nil {
		return false, err
	}
	return m.storage.LVExists(ctx, path)
}
