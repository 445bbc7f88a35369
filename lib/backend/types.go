// Package backend defines the storage primitives the agent orchestrates:
// clustered volume groups, the distributed lock service, logical volumes
// and the copy-on-write images stored on them.
package backend

import (
	"context"
	"fmt"
)

// Activation is the lock mode a logical volume is held in on this host.
// Activating an LV under lvmlockd acquires the matching cluster lock.
type Activation int

const (
	Inactive Activation = iota
	Shared
	Exclusive
)

func (a Activation) String() string {
	switch a {
	case Inactive:
		return "inactive"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

// Satisfies reports whether holding a already covers a request for want.
func (a Activation) Satisfies(want Activation) bool {
	return a >= want
}

// Capacity is a snapshot of a volume group's size in bytes.
type Capacity struct {
	Total     int64
	Available int64
}

// LockServiceConfig is applied to lvm and sanlock configuration on every connect.
type LockServiceConfig struct {
	HostID          int
	EnableLvmetad   bool
	SanlockLVSize   int64
	SanlockHostName string
}

// VolumeGroups manages clustered volume groups.
type VolumeGroups interface {
	// Rescan refreshes the device and VG metadata view. Best-effort.
	Rescan(ctx context.Context) error
	VGExists(ctx context.Context, vg string) (bool, error)
	// VGTags reads tags without taking the VG lock.
	VGTags(ctx context.Context, vg string) ([]string, error)
	CreateVG(ctx context.Context, vg string, members []string, tag string, metadataSize int64) error
	VGSize(ctx context.Context, vg string) (Capacity, error)
	AddMember(ctx context.Context, vg, device string, metadataSize int64) error
	AddVGTag(ctx context.Context, vg, tag string) error
	RemoveVGTag(ctx context.Context, vg, tag string) error
	WipeSignatures(ctx context.Context, devices []string) error
	StartVGLock(ctx context.Context, vg string) error
	StopVGLock(ctx context.Context, vg string) error
	DropVGLock(ctx context.Context, vg string) error
	// CheckVGLock returns an error when the VG lock is unhealthy.
	CheckVGLock(ctx context.Context, vg string) error
	HostID(ctx context.Context, vg string) (int, error)
	VGUUID(ctx context.Context, vg string) (string, error)
	ListLocallyActive(ctx context.Context, vg string) ([]string, error)
	DeactivateVG(ctx context.Context, vg string) error
	PurgeArchive(ctx context.Context, vg string) error
}

// LockService controls the host's distributed lock daemons.
type LockService interface {
	Configure(ctx context.Context, cfg LockServiceConfig) error
	Start(ctx context.Context) error
	CheckGlobalLock(ctx context.Context) error
	Stop(ctx context.Context) error
}

// LogicalVolumes manages LVs addressed by device path (/dev/<vg>/<lv>).
type LogicalVolumes interface {
	LVExists(ctx context.Context, path string) (bool, error)
	CreateLV(ctx context.Context, path string, size int64, tag string) error
	DeleteLV(ctx context.Context, path string) error
	ResizeLV(ctx context.Context, path string, size int64, allowShrink bool) error
	RenameLV(ctx context.Context, src, dst string, overwrite bool) error
	ActivateLV(ctx context.Context, path string, mode Activation) error
	DeactivateLV(ctx context.Context, path string) error
	LVActivation(ctx context.Context, path string) (Activation, error)
	LVTags(ctx context.Context, path string) ([]string, error)
	AddLVTag(ctx context.Context, path, tag string) error
	RemoveLVTag(ctx context.Context, path, tag string) error
	LVSize(ctx context.Context, path string) (int64, error)
}

// Images manipulates copy-on-write images stored on activated LVs.
type Images interface {
	VirtualSize(ctx context.Context, path string) (int64, error)
	Create(ctx context.Context, path string, size int64, opts []string) error
	Clone(ctx context.Context, src, dst string, opts []string) error
	CreateWithBackingFile(ctx context.Context, backing, dst string, opts []string) error
	Flatten(ctx context.Context, src, dst string, compress bool) error
	Rebase(ctx context.Context, path, newBase string, verify bool) error
	// BackingFile returns "" when the image has no backing file.
	BackingFile(ctx context.Context, path string) (string, error)
	// BackingChain returns every file of the chain, leaf first.
	BackingChain(ctx context.Context, path string) ([]string, error)
	// Compare checks guest-visible content; divergence is ErrIntegrity.
	Compare(ctx context.Context, a, b string) error
	CompareBytewise(ctx context.Context, a, b string) (bool, error)
	Copy(ctx context.Context, src, dst string) error
	Resize(ctx context.Context, path string, size int64) error
	ImageEndOffset(ctx context.Context, path string) (int64, error)
	IsCompressed(ctx context.Context, path string) (bool, error)
	FillZero(ctx context.Context, path string, offset, length int64) error
}

// Storage is everything volume operations need from the backend.
type Storage interface {
	LogicalVolumes
	Images
}

type storage struct {
	LogicalVolumes
	Images
}

// NewStorage joins an LV manager and an image tool into a Storage.
func NewStorage(lvs LogicalVolumes, images Images) Storage {
	return storage{LogicalVolumes: lvs, Images: images}
}
