package volumes

import "github.com/onkernel/sharedblock/lib/backend"

// Provisioning is how a volume's LV is allocated.
type Provisioning string

const (
	ThickProvisioning Provisioning = "ThickProvisioning"
	ThinProvisioning  Provisioning = "ThinProvisioning"
)

// Allocation controls the size of newly created LVs.
type Allocation struct {
	Provisioning Provisioning
	// ThinInitializeSize is the initial LV size of thin volumes.
	ThinInitializeSize int64
}

// CreateRootVolumeRequest clones a cached template into a VM root disk.
type CreateRootVolumeRequest struct {
	TemplatePath string
	InstallPath  string
	HostUUID     string
	Qcow2Options string
	Allocation
}

// CreateEmptyVolumeRequest creates a blank volume, optionally on top of a backing file.
type CreateEmptyVolumeRequest struct {
	InstallPath  string
	BackingFile  string
	Size         int64
	VolumeFormat string
	HostUUID     string
	Qcow2Options string
	Allocation
}

type ResizeVolumeRequest struct {
	InstallPath string
	Size        int64
	// Live resizes only the allocation; the running VM grows the image itself.
	Live bool
	Allocation
}

type CreateTemplateRequest struct {
	VolumePath   string
	InstallPath  string
	HostUUID     string
	SharedVolume bool
	CompareQcow2 bool
}

type RevertVolumeRequest struct {
	VGUUID       string
	SnapshotPath string
	// InstallPath is optional; a fresh LV name is generated when empty.
	InstallPath  string
	HostUUID     string
	Qcow2Options string
	Allocation
}

type RevertVolumeResult struct {
	InstallPath string
	Size        int64
}

type MergeSnapshotRequest struct {
	SnapshotPath  string
	WorkspacePath string
	HostUUID      string
}

type OfflineMergeRequest struct {
	SrcPath    string
	DestPath   string
	HostUUID   string
	FullRebase bool
}

type ConvertImageRequest struct {
	InstallPath string
	HostUUID    string
}

// ActivateRequest changes the activation of a volume and leaves it that way.
type ActivateRequest struct {
	InstallPath string
	Mode        backend.Activation
	Recursive   bool
	// KillProcess allows killing stopped QEMU processes that block deactivation.
	KillProcess bool
}

type ConvertProvisioningRequest struct {
	InstallPath        string
	Strategy           Provisioning
	ThinInitializeSize int64
}

type DeleteBitsRequest struct {
	Path   string
	Folder bool
}

// SizeResult carries a volume's virtual and allocated size in bytes.
type SizeResult struct {
	Size       int64
	ActualSize int64
}
