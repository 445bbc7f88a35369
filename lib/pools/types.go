package pools

import (
	"time"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/retry"
)

// DefaultMetadataSize is the metadata area reserved on every member disk.
const DefaultMetadataSize = 2 << 30

// Options tune the pool manager. Zero values take the defaults.
type Options struct {
	MetadataSize  int64
	SanlockLVSize int64
	// QMPSocketDir is swept for stale monitor sockets on connect. Empty disables the sweep.
	QMPSocketDir string
	// Discovery bounds volume group discovery on connect and add-disk.
	Discovery retry.Policy
	// Deactivate bounds discovery and LV deactivation on disconnect.
	Deactivate retry.Policy
	Hostname   string
	Now        func() time.Time
}

// ConnectRequest joins this host to a pool.
type ConnectRequest struct {
	VGUUID          string
	DiskIdentifiers []string
	HostID          int
	HostUUID        string
	ForceWipe       bool
	EnableLvmetad   bool
}

// ConnectResult reports the pool as this host sees it after connecting.
type ConnectResult struct {
	// IsFirst is true when this call created the volume group.
	IsFirst   bool
	Capacity  backend.Capacity
	HostID    int
	VGLvmUUID string
	HostUUID  string
}

// DisconnectRequest removes this host from a pool.
type DisconnectRequest struct {
	VGUUID       string
	HostUUID     string
	StopServices bool
}

// AddDiskRequest grows a pool by one disk.
type AddDiskRequest struct {
	VGUUID         string
	DiskIdentifier string
	HostUUID       string
	ForceWipe      bool
}

// CheckDisksRequest verifies that disks are visible on this host.
type CheckDisksRequest struct {
	// VGUUID is optional; when set and the pool exists its capacity is returned.
	VGUUID          string
	DiskIdentifiers []string
	Rescan          bool
	FailIfNoPath    bool
}
