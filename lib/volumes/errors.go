package volumes

import (
	"fmt"

	"github.com/onkernel/sharedblock/lib/backend"
)

var (
	ErrFolderDelete         = fmt.Errorf("deleting folders: %w", backend.ErrUnsupported)
	ErrProvisioningStrategy = fmt.Errorf("provisioning strategy: %w", backend.ErrUnsupported)
)
