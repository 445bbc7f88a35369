package pools

import (
	"errors"
	"fmt"

	"github.com/onkernel/sharedblock/lib/backend"
)

var (
	// ErrVGNotFound is returned when a pool's volume group cannot be discovered.
	ErrVGNotFound = fmt.Errorf("volume group %w", backend.ErrNotFound)
	// ErrNoDisks is returned when a volume group must be created but no disks were given.
	ErrNoDisks = fmt.Errorf("no disks given: %w", backend.ErrUnsupported)

	errStillActive = errors.New("logical volumes still active")
)
