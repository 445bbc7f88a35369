package migration

import (
	"fmt"

	"github.com/onkernel/sharedblock/lib/backend"
)

// ErrTargetExists is returned before any mutation when a migration target
// is already present in its pool, or named twice in one batch.
var ErrTargetExists = fmt.Errorf("migration target %w", backend.ErrConflict)
