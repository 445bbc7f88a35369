package volumes

import (
	"regexp"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/samber/lo"
)

const (
	// qcow2 metadata headroom added to every thick allocation.
	reserveBase = int64(12 * datasize.MB)
	// plus this much per reserveStep of virtual size.
	reservePerStep = int64(4 * datasize.MB)
	reserveStep    = int64(4 * datasize.GB)

	// zeroedHeader is cleared on fresh qcow2 volumes so stale guest
	// signatures on reused extents are not picked up.
	zeroedHeader = int64(1 * datasize.MB)
)

var preallocationRe = regexp.MustCompile(`-o\s+preallocation=\w*`)

// ReservedSize is the LV size that holds a fully allocated qcow2 image of
// the given virtual size.
func ReservedSize(virtual int64) int64 {
	if virtual <= 0 {
		return reserveBase
	}
	steps := (virtual + reserveStep - 1) / reserveStep
	return virtual + reserveBase + steps*reservePerStep
}

// AllocationSize is the initial LV size for a new volume. Thin volumes
// start at the requested initial size and grow on demand.
func AllocationSize(virtual int64, a Allocation) int64 {
	reserved := ReservedSize(virtual)
	if a.Provisioning != ThinProvisioning || a.ThinInitializeSize <= 0 {
		return reserved
	}
	return min(reserved, a.ThinInitializeSize)
}

// Qcow2Options splits the management plane's qcow2 option string into
// arguments. Preallocation is dropped for images with a backing file and
// for thin volumes, where it would defeat the point.
func Qcow2Options(opts string, hasBacking bool, p Provisioning) []string {
	if strings.TrimSpace(opts) == "" {
		return nil
	}
	if hasBacking || p == ThinProvisioning {
		opts = preallocationRe.ReplaceAllString(opts, " ")
	}
	return strings.Fields(opts)
}

// clampSize bounds size by every ceiling.
func clampSize(size int64, ceilings ...int64) int64 {
	return lo.Min(append([]int64{size}, ceilings...))
}
