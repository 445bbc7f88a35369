// Package installpath translates the install paths the management plane
// uses (sharedblock://<vg>/<lv>) into device paths and back.
package installpath

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/onkernel/sharedblock/lib/backend"
)

// Scheme prefixes every install path.
const Scheme = "sharedblock://"

// DevRoot is where lvm creates /dev/<vg>/<lv> links.
const DevRoot = "/dev"

// lvm allows these characters in VG and LV names.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9+_.][a-zA-Z0-9+_.\-]*$`)

// Path is a parsed install path.
type Path struct {
	VG string
	LV string
}

// Parse splits an install path into its VG and LV. Paths may carry the
// scheme or already be device paths under /dev.
func Parse(s string) (Path, error) {
	if s == "" {
		return Path{}, fmt.Errorf("empty install path: %w", backend.ErrUnsupported)
	}
	rest := strings.TrimPrefix(s, Scheme)
	if rest == s {
		rest = strings.TrimPrefix(s, DevRoot+"/")
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		return Path{}, fmt.Errorf("install path %q: want <vg>/<lv>: %w", s, backend.ErrUnsupported)
	}
	for _, p := range parts {
		if !nameRe.MatchString(p) || p == "." || p == ".." {
			return Path{}, fmt.Errorf("install path %q: invalid name %q: %w", s, p, backend.ErrUnsupported)
		}
	}
	return Path{VG: parts[0], LV: parts[1]}, nil
}

// Device returns /dev/<vg>/<lv>.
func (p Path) Device() string {
	return path.Join(DevRoot, p.VG, p.LV)
}

// Install returns sharedblock://<vg>/<lv>.
func (p Path) Install() string {
	return Scheme + p.VG + "/" + p.LV
}

// ToDevicePath maps an install path onto its device path.
func ToDevicePath(s string) (string, error) {
	p, err := Parse(s)
	if err != nil {
		return "", err
	}
	return p.Device(), nil
}

// FromDevice maps a device path back to its install path.
func FromDevice(s string) (string, error) {
	p, err := Parse(s)
	if err != nil {
		return "", err
	}
	return p.Install(), nil
}

// PoolUUID returns the VG component of an install path.
func PoolUUID(s string) (string, error) {
	p, err := Parse(s)
	if err != nil {
		return "", err
	}
	return p.VG, nil
}

// Sibling returns the device path of lv in the same VG as s.
func Sibling(s, lv string) (string, error) {
	p, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Path{VG: p.VG, LV: lv}.Device(), nil
}

// TranslateBacking rewrites a backing device path from one pool to another.
// Paths outside fromVG are returned unchanged.
func TranslateBacking(backing, fromVG, toVG string) string {
	p, err := Parse(backing)
	if err != nil || p.VG != fromVG {
		return backing
	}
	return Path{VG: toVG, LV: p.LV}.Device()
}
