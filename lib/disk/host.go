package disk

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/onkernel/sharedblock/lib/command"
)

var lsblkColumns = "NAME,TYPE,FSTYPE,LABEL,UUID,VENDOR,MODEL,MODE,WWN,SERIAL,HCTL,SIZE"

var pairRe = regexp.MustCompile(`([A-Z:\-]+)="([^"]*)"`)

// SysHost is the real Host. Filesystem lookups are made under root so the
// host can be pointed at a fake /dev and /sys tree.
type SysHost struct {
	root   string
	runner command.Runner
}

// NewSysHost returns a Host rooted at root ("/" on a real system).
func NewSysHost(root string, runner command.Runner) *SysHost {
	return &SysHost{root: root, runner: runner}
}

func (h *SysHost) join(p string) (string, error) {
	return securejoin.SecureJoin(h.root, p)
}

func (h *SysHost) EvalSymlinks(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(filepath.Join(h.root, p))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(h.root, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s resolves outside %s", p, h.root)
	}
	return "/" + rel, nil
}

func (h *SysHost) BlockDevices(ctx context.Context) ([]BlockDevice, error) {
	out, err := h.runner.Run(ctx, "lsblk", "--pairs", "-p", "-b", "-o", lsblkColumns)
	if err != nil {
		return nil, err
	}
	return ParseLsblk(out), nil
}

// ParseLsblk parses `lsblk --pairs -p` output.
func ParseLsblk(out []byte) []BlockDevice {
	var devs []BlockDevice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		kv := map[string]string{}
		for _, m := range pairRe.FindAllStringSubmatch(sc.Text(), -1) {
			kv[m[1]] = m[2]
		}
		if kv["NAME"] == "" {
			continue
		}
		size, _ := strconv.ParseInt(kv["SIZE"], 10, 64)
		devs = append(devs, BlockDevice{
			Name:   filepath.Base(kv["NAME"]),
			Path:   kv["NAME"],
			Type:   kv["TYPE"],
			FSType: kv["FSTYPE"],
			Label:  kv["LABEL"],
			UUID:   kv["UUID"],
			Vendor: strings.TrimSpace(kv["VENDOR"]),
			Model:  strings.TrimSpace(kv["MODEL"]),
			Mode:   kv["MODE"],
			WWN:    kv["WWN"],
			Serial: kv["SERIAL"],
			HCTL:   kv["HCTL"],
			Size:   size,
		})
	}
	return devs
}

func (h *SysHost) isMultipath(name string) bool {
	p, err := h.join(filepath.Join("/sys/class/block", name, "dm/uuid"))
	if err != nil {
		return false
	}
	b, err := os.ReadFile(p)
	return err == nil && strings.HasPrefix(strings.TrimSpace(string(b)), "mpath-")
}

func (h *SysHost) MultipathMap(name string) (string, error) {
	if h.isMultipath(name) {
		return name, nil
	}
	holders, err := h.list(filepath.Join("/sys/class/block", name, "holders"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for _, hd := range holders {
		if h.isMultipath(hd) {
			return hd, nil
		}
	}
	return "", nil
}

func (h *SysHost) list(dir string) ([]string, error) {
	p, err := h.join(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (h *SysHost) Slaves(dm string) ([]string, error) {
	return h.list(filepath.Join("/sys/class/block", dm, "slaves"))
}

func (h *SysHost) RescanDevice(name string) error {
	p, err := h.join(filepath.Join("/sys/block", name, "device/rescan"))
	if err != nil {
		return err
	}
	return os.WriteFile(p, []byte("1"), 0200)
}

func (h *SysHost) ResizeMultipathMap(ctx context.Context, dm string) error {
	_, err := h.runner.Run(ctx, "multipathd", "resize", "map", dm)
	return err
}

func (h *SysHost) GrowPhysicalVolume(ctx context.Context, device string) error {
	_, err := h.runner.Run(ctx, "pvresize", device)
	return err
}

func (h *SysHost) DisableQueueing(ctx context.Context) error {
	_, err := h.runner.Run(ctx, "multipathd", "disablequeueing", "maps")
	return err
}
