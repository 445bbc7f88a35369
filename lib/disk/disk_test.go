package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	links    map[string]string
	devs     []BlockDevice
	maps     map[string]string
	slaves   map[string][]string
	rescanOK map[string]bool
	growOK   map[string]bool

	rescanned []string
	resized   []string
	grown     []string
}

func (h *fakeHost) EvalSymlinks(p string) (string, error) {
	if t, ok := h.links[p]; ok {
		return t, nil
	}
	return "", os.ErrNotExist
}

func (h *fakeHost) BlockDevices(ctx context.Context) ([]BlockDevice, error) { return h.devs, nil }

func (h *fakeHost) MultipathMap(name string) (string, error) { return h.maps[name], nil }

func (h *fakeHost) Slaves(dm string) ([]string, error) { return h.slaves[dm], nil }

func (h *fakeHost) RescanDevice(name string) error {
	h.rescanned = append(h.rescanned, name)
	if h.rescanOK != nil && !h.rescanOK[name] {
		return errors.New("write rescan: no such device")
	}
	return nil
}

func (h *fakeHost) ResizeMultipathMap(ctx context.Context, dm string) error {
	h.resized = append(h.resized, dm)
	return nil
}

func (h *fakeHost) GrowPhysicalVolume(ctx context.Context, device string) error {
	h.grown = append(h.grown, device)
	if h.growOK != nil && !h.growOK[device] {
		return errors.New("pvresize failed")
	}
	return nil
}

func (h *fakeHost) DisableQueueing(ctx context.Context) error { return nil }

func TestResolve_PrefersMultipathAlias(t *testing.T) {
	h := &fakeHost{links: map[string]string{
		"/dev/disk/by-id/dm-uuid-mpath-36001": "/dev/dm-3",
		"/dev/disk/by-id/36001":               "/dev/sdb",
	}}
	p, err := NewResolver(h).Resolve(context.Background(), "36001")
	require.NoError(t, err)
	assert.Equal(t, "/dev/dm-3", p)

	h.links = map[string]string{"/dev/disk/by-id/36001": "/dev/sdb"}
	p, err = NewResolver(h).Resolve(context.Background(), "36001")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdb", p)
}

func TestResolve_AttributeMatch(t *testing.T) {
	h := &fakeHost{devs: []BlockDevice{
		{Path: "/dev/sdb", Type: "disk", WWN: "0x5000abc"},
		{Path: "/dev/sdc", Type: "disk", WWN: "0x5000abc"},
		{Path: "/dev/mapper/mpatha", Type: "mpath", WWN: "0x5000abc"},
		{Path: "/dev/mapper/mpatha", Type: "mpath", WWN: "0x5000abc"},
		{Path: "/dev/sdd", Type: "disk", UUID: "c0ffee"},
	}}
	r := NewResolver(h)

	p, err := r.Resolve(context.Background(), "5000abc")
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/mpatha", p)

	p, err = r.Resolve(context.Background(), "c0ffee")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdd", p)
}

func TestResolve_AmbiguousOrMissing(t *testing.T) {
	h := &fakeHost{devs: []BlockDevice{
		{Path: "/dev/sdb", Type: "disk", Vendor: "ACME"},
		{Path: "/dev/sdc", Type: "disk", Vendor: "ACME"},
	}}
	r := NewResolver(h)

	_, err := r.Resolve(context.Background(), "ACME")
	assert.ErrorIs(t, err, ErrDiskNotFound)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	_, err = r.Resolve(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrDiskNotFound)

	_, err = r.Resolve(context.Background(), "../sda")
	assert.ErrorIs(t, err, ErrDiskNotFound)
}

func TestResolveAll_Dedupes(t *testing.T) {
	h := &fakeHost{links: map[string]string{
		"/dev/disk/by-id/a": "/dev/sdb",
		"/dev/disk/by-id/b": "/dev/sdb",
		"/dev/disk/by-id/c": "/dev/sdc",
	}}
	paths, err := NewResolver(h).ResolveAll(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/sdb", "/dev/sdc"}, paths)
}

func TestRescan_MultipathSlavesBestEffort(t *testing.T) {
	h := &fakeHost{
		links:    map[string]string{"/dev/disk/by-id/dm-uuid-mpath-w1": "/dev/dm-2"},
		maps:     map[string]string{"dm-2": "dm-2"},
		slaves:   map[string][]string{"dm-2": {"sdb", "sdc"}},
		rescanOK: map[string]bool{"sdc": true},
	}
	require.NoError(t, NewResolver(h).Rescan(context.Background(), "w1"))
	assert.Equal(t, []string{"sdb", "sdc"}, h.rescanned)
	assert.Equal(t, []string{"dm-2"}, h.resized)
	assert.Equal(t, []string{"/dev/dm-2"}, h.grown)
}

func TestRescan_GrowFallsBackToMap(t *testing.T) {
	h := &fakeHost{
		links:  map[string]string{"/dev/disk/by-id/w1": "/dev/sdb"},
		maps:   map[string]string{"sdb": "dm-4"},
		growOK: map[string]bool{"/dev/dm-4": true},
	}
	require.NoError(t, NewResolver(h).Rescan(context.Background(), "w1"))
	assert.Equal(t, []string{"dm-4"}, h.rescanned)
	assert.Equal(t, []string{"/dev/sdb", "/dev/dm-4"}, h.grown)

	h.growOK = map[string]bool{}
	assert.Error(t, NewResolver(h).Rescan(context.Background(), "w1"))
}

func TestRescan_PlainDevice(t *testing.T) {
	h := &fakeHost{links: map[string]string{"/dev/disk/by-id/w1": "/dev/sdb"}}
	require.NoError(t, NewResolver(h).Rescan(context.Background(), "w1"))
	assert.Equal(t, []string{"sdb"}, h.rescanned)
	assert.Empty(t, h.resized)
	assert.Equal(t, []string{"/dev/sdb"}, h.grown)
}

func TestParseLsblk(t *testing.T) {
	out := `NAME="/dev/sda" TYPE="disk" FSTYPE="" LABEL="" UUID="" VENDOR="ATA     " MODEL="QEMU HARDDISK" MODE="brw-rw----" WWN="" SERIAL="QM1" HCTL="0:0:0:0" SIZE="10737418240"
NAME="/dev/mapper/mpatha" TYPE="mpath" FSTYPE="LVM2_member" LABEL="" UUID="Abc-123" VENDOR="" MODEL="" MODE="brw-rw----" WWN="" SERIAL="" HCTL="" SIZE="21474836480"
`
	devs := ParseLsblk([]byte(out))
	require.Len(t, devs, 2)
	assert.Equal(t, "sda", devs[0].Name)
	assert.Equal(t, "ATA", devs[0].Vendor)
	assert.Equal(t, int64(10737418240), devs[0].Size)
	assert.Equal(t, "mpath", devs[1].Type)
	assert.Equal(t, "Abc-123", devs[1].UUID)
}

func TestSysHost_SysfsTopology(t *testing.T) {
	root := t.TempDir()
	mk := func(p, content string) {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	mk("sys/class/block/dm-1/dm/uuid", "mpath-36001\n")
	mk("sys/class/block/dm-1/slaves/sdb", "")
	mk("sys/class/block/dm-1/slaves/sdc", "")
	mk("sys/class/block/sdb/holders/dm-1", "")
	mk("sys/block/sdb/device/rescan", "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dev/disk/by-id"), 0755))
	mk("dev/dm-1", "")
	require.NoError(t, os.Symlink("../../dm-1", filepath.Join(root, "dev/disk/by-id/dm-uuid-mpath-36001")))

	runner := command.NewFake()
	h := NewSysHost(root, runner)

	p, err := h.EvalSymlinks("/dev/disk/by-id/dm-uuid-mpath-36001")
	require.NoError(t, err)
	assert.Equal(t, "/dev/dm-1", p)

	dm, err := h.MultipathMap("sdb")
	require.NoError(t, err)
	assert.Equal(t, "dm-1", dm)
	dm, err = h.MultipathMap("dm-1")
	require.NoError(t, err)
	assert.Equal(t, "dm-1", dm)
	dm, err = h.MultipathMap("sdz")
	require.NoError(t, err)
	assert.Empty(t, dm)

	slaves, err := h.Slaves("dm-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sdb", "sdc"}, slaves)

	require.NoError(t, h.RescanDevice("sdb"))
	b, err := os.ReadFile(filepath.Join(root, "sys/block/sdb/device/rescan"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(b))

	require.NoError(t, h.ResizeMultipathMap(context.Background(), "dm-1"))
	require.NoError(t, h.DisableQueueing(context.Background()))
	assert.True(t, runner.Ran("multipathd resize map dm-1"))
	assert.True(t, runner.Ran("multipathd disablequeueing maps"))
}
