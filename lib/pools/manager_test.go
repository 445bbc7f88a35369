package pools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/disk"
	"github.com/onkernel/sharedblock/lib/filelock"
	"github.com/onkernel/sharedblock/lib/retry"
	"github.com/onkernel/sharedblock/lib/tags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	links     map[string]string
	rescanned []string
	noQueue   int
}

func (h *fakeHost) EvalSymlinks(p string) (string, error) {
	if t, ok := h.links[p]; ok {
		return t, nil
	}
	return "", os.ErrNotExist
}

func (h *fakeHost) BlockDevices(ctx context.Context) ([]disk.BlockDevice, error) {
	return []disk.BlockDevice{{Name: "sdb", Path: "/dev/sdb", Type: "disk"}}, nil
}

func (h *fakeHost) MultipathMap(name string) (string, error) { return "", nil }
func (h *fakeHost) Slaves(dm string) ([]string, error)      { return nil, nil }

func (h *fakeHost) RescanDevice(name string) error {
	h.rescanned = append(h.rescanned, name)
	return nil
}

func (h *fakeHost) ResizeMultipathMap(ctx context.Context, dm string) error       { return nil }
func (h *fakeHost) GrowPhysicalVolume(ctx context.Context, device string) error { return nil }

func (h *fakeHost) DisableQueueing(ctx context.Context) error {
	h.noQueue++
	return nil
}

type fakeSockets struct {
	dirs []string
}

func (s *fakeSockets) CleanStaleSockets(ctx context.Context, dir string) ([]string, error) {
	s.dirs = append(s.dirs, dir)
	return nil, nil
}

var fixedNow = time.Unix(1700000000, 0)

func setupTestManager(t *testing.T) (*backend.Fake, *fakeHost, *fakeSockets, Manager) {
	t.Helper()
	f := backend.NewFake()
	h := &fakeHost{links: map[string]string{
		"/dev/disk/by-id/wwn-1": "/dev/sdb",
		"/dev/disk/by-id/wwn-2": "/dev/sdc",
	}}
	s := &fakeSockets{}
	m, err := NewManager(f, f, disk.NewResolver(h), filelock.New(filepath.Join(t.TempDir(), "agent.lock")), s, Options{
		QMPSocketDir: "/var/lib/libvirt/qemu/zstack",
		Discovery:    retry.Immediate(3),
		Deactivate:   retry.Immediate(3),
		Hostname:     "node-1",
		Now:          func() time.Time { return fixedNow },
	}, nil)
	require.NoError(t, err)
	return f, h, s, m
}

func TestConnect_CreatesPool(t *testing.T) {
	f, _, s, m := setupTestManager(t)
	ctx := context.Background()

	res, err := m.Connect(ctx, ConnectRequest{
		VGUUID:          "vg1",
		DiskIdentifiers: []string{"wwn-1", "wwn-2", "wwn-1"},
		HostID:          7,
		HostUUID:        "host-a",
	})
	require.NoError(t, err)
	assert.True(t, res.IsFirst)
	assert.Equal(t, 7, res.HostID)
	assert.Equal(t, "lvm-vg1", res.VGLvmUUID)
	assert.Equal(t, "host-a", res.HostUUID)
	assert.Equal(t, int64(200<<30), res.Capacity.Total)

	vg, ok := f.VG("vg1")
	require.True(t, ok)
	assert.Equal(t, []string{"/dev/sdb", "/dev/sdc"}, vg.Members)
	assert.True(t, vg.LockUp)
	assert.True(t, tags.HasKind(vg.Tags, tags.Init))
	assert.Contains(t, vg.Tags, "zs::sharedblock::heartbeat::host-a::1700000000::node-1")

	assert.True(t, f.LockServiceRunning)
	assert.Equal(t, 7, f.LockServiceConfig.HostID)
	assert.Equal(t, "vg1-host-a-node-1", f.LockServiceConfig.SanlockHostName)
	assert.Equal(t, []string{"/var/lib/libvirt/qemu/zstack"}, s.dirs)
	assert.NotContains(t, f.Calls, "WipeSignatures /dev/sdb,/dev/sdc")
}

func TestConnect_SecondHostJoins(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	ctx := context.Background()
	f.AddVG(backend.FakeVG{Name: "vg1", Members: []string{"/dev/sdb"}, Total: 100 << 30,
		Tags: []string{"zs::sharedblock::init::host-a::1::node-0"}})

	res, err := m.Connect(ctx, ConnectRequest{VGUUID: "vg1", DiskIdentifiers: []string{"wwn-1"}, HostID: 2, HostUUID: "host-b"})
	require.NoError(t, err)
	assert.False(t, res.IsFirst)
	assert.NotContains(t, f.Calls, "CreateVG vg1")
}

func TestConnect_ForeignVGTolerated(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	f.AddVG(backend.FakeVG{Name: "vg1", Total: 100 << 30})

	res, err := m.Connect(context.Background(), ConnectRequest{VGUUID: "vg1", HostUUID: "host-a"})
	require.NoError(t, err)
	assert.False(t, res.IsFirst)
}

func TestConnect_ConcurrentCreateIsNotFirst(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	f.FailOn("CreateVG", "vg1", backend.ErrConflict)
	// The other host's VG shows up on rediscovery.
	f.FailOnTimes("VGTags", "vg1", backend.ErrNotFound, 3)
	f.AddVG(backend.FakeVG{Name: "vg1", Total: 100 << 30, Tags: []string{"zs::sharedblock::init::host-b::1"}})

	res, err := m.Connect(context.Background(), ConnectRequest{VGUUID: "vg1", DiskIdentifiers: []string{"wwn-1"}, HostUUID: "host-a"})
	require.NoError(t, err)
	assert.False(t, res.IsFirst)
	assert.Contains(t, f.Calls, "CreateVG vg1")
}

func TestConnect_ForceWipe(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	_, err := m.Connect(context.Background(), ConnectRequest{
		VGUUID: "vg1", DiskIdentifiers: []string{"wwn-1"}, HostUUID: "host-a", ForceWipe: true,
	})
	require.NoError(t, err)
	wipe := slices.Index(f.Calls, "WipeSignatures /dev/sdb")
	create := slices.Index(f.Calls, "CreateVG vg1")
	require.GreaterOrEqual(t, wipe, 0)
	assert.Less(t, wipe, create)
}

func TestConnect_NoDisksForNewPool(t *testing.T) {
	_, _, _, m := setupTestManager(t)
	_, err := m.Connect(context.Background(), ConnectRequest{VGUUID: "vg1", HostUUID: "host-a"})
	assert.ErrorIs(t, err, ErrNoDisks)
	assert.ErrorIs(t, err, backend.ErrUnsupported)
}

func TestConnect_UnknownDisk(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	_, err := m.Connect(context.Background(), ConnectRequest{VGUUID: "vg1", DiskIdentifiers: []string{"nope"}, HostUUID: "host-a"})
	assert.ErrorIs(t, err, disk.ErrDiskNotFound)
	assert.NotContains(t, f.Calls, "Start *")
}

func TestConnect_RestartsUnhealthyLock(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	f.AddVG(backend.FakeVG{Name: "vg1", Total: 100 << 30, Tags: []string{"zs::sharedblock::init::host-a::1"}})
	f.SetVGUnhealthy("vg1", 1)

	_, err := m.Connect(context.Background(), ConnectRequest{VGUUID: "vg1", HostUUID: "host-a"})
	require.NoError(t, err)

	var lockCalls []string
	for _, c := range f.Calls {
		switch c {
		case "StartVGLock vg1", "CheckVGLock vg1", "DropVGLock vg1", "CheckGlobalLock *":
			lockCalls = append(lockCalls, c)
		}
	}
	assert.Equal(t, []string{
		"CheckGlobalLock *",
		"StartVGLock vg1",
		"CheckVGLock vg1",
		"DropVGLock vg1",
		"CheckGlobalLock *",
		"StartVGLock vg1",
		"CheckVGLock vg1",
	}, lockCalls)
}

func TestConnect_ReplacesOwnHeartbeatOnly(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	f.AddVG(backend.FakeVG{Name: "vg1", Total: 100 << 30, Tags: []string{
		"zs::sharedblock::init::host-a::1",
		"zs::sharedblock::heartbeat::host-a::1600000000::node-1",
		"zs::sharedblock::heartbeat::host-b::1600000000::node-2",
	}})

	_, err := m.Connect(context.Background(), ConnectRequest{VGUUID: "vg1", HostUUID: "host-a"})
	require.NoError(t, err)

	vg, _ := f.VG("vg1")
	assert.ElementsMatch(t, []string{
		"zs::sharedblock::init::host-a::1",
		"zs::sharedblock::heartbeat::host-b::1600000000::node-2",
		"zs::sharedblock::heartbeat::host-a::1700000000::node-1",
	}, vg.Tags)
}

func TestDisconnect(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	ctx := context.Background()
	_, err := m.Connect(ctx, ConnectRequest{VGUUID: "vg1", DiskIdentifiers: []string{"wwn-1"}, HostUUID: "host-a"})
	require.NoError(t, err)
	f.AddLV(backend.FakeLV{Path: "/dev/vg1/lv1", Activation: backend.Shared})

	f.Calls = nil
	require.NoError(t, m.Disconnect(ctx, DisconnectRequest{VGUUID: "vg1", HostUUID: "host-a", StopServices: true}))

	vg, _ := f.VG("vg1")
	assert.False(t, vg.LockUp)
	assert.False(t, tags.HasKind(vg.Tags, tags.Heartbeat))
	assert.True(t, tags.HasKind(vg.Tags, tags.Init))
	assert.Equal(t, backend.Inactive, f.Activations()["/dev/vg1/lv1"])
	assert.False(t, f.LockServiceRunning)
	assert.Equal(t, "PurgeArchive vg1", f.Calls[len(f.Calls)-1])
}

func TestDisconnect_MissingPoolSucceeds(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	require.NoError(t, m.Disconnect(context.Background(), DisconnectRequest{VGUUID: "gone", HostUUID: "host-a"}))
	assert.Equal(t, []string{"PurgeArchive gone"}, f.Calls)
}

func TestDisconnect_VolumesStayActive(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	f.AddVG(backend.FakeVG{Name: "vg1", Total: 100 << 30, LockUp: true})
	f.AddLV(backend.FakeLV{Path: "/dev/vg1/busy", Activation: backend.Exclusive})
	f.FailOn("DeactivateVG", "vg1", errors.New("logical volume in use"))

	err := m.Disconnect(context.Background(), DisconnectRequest{VGUUID: "vg1", HostUUID: "host-a"})
	require.ErrorIs(t, err, errStillActive)
	vg, _ := f.VG("vg1")
	assert.True(t, vg.LockUp)
	assert.Contains(t, f.Calls, "PurgeArchive vg1")
}

func TestAddDisk_ExtendsPool(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	ctx := context.Background()
	_, err := m.Connect(ctx, ConnectRequest{VGUUID: "vg1", DiskIdentifiers: []string{"wwn-1"}, HostUUID: "host-a"})
	require.NoError(t, err)

	c, err := m.AddDisk(ctx, AddDiskRequest{VGUUID: "vg1", DiskIdentifier: "wwn-2", HostUUID: "host-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(200<<30), c.Total)

	vg, _ := f.VG("vg1")
	assert.Equal(t, []string{"/dev/sdb", "/dev/sdc"}, vg.Members)
}

func TestAddDisk_CreatesMissingPool(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	c, err := m.AddDisk(context.Background(), AddDiskRequest{VGUUID: "vg1", DiskIdentifier: "wwn-2", HostUUID: "host-a", ForceWipe: true})
	require.NoError(t, err)
	assert.Equal(t, int64(100<<30), c.Total)
	assert.Contains(t, f.Calls, "WipeSignatures /dev/sdc")
	assert.NotContains(t, f.Calls, "AddMember /dev/sdc")
}

func TestAddDisk_ForeignPoolGetsMember(t *testing.T) {
	f, _, _, m := setupTestManager(t)
	f.AddVG(backend.FakeVG{Name: "vg1", Members: []string{"/dev/sdb"}, Total: 100 << 30})

	_, err := m.AddDisk(context.Background(), AddDiskRequest{VGUUID: "vg1", DiskIdentifier: "wwn-2", HostUUID: "host-a"})
	require.NoError(t, err)
	assert.Contains(t, f.Calls, "AddMember /dev/sdc")
	assert.NotContains(t, f.Calls, "CreateVG vg1")
}

func TestCheckDisks(t *testing.T) {
	f, h, _, m := setupTestManager(t)
	ctx := context.Background()

	c, err := m.CheckDisks(ctx, CheckDisksRequest{DiskIdentifiers: []string{"wwn-1"}, Rescan: true, FailIfNoPath: true})
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 1, h.noQueue)
	assert.Equal(t, []string{"sdb"}, h.rescanned)

	f.AddVG(backend.FakeVG{Name: "vg1", Total: 100 << 30})
	c, err = m.CheckDisks(ctx, CheckDisksRequest{VGUUID: "vg1", DiskIdentifiers: []string{"wwn-2"}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(100<<30), c.Total)

	_, err = m.CheckDisks(ctx, CheckDisksRequest{DiskIdentifiers: []string{"missing"}})
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestCapacity_MissingPool(t *testing.T) {
	_, _, _, m := setupTestManager(t)
	_, err := m.Capacity(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrVGNotFound)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}
