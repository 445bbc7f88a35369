package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/onkernel/sharedblock/cmd/api/config"
	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/disk"
	"github.com/onkernel/sharedblock/lib/filelock"
	"github.com/onkernel/sharedblock/lib/migration"
	"github.com/onkernel/sharedblock/lib/pools"
	"github.com/onkernel/sharedblock/lib/volumes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gib = int64(1) << 30

// stubPools answers pool commands from canned values.
type stubPools struct {
	capacity    backend.Capacity
	capacityErr error
	connect     *pools.ConnectResult
	err         error

	lastConnect pools.ConnectRequest
}

func (p *stubPools) Connect(ctx context.Context, req pools.ConnectRequest) (*pools.ConnectResult, error) {
	p.lastConnect = req
	return p.connect, p.err
}

func (p *stubPools) Disconnect(ctx context.Context, req pools.DisconnectRequest) error {
	return p.err
}

func (p *stubPools) AddDisk(ctx context.Context, req pools.AddDiskRequest) (backend.Capacity, error) {
	return p.capacity, p.err
}

func (p *stubPools) CheckDisks(ctx context.Context, req pools.CheckDisksRequest) (*backend.Capacity, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &p.capacity, nil
}

func (p *stubPools) Capacity(ctx context.Context, vgUUID string) (backend.Capacity, error) {
	return p.capacity, p.capacityErr
}

func (p *stubPools) ListBlockDevices(ctx context.Context) ([]disk.BlockDevice, error) {
	return []disk.BlockDevice{{Name: "sdb", Path: "/dev/sdb", Type: "disk", Size: 100 * gib}}, p.err
}

// newTestService creates an ApiService over an in-memory backend.
func newTestService(t *testing.T) (*ApiService, *backend.Fake, *stubPools, http.Handler) {
	t.Helper()
	f := backend.NewFake()
	f.AddVG(backend.FakeVG{Name: "vg1", Total: 1000 * gib})
	f.AddVG(backend.FakeVG{Name: "vg2", Total: 1000 * gib})

	now := func() time.Time { return time.Unix(1700000000, 0) }
	vols, err := volumes.NewManager(f, filelock.New(filepath.Join(t.TempDir(), "agent.lock")), nil,
		volumes.Options{Now: now}, nil)
	require.NoError(t, err)
	coord, err := migration.NewCoordinator(f, migration.Options{Now: now}, nil)
	require.NoError(t, err)

	sp := &stubPools{capacity: backend.Capacity{Total: 1000 * gib, Available: 900 * gib}}
	svc := New(&config.Config{}, sp, vols, coord)

	r := chi.NewRouter()
	r.Get("/health", svc.GetHealth)
	r.Route("/sharedblock", svc.Routes)
	return svc, f, sp, r
}

func post(t *testing.T, h http.Handler, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, "/sharedblock"+path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestHealth(t *testing.T) {
	_, _, _, h := newTestService(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestConnect(t *testing.T) {
	_, _, sp, h := newTestService(t)
	sp.connect = &pools.ConnectResult{
		IsFirst:   true,
		Capacity:  backend.Capacity{Total: 10 * gib, Available: 8 * gib},
		HostID:    7,
		VGLvmUUID: "lvm-uuid",
		HostUUID:  "host-a",
	}

	rec, out := post(t, h, "/connect", map[string]any{
		"vgUuid":           "vg1",
		"sharedBlockUuids": []string{"disk-1", "disk-2"},
		"hostId":           7,
		"hostUuid":         "host-a",
		"forceWipe":        true,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, true, out["isFirst"])
	assert.Equal(t, float64(7), out["hostId"])
	assert.Equal(t, "lvm-uuid", out["vgLvmUuid"])
	// Capacity comes from the connect result, not a second query.
	assert.Equal(t, float64(10*gib), out["totalCapacity"])
	assert.Equal(t, float64(8*gib), out["availableCapacity"])

	assert.Equal(t, pools.ConnectRequest{
		VGUUID:          "vg1",
		DiskIdentifiers: []string{"disk-1", "disk-2"},
		HostID:          7,
		HostUUID:        "host-a",
		ForceWipe:       true,
	}, sp.lastConnect)
}

func TestBlockDevices(t *testing.T) {
	_, _, _, h := newTestService(t)

	rec, out := post(t, h, "/blockdevices", "")

	require.Equal(t, http.StatusOK, rec.Code)
	devices, ok := out["blockDevices"].([]any)
	require.True(t, ok)
	require.Len(t, devices, 1)
	assert.Equal(t, "/dev/sdb", devices[0].(map[string]any)["path"])
	// No pool named, so no capacity.
	assert.Nil(t, out["totalCapacity"])
}

func TestCreateEmptyVolumeThenGetSize(t *testing.T) {
	_, f, _, h := newTestService(t)

	rec, out := post(t, h, "/volume/createempty", map[string]any{
		"vgUuid":       "vg1",
		"installPath":  "sharedblock://vg1/data",
		"size":         gib,
		"volumeFormat": "qcow2",
		"hostUuid":     "host-a",
		"provisioning": "ThickProvisioning",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1000*gib), out["totalCapacity"])
	assert.Equal(t, float64(900*gib), out["availableCapacity"])

	lv, ok := f.LV("/dev/vg1/data")
	require.True(t, ok)
	assert.Equal(t, backend.Inactive, lv.Activation)

	rec, out = post(t, h, "/volume/getsize", map[string]any{
		"vgUuid":      "vg1",
		"installPath": "sharedblock://vg1/data",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(gib), out["size"])
	assert.GreaterOrEqual(t, out["actualSize"].(float64), float64(gib))
}

func TestCheckBits(t *testing.T) {
	_, f, _, h := newTestService(t)
	f.AddLV(backend.FakeLV{Path: "/dev/vg1/present", Size: gib})

	for path, want := range map[string]bool{
		"sharedblock://vg1/present": true,
		"sharedblock://vg1/absent":  false,
	} {
		rec, out := post(t, h, "/bits/check", map[string]any{"vgUuid": "vg1", "path": path})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, out["existing"], path)
	}
}

func TestActivateVolume(t *testing.T) {
	_, f, _, h := newTestService(t)
	f.AddLV(backend.FakeLV{Path: "/dev/vg1/vol", Size: gib})

	rec, _ := post(t, h, "/volume/active", map[string]any{
		"installPath": "sharedblock://vg1/vol",
		"lockType":    2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	lv, _ := f.LV("/dev/vg1/vol")
	assert.Equal(t, backend.Exclusive, lv.Activation)

	rec, _ = post(t, h, "/volume/active", map[string]any{
		"installPath": "sharedblock://vg1/vol",
		"lockType":    0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	lv, _ = f.LV("/dev/vg1/vol")
	assert.Equal(t, backend.Inactive, lv.Activation)
}

func TestMigrateVolumes(t *testing.T) {
	_, f, _, h := newTestService(t)
	f.AddLV(backend.FakeLV{Path: "/dev/vg1/vol", Size: gib, VirtualSize: 4 * gib, Data: "payload"})

	body := map[string]any{
		"vgUuid":   "vg2",
		"hostUuid": "host-a",
		"migrateVolumeStructs": []map[string]any{{
			"volumeUuid":         "vol",
			"currentInstallPath": "sharedblock://vg1/vol",
			"targetInstallPath":  "sharedblock://vg2/vol",
			"compareQcow2":       true,
		}},
	}
	rec, out := post(t, h, "/volume/migrate", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])

	lv, ok := f.LV("/dev/vg2/vol")
	require.True(t, ok)
	assert.Equal(t, "payload", lv.Data)

	// The target now exists, so running the batch again is a conflict.
	rec, out = post(t, h, "/volume/migrate", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "already exists")
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{
			name:   "missing volume",
			path:   "/volume/getsize",
			body:   map[string]any{"vgUuid": "vg1", "installPath": "sharedblock://vg1/missing"},
			status: http.StatusNotFound,
		},
		{
			name:   "malformed install path",
			path:   "/volume/getsize",
			body:   map[string]any{"vgUuid": "vg1", "installPath": "nfs://server/share"},
			status: http.StatusBadRequest,
		},
		{
			name:   "folder delete",
			path:   "/bits/delete",
			body:   map[string]any{"vgUuid": "vg1", "path": "sharedblock://vg1/dir", "folder": true},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown lock type",
			path:   "/volume/active",
			body:   map[string]any{"vgUuid": "vg1", "installPath": "sharedblock://vg1/vol", "lockType": 7},
			status: http.StatusBadRequest,
		},
		{
			name:   "thick conversion",
			path:   "/volume/convertprovisioning",
			body:   map[string]any{"vgUuid": "vg1", "installPath": "sharedblock://vg1/vol", "provisioningStrategy": "ThickProvisioning"},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, h := newTestService(t)

			rec, out := post(t, h, tt.path, tt.body)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
			// Capacity is still reported on failure.
			assert.Equal(t, float64(1000*gib), out["totalCapacity"])
		})
	}
}

func TestMalformedBody(t *testing.T) {
	_, _, _, h := newTestService(t)

	rec, out := post(t, h, "/volume/getsize", `{"vgUuid": "vg1", "installPath": `)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "decode request")
	assert.Nil(t, out["totalCapacity"])
}

func TestCapacityUnavailable(t *testing.T) {
	_, _, sp, h := newTestService(t)
	sp.err = fmt.Errorf("lvm: %w", backend.ErrBackend)
	sp.capacityErr = fmt.Errorf("volume group vg9: %w", backend.ErrNotFound)

	rec, out := post(t, h, "/disconnect", map[string]any{"vgUuid": "vg9", "hostUuid": "host-a"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out, "totalCapacity")
	assert.Nil(t, out["totalCapacity"])
	assert.Nil(t, out["availableCapacity"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("lv: %w", backend.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("lv: %w", backend.ErrConflict), http.StatusConflict},
		{fmt.Errorf("compare: %w", backend.ErrIntegrity), http.StatusUnprocessableEntity},
		{fmt.Errorf("folder: %w", backend.ErrUnsupported), http.StatusBadRequest},
		{fmt.Errorf("lvcreate: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{&backend.CommandError{Name: "lvs", ExitCode: 5}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
