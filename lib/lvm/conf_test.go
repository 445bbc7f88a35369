package lvm

import (
	"context"
	"os"
	"testing"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLVMKey(t *testing.T) {
	in := "global {\n\t# use_lvmlockd = 0\n\tumask = 077\n}\ndevices {\n}\n"

	out := setLVMKey(in, setting{"global", "use_lvmlockd", "1"})
	assert.Equal(t, "global {\n\tuse_lvmlockd = 1\n\tumask = 077\n}\ndevices {\n}\n", out)

	out = setLVMKey(out, setting{"devices", "issue_discards", "1"})
	assert.Equal(t, "global {\n\tuse_lvmlockd = 1\n\tumask = 077\n}\ndevices {\n\tissue_discards = 1\n}\n", out)

	out = setLVMKey(out, setting{"activation", "reserved_stack", "256"})
	assert.Contains(t, out, "activation {\n\treserved_stack = 256\n}\n")

	// Idempotent.
	assert.Equal(t, out, setLVMKey(out, setting{"activation", "reserved_stack", "256"}))
}

func TestConfigure_WritesAllFiles(t *testing.T) {
	c, _, p := setupTestClient(t)
	require.NoError(t, os.MkdirAll(p.Root()+"/etc/lvm", 0755))
	require.NoError(t, os.WriteFile(p.LVMConf(), []byte("global {\n    use_lvmetad = 1\n}\n"), 0644))

	cfg := backend.LockServiceConfig{HostID: 42, SanlockLVSize: 2048 << 20, SanlockHostName: SanlockHostName("0123456789", "abcdefghij", "compute")}
	require.NoError(t, c.Configure(context.Background(), cfg))
	require.NoError(t, c.Configure(context.Background(), cfg))

	lvmConf, err := os.ReadFile(p.LVMConf())
	require.NoError(t, err)
	assert.Contains(t, string(lvmConf), "\tuse_lvmlockd = 1")
	assert.Contains(t, string(lvmConf), "\tuse_lvmetad = 0")
	assert.Contains(t, string(lvmConf), "\tsanlock_lv_extend = 2048")
	assert.Contains(t, string(lvmConf), "\treserved_memory = 131072")
	assert.NotContains(t, string(lvmConf), "use_lvmetad = 1")

	local, err := os.ReadFile(p.LVMLocalConf())
	require.NoError(t, err)
	assert.Equal(t, "local {\n\thost_id = 42\n}\n", string(local))

	sanlock, err := os.ReadFile(p.SanlockConf())
	require.NoError(t, err)
	assert.Contains(t, string(sanlock), "sh_retries = 20\n")
	assert.Contains(t, string(sanlock), "use_watchdog = 0\n")
	assert.Contains(t, string(sanlock), "our_host_name = 01234567-abcdefgh-compute\n")
}

func TestSanlockHostName_Truncates(t *testing.T) {
	assert.Equal(t, "vg-h-short", SanlockHostName("vg", "h", "short"))
	assert.Equal(t, "aaaaaaaa-bbbbbbbb-cccccccccccccccccccc",
		SanlockHostName("aaaaaaaaaa", "bbbbbbbbbb", "cccccccccccccccccccccccc"))
}
