package lvm

import (
	"context"
	"fmt"
	"strconv"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/logger"
)

// DefaultSanlockLVSize is the sanlock LV extension size lvm uses when
// none is configured.
const DefaultSanlockLVSize = 1024 << 20

// Configure writes the lvm, lvmlocal and sanlock settings a shared pool
// needs. It is safe to run on every connect.
func (c *Client) Configure(ctx context.Context, cfg backend.LockServiceConfig) error {
	lvmetad := "0"
	if cfg.EnableLvmetad {
		lvmetad = "1"
	}
	extend := cfg.SanlockLVSize
	if extend <= 0 {
		extend = DefaultSanlockLVSize
	}

	if err := setLVMKeys(c.paths.LVMConf(), []setting{
		{"global", "use_lvmlockd", "1"},
		{"global", "use_lvmetad", lvmetad},
		{"global", "sanlock_lv_extend", strconv.FormatInt(extend>>20, 10)},
		{"global", "lvmlockd_lock_retries", "6"},
		{"devices", "issue_discards", "1"},
		{"activation", "reserved_stack", "256"},
		{"activation", "reserved_memory", "131072"},
	}); err != nil {
		return fmt.Errorf("configure lvm.conf: %w", err)
	}
	if err := setLVMKeys(c.paths.LVMLocalConf(), []setting{
		{"local", "host_id", strconv.Itoa(cfg.HostID)},
	}); err != nil {
		return fmt.Errorf("configure lvmlocal.conf: %w", err)
	}

	kv := [][2]string{
		{"sh_retries", "20"},
		{"logfile_priority", "7"},
		{"renewal_read_extend_sec", "24"},
		{"debug_renew", "1"},
		{"use_watchdog", "0"},
	}
	if cfg.SanlockHostName != "" {
		kv = append(kv, [2]string{"our_host_name", cfg.SanlockHostName})
	}
	if err := setFlatKeys(c.paths.SanlockConf(), kv); err != nil {
		return fmt.Errorf("configure sanlock.conf: %w", err)
	}

	logger.FromContext(ctx).DebugContext(ctx, "configured lock service", "host_id", cfg.HostID, "lvmetad", cfg.EnableLvmetad)
	return nil
}

// SanlockHostName derives sanlock's host name from the pool, host and
// hostname, short enough for sanlock's 48 byte limit.
func SanlockHostName(vgUUID, hostUUID, hostname string) string {
	return trunc(vgUUID, 8) + "-" + trunc(hostUUID, 8) + "-" + trunc(hostname, 20)
}

func trunc(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (c *Client) Start(ctx context.Context) error {
	_, err := c.run.Run(ctx, "systemctl", "start", "sanlock", "lvmlockd")
	return err
}

// CheckGlobalLock fails when lvmlockd is not answering.
func (c *Client) CheckGlobalLock(ctx context.Context) error {
	_, err := c.run.Run(ctx, "lvmlockctl", "--info")
	return err
}

func (c *Client) Stop(ctx context.Context) error {
	_, err := c.run.Run(ctx, "systemctl", "stop", "lvmlockd", "sanlock")
	return err
}
