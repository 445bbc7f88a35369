// Package paths provides centralized path construction for the files the
// agent reads and writes on the host.
//
// Host layout (relative to root, "/" in production):
//
//	/etc/lvm/lvm.conf
//	/etc/lvm/lvmlocal.conf
//	/etc/lvm/archive/{vg}_*.vg
//	/etc/lvm/backup/{vg}
//	/etc/sanlock/sanlock.conf
//	/var/run/sharedblock/sharedblock.lock
//	/var/lib/libvirt/qemu/zstack/*.sock
//	{dataDir}/logs/pools/{vg}.log
package paths

import "path/filepath"

// Paths provides typed path construction under a root and a data directory.
type Paths struct {
	root    string
	dataDir string
}

// New creates a Paths for the given host root and data directory. A
// relative dataDir is taken relative to root.
func New(root, dataDir string) *Paths {
	if root == "" {
		root = "/"
	}
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(root, dataDir)
	}
	return &Paths{root: root, dataDir: dataDir}
}

// Root returns the host root.
func (p *Paths) Root() string {
	return p.root
}

// DataDir returns the agent data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// LVM configuration

// LVMConf returns lvm.conf.
func (p *Paths) LVMConf() string {
	return filepath.Join(p.root, "etc", "lvm", "lvm.conf")
}

// LVMLocalConf returns lvmlocal.conf.
func (p *Paths) LVMLocalConf() string {
	return filepath.Join(p.root, "etc", "lvm", "lvmlocal.conf")
}

// LVMArchiveDir returns the directory of VG metadata archives.
func (p *Paths) LVMArchiveDir() string {
	return filepath.Join(p.root, "etc", "lvm", "archive")
}

// LVMArchiveGlob matches every archive of vg.
func (p *Paths) LVMArchiveGlob(vg string) string {
	return filepath.Join(p.LVMArchiveDir(), vg+"_*")
}

// LVMBackup returns the metadata backup of vg.
func (p *Paths) LVMBackup(vg string) string {
	return filepath.Join(p.root, "etc", "lvm", "backup", vg)
}

// SanlockConf returns sanlock.conf.
func (p *Paths) SanlockConf() string {
	return filepath.Join(p.root, "etc", "sanlock", "sanlock.conf")
}

// Runtime

// LockFile returns the process-wide advisory lock file.
func (p *Paths) LockFile() string {
	return filepath.Join(p.root, "var", "run", "sharedblock", "sharedblock.lock")
}

// QMPSocketDir returns the directory QEMU monitor sockets live in.
func (p *Paths) QMPSocketDir() string {
	return filepath.Join(p.root, "var", "lib", "libvirt", "qemu", "zstack")
}

// Logs

// PoolLogsDir returns the directory of per-pool logs.
func (p *Paths) PoolLogsDir() string {
	return filepath.Join(p.dataDir, "logs", "pools")
}

// PoolLog returns the log file for one pool.
func (p *Paths) PoolLog(vg string) string {
	return filepath.Join(p.PoolLogsDir(), vg+".log")
}
