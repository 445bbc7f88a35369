// Package qemuproc inspects the QEMU processes running on this host: the
// monitor sockets they use and the block devices they hold open.
package qemuproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qemu"
	"github.com/digitalocean/go-qemu/qmp"
	"github.com/onkernel/sharedblock/lib/logger"
	"github.com/prometheus/procfs"
	"github.com/samber/lo"
)

const qmpConnectTimeout = 1 * time.Second

// StatusProber asks a QEMU monitor socket for the VM run state.
type StatusProber func(ctx context.Context, socket string) (qemu.Status, error)

// Holder is a process that has a device open.
type Holder struct {
	PID     int
	Comm    string
	QMPPath string
}

// Scanner reads /proc.
type Scanner struct {
	fs     procfs.FS
	devDir string
	probe  StatusProber
	kill   func(pid int) error
}

// New returns a Scanner over the proc filesystem mounted at procRoot.
func New(procRoot string) (*Scanner, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Scanner{
		fs:    fs,
		probe: QMPStatus,
		kill:  func(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) },
	}, nil
}

// QMPStatus connects to a QMP socket and returns the VM status.
func QMPStatus(ctx context.Context, socket string) (qemu.Status, error) {
	mon, err := qmp.NewSocketMonitor("unix", socket, qmpConnectTimeout)
	if err != nil {
		return 0, fmt.Errorf("create socket monitor: %w", err)
	}
	if err := mon.Connect(); err != nil {
		return 0, fmt.Errorf("connect to qmp: %w", err)
	}
	domain, err := qemu.NewDomain(mon, "vm")
	if err != nil {
		mon.Disconnect()
		return 0, fmt.Errorf("create domain: %w", err)
	}
	defer domain.Close()
	return domain.Status()
}

// qmpSocket extracts the monitor socket path from a QEMU command line.
func qmpSocket(cmdline []string) string {
	for i, arg := range cmdline {
		if arg != "-qmp" || i+1 >= len(cmdline) {
			continue
		}
		spec, ok := strings.CutPrefix(cmdline[i+1], "unix:")
		if !ok {
			continue
		}
		p, _, _ := strings.Cut(spec, ",")
		return p
	}
	return ""
}

// ErrUnreadableProcess is returned when a possible QEMU process cannot be
// inspected, so the sockets it might use are unknown.
var ErrUnreadableProcess = errors.New("cannot read process command line")

// QMPSockets returns the base names of monitor sockets under dir that a
// live process references. Processes that exit during the scan are
// ignored; any other process whose command line cannot be read fails the
// scan unless its name shows it is not QEMU.
func (s *Scanner) QMPSockets(dir string) ([]string, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var used []string
	for _, p := range procs {
		cmdline, err := p.CmdLine()
		if exited(err) {
			continue
		}
		if err != nil {
			comm, cerr := p.Comm()
			if exited(cerr) {
				continue
			}
			if cerr == nil && !isQEMU(comm) {
				continue
			}
			return nil, fmt.Errorf("%w: pid %d: %w", ErrUnreadableProcess, p.PID, err)
		}
		if sock := qmpSocket(cmdline); sock != "" && filepath.Dir(sock) == filepath.Clean(dir) {
			used = append(used, filepath.Base(sock))
		}
	}
	return lo.Uniq(used), nil
}

func exited(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ESRCH)
}

func isQEMU(comm string) bool {
	return strings.Contains(comm, "qemu") || strings.Contains(comm, "kvm")
}

// CleanStaleSockets removes socket files in dir that no running process
// references, left behind by QEMU processes that died. Nothing is removed
// when the process scan is incomplete.
func (s *Scanner) CleanStaleSockets(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	existing := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		return e.Name(), !e.IsDir()
	})
	if len(existing) == 0 {
		return nil, nil
	}

	used, err := s.QMPSockets(dir)
	if err != nil {
		return nil, err
	}
	stale := lo.Without(existing, used...)

	var errs []error
	for _, name := range stale {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(stale) > 0 {
		logger.FromContext(ctx).InfoContext(ctx, "removed stale qmp sockets", "dir", dir, "sockets", stale)
	}
	return stale, errors.Join(errs...)
}

// HoldersOf returns the processes with device open, matching either the
// given path or the node it resolves to.
func (s *Scanner) HoldersOf(device string) ([]Holder, error) {
	targets := []string{device}
	if resolved, err := filepath.EvalSymlinks(device); err == nil && resolved != device {
		targets = append(targets, resolved)
	}

	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var holders []Holder
	for _, p := range procs {
		fds, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		if !lo.Some(fds, targets) {
			continue
		}
		h := Holder{PID: p.PID}
		h.Comm, _ = p.Comm()
		if cmdline, err := p.CmdLine(); err == nil {
			h.QMPPath = qmpSocket(cmdline)
		}
		holders = append(holders, h)
	}
	return holders, nil
}

// KillStoppedHolders kills QEMU processes holding device whose VM is not
// running, so the device can be deactivated. Running VMs and processes
// whose state cannot be read are left alone. It returns the killed PIDs.
func (s *Scanner) KillStoppedHolders(ctx context.Context, device string) ([]int, error) {
	log := logger.FromContext(ctx)
	holders, err := s.HoldersOf(device)
	if err != nil {
		return nil, err
	}

	var killed []int
	for _, h := range holders {
		if h.QMPPath == "" {
			log.WarnContext(ctx, "device held by a non-qemu process", "device", device, "pid", h.PID, "comm", h.Comm)
			continue
		}
		status, err := s.probe(ctx, h.QMPPath)
		if err != nil {
			log.WarnContext(ctx, "cannot read vm status, not killing", "device", device, "pid", h.PID, "error", err)
			continue
		}
		if status == qemu.StatusRunning {
			continue
		}
		if err := s.kill(h.PID); err != nil {
			return killed, fmt.Errorf("kill %d: %w", h.PID, err)
		}
		log.WarnContext(ctx, "killed qemu holding device", "device", device, "pid", h.PID, "status", status.String())
		killed = append(killed, h.PID)
	}
	return killed, nil
}
