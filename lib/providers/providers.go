// Package providers builds the agent's components for the wire injector.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/onkernel/sharedblock/cmd/api/config"
	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/command"
	"github.com/onkernel/sharedblock/lib/disk"
	"github.com/onkernel/sharedblock/lib/filelock"
	"github.com/onkernel/sharedblock/lib/logger"
	"github.com/onkernel/sharedblock/lib/lvm"
	"github.com/onkernel/sharedblock/lib/migration"
	"github.com/onkernel/sharedblock/lib/otel"
	"github.com/onkernel/sharedblock/lib/paths"
	"github.com/onkernel/sharedblock/lib/pools"
	"github.com/onkernel/sharedblock/lib/qemuimg"
	"github.com/onkernel/sharedblock/lib/qemuproc"
	"github.com/onkernel/sharedblock/lib/retry"
	"github.com/onkernel/sharedblock/lib/volumes"
	gotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ProvideLogger provides the agent logger. Records tagged with a pool are
// also appended to that pool's log file.
func ProvideLogger(p *paths.Paths) *slog.Logger {
	base := logger.NewSubsystemLogger(logger.SubsystemVolumes, logger.NewConfig(), otel.GetGlobalLogHandler())
	return slog.New(logger.NewPoolLogHandler(base.Handler(), p.PoolLog))
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvideConfig provides the agent configuration.
func ProvideConfig() (*config.Config, error) {
	return config.Load()
}

// ProvidePaths provides the host path layout.
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.HostRoot, cfg.DataDir)
}

// ProvideMeter provides the agent meter from the global provider, so it
// records nothing unless telemetry was initialized.
func ProvideMeter(cfg *config.Config) metric.Meter {
	return gotel.Meter(cfg.OtelServiceName)
}

// ProvideRunner provides the command runner for the storage tools.
func ProvideRunner() command.Runner {
	return command.NewExec()
}

// ProvideLVM provides the LVM, lvmlockd and sanlock client.
func ProvideLVM(runner command.Runner, p *paths.Paths) *lvm.Client {
	return lvm.New(runner, p)
}

// ProvideStorage joins the LVM client and qemu-img into the volume backend.
func ProvideStorage(lvmClient *lvm.Client, runner command.Runner) backend.Storage {
	return backend.NewStorage(lvmClient, qemuimg.New(runner))
}

// ProvideResolver provides the disk resolver over the real host.
func ProvideResolver(cfg *config.Config, runner command.Runner) *disk.Resolver {
	return disk.NewResolver(disk.NewSysHost(cfg.HostRoot, runner))
}

// ProvideFileLock provides the host-wide advisory lock.
func ProvideFileLock(p *paths.Paths) *filelock.Locker {
	return filelock.New(p.LockFile())
}

// ProvideScanner provides the QEMU process scanner.
func ProvideScanner(cfg *config.Config) (*qemuproc.Scanner, error) {
	return qemuproc.New(cfg.ProcRoot)
}

// ProvidePoolManager provides the pool lifecycle manager.
func ProvidePoolManager(
	cfg *config.Config,
	p *paths.Paths,
	lvmClient *lvm.Client,
	resolver *disk.Resolver,
	locker *filelock.Locker,
	scanner *qemuproc.Scanner,
	meter metric.Meter,
) (pools.Manager, error) {
	metadataSize, err := cfg.MetadataSize()
	if err != nil {
		return nil, err
	}
	sanlockSize, err := cfg.SanlockSize()
	if err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("read hostname: %w", err)
	}

	discovery := retry.Default()
	discovery.Attempts = uint(cfg.DiscoveryAttempts)
	deactivate := retry.Default()
	deactivate.Attempts = uint(cfg.DeactivateAttempts)

	return pools.NewManager(lvmClient, lvmClient, resolver, locker, scanner, pools.Options{
		MetadataSize:  metadataSize,
		SanlockLVSize: sanlockSize,
		QMPSocketDir:  p.QMPSocketDir(),
		Discovery:     discovery,
		Deactivate:    deactivate,
		Hostname:      hostname,
	}, meter)
}

// ProvideVolumeManager provides the volume manager.
func ProvideVolumeManager(storage backend.Storage, locker *filelock.Locker, scanner *qemuproc.Scanner, meter metric.Meter) (volumes.Manager, error) {
	return volumes.NewManager(storage, locker, scanner, volumes.Options{}, meter)
}

// ProvideMigrationCoordinator provides the volume migration coordinator.
func ProvideMigrationCoordinator(storage backend.Storage, meter metric.Meter) (*migration.Coordinator, error) {
	return migration.NewCoordinator(storage, migration.Options{}, meter)
}
