// Package migration moves a batch of volumes from one shared block pool to
// another. A batch either lands completely in the target pools or leaves
// no targets behind.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/installpath"
	"github.com/onkernel/sharedblock/lib/lock"
	"github.com/onkernel/sharedblock/lib/logger"
	"github.com/onkernel/sharedblock/lib/tags"
	"go.opentelemetry.io/otel/metric"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// Coordinator runs volume migrations.
type Coordinator struct {
	storage backend.Storage
	locks   *lock.Executor
	opts    Options
	metrics *Metrics
}

// NewCoordinator creates a migration coordinator. meter may be nil.
func NewCoordinator(storage backend.Storage, opts Options, meter metric.Meter) (*Coordinator, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{
		storage: storage,
		locks:   lock.NewExecutor(storage, storage),
		opts:    opts,
	}
	if meter != nil {
		metrics, err := newMigrationMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create migration metrics: %w", err)
		}
		c.metrics = metrics
	}
	return c, nil
}

// Migrate copies every task's source into its target pool and relinks
// backing files into that pool. Every target is checked for collisions
// before anything is created. If creating or copying any target fails,
// all targets created by this call are deleted. Targets are left
// inactive on return.
func (c *Coordinator) Migrate(ctx context.Context, tasks []Task, hostUUID string) (err error) {
	start := time.Now()
	defer func() { c.recordMigration(ctx, start, len(tasks), err) }()
	ctx, log := logger.ForOperation(ctx, "migrate_volumes", "")

	targets, err := resolve(tasks)
	if err != nil {
		return err
	}
	if err := c.checkTargets(ctx, targets); err != nil {
		return err
	}

	var created []target
	activated := map[string]bool{}
	defer func() { c.deactivate(context.WithoutCancel(ctx), targets, activated) }()

	cu := cleanup.Make(func() { c.rollback(context.WithoutCancel(ctx), created) })
	defer cu.Clean()

	for _, t := range targets {
		ok, err := c.prepare(ctx, t, hostUUID)
		if ok {
			created = append(created, t)
		}
		if err != nil {
			return fmt.Errorf("prepare %s: %w", t.dst, err)
		}
	}
	log.InfoContext(ctx, "prepared migration targets", "count", len(targets))

	for _, t := range targets {
		if err := c.copy(ctx, t); err != nil {
			return fmt.Errorf("copy %s to %s: %w", t.src, t.dst, err)
		}
	}
	for _, t := range targets {
		if err := c.relink(ctx, t, activated); err != nil {
			return fmt.Errorf("relink %s: %w", t.dst, err)
		}
	}

	cu.Release()
	log.InfoContext(ctx, "migrated volumes", "count", len(targets))
	return nil
}

func resolve(tasks []Task) ([]target, error) {
	out := make([]target, 0, len(tasks))
	for _, task := range tasks {
		src, err := installpath.Parse(task.CurrentInstallPath)
		if err != nil {
			return nil, err
		}
		dst, err := installpath.Parse(task.TargetInstallPath)
		if err != nil {
			return nil, err
		}
		out = append(out, target{
			task:  task,
			src:   src.Device(),
			dst:   dst.Device(),
			srcVG: src.VG,
			dstVG: dst.VG,
		})
	}
	return out, nil
}

// checkTargets fails if any target already exists or is named twice.
func (c *Coordinator) checkTargets(ctx context.Context, targets []target) error {
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t.dst] {
			return fmt.Errorf("%w: %s named twice", ErrTargetExists, t.dst)
		}
		seen[t.dst] = true
		exists, err := c.storage.LVExists(ctx, t.dst)
		if err != nil {
			return fmt.Errorf("check %s: %w", t.dst, err)
		}
		if exists {
			return fmt.Errorf("%w: %s already exists on pool %s", ErrTargetExists, t.dst, t.dstVG)
		}
	}
	return nil
}

// prepare creates t's target with the source's allocated size and
// activates it shared. It reports whether the target was created.
func (c *Coordinator) prepare(ctx context.Context, t target, hostUUID string) (created bool, err error) {
	err = c.locks.Run(ctx, t.src, lock.Options{Mode: backend.Shared}, func(ctx context.Context) error {
		size, err := c.storage.LVSize(ctx, t.src)
		if err != nil {
			return fmt.Errorf("read size of %s: %w", t.src, err)
		}
		tag := tags.Encode(tags.New(tags.Volume, hostUUID, c.opts.Now(), ""))
		if err := c.storage.CreateLV(ctx, t.dst, size, tag); err != nil {
			return fmt.Errorf("create %s: %w", t.dst, err)
		}
		created = true
		if err := c.storage.ActivateLV(ctx, t.dst, backend.Shared); err != nil {
			return fmt.Errorf("activate %s: %w", t.dst, err)
		}
		return nil
	})
	return created, err
}

func (c *Coordinator) copy(ctx context.Context, t target) error {
	return c.locks.Run(ctx, t.src, lock.Options{Mode: backend.Shared}, func(ctx context.Context) error {
		logger.FromContext(ctx).DebugContext(ctx, "copying volume", "src", t.src, "dst", t.dst)
		return c.storage.Copy(ctx, t.src, t.dst)
	})
}

// relink optionally verifies the copy and points the target at the
// translated backing file in its own pool.
func (c *Coordinator) relink(ctx context.Context, t target, activated map[string]bool) error {
	return c.locks.Run(ctx, t.src, lock.Options{Mode: backend.Shared, Recursive: true}, func(ctx context.Context) error {
		log := logger.FromContext(ctx)
		if t.task.CompareQcow2 {
			same, err := c.storage.CompareBytewise(ctx, t.src, t.dst)
			if err != nil {
				return fmt.Errorf("compare %s and %s: %w", t.src, t.dst, err)
			}
			if !same {
				return fmt.Errorf("%s and %s differ: %w", t.src, t.dst, backend.ErrIntegrity)
			}
			log.DebugContext(ctx, "copy verified", "src", t.src, "dst", t.dst)
		}

		backing, err := c.storage.BackingFile(ctx, t.src)
		if err != nil {
			return fmt.Errorf("read backing file of %s: %w", t.src, err)
		}
		if backing == "" {
			return nil
		}
		newBacking := installpath.TranslateBacking(backing, t.srcVG, t.dstVG)
		prev, err := c.storage.LVActivation(ctx, newBacking)
		if err != nil {
			return fmt.Errorf("read activation of %s: %w", newBacking, err)
		}
		if prev == backend.Inactive {
			if err := c.storage.ActivateLV(ctx, newBacking, backend.Shared); err != nil {
				return fmt.Errorf("activate %s: %w", newBacking, err)
			}
			activated[newBacking] = true
		}
		log.DebugContext(ctx, "rebasing target", "path", t.dst, "backing", newBacking)
		return c.storage.Rebase(ctx, t.dst, newBacking, false)
	})
}

// rollback deletes every target this batch created. A target that is its
// own source never gets here since checkTargets rejects it as existing.
func (c *Coordinator) rollback(ctx context.Context, created []target) {
	log := logger.FromContext(ctx)
	for _, t := range created {
		if err := backend.IgnoreNotFound(c.storage.DeactivateLV(ctx, t.dst)); err != nil {
			log.WarnContext(ctx, "failed to deactivate target before delete", "path", t.dst, "error", err)
		}
		if err := backend.IgnoreNotFound(c.storage.DeleteLV(ctx, t.dst)); err != nil {
			log.ErrorContext(ctx, "failed to delete migration target", "path", t.dst, "error", err)
			continue
		}
		log.WarnContext(ctx, "deleted migration target after error", "path", t.dst)
	}
	if len(created) > 0 {
		c.recordRollback(ctx)
	}
}

// deactivate releases every target and every backing file relink had to
// activate.
func (c *Coordinator) deactivate(ctx context.Context, targets []target, activated map[string]bool) {
	log := logger.FromContext(ctx)
	var errs []error
	for _, t := range targets {
		delete(activated, t.dst)
		if err := backend.IgnoreNotFound(c.storage.DeactivateLV(ctx, t.dst)); err != nil {
			errs = append(errs, err)
		}
	}
	for path := range activated {
		if err := backend.IgnoreNotFound(c.storage.DeactivateLV(ctx, path)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.WarnContext(ctx, "failed to deactivate migration targets", slog.Any("error", err))
	}
}
