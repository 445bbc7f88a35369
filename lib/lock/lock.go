// Package lock scopes cluster locks around volume operations. A Scope
// activates a logical volume (and, recursively, its backing chain) in the
// requested mode and restores the previous activation on Release.
package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/logger"
	"github.com/onkernel/sharedblock/lib/tags"
)

// releaseTimeout bounds Release when the caller's context is already done.
const releaseTimeout = 2 * time.Minute

// Options control what a scope acquires.
type Options struct {
	// Mode is the activation requested for the leaf. Ancestors are always shared.
	Mode backend.Activation
	// Recursive also locks every backing file of the leaf.
	Recursive bool
	// KeepActive lists tag kinds whose LVs stay active after Release.
	KeepActive []tags.Kind
}

// Executor hands out lock scopes.
type Executor struct {
	lvs    backend.LogicalVolumes
	images backend.Images
}

// NewExecutor returns an Executor over the given backend.
func NewExecutor(lvs backend.LogicalVolumes, images backend.Images) *Executor {
	return &Executor{lvs: lvs, images: images}
}

type held struct {
	path string
	prev backend.Activation
}

// Scope is a set of held activations. It must be released exactly once;
// further calls are no-ops.
type Scope struct {
	e        *Executor
	opts     Options
	held     []held
	released bool
}

// Paths returns the locked paths, leaf first.
func (s *Scope) Paths() []string {
	out := make([]string, len(s.held))
	for i, h := range s.held {
		out[i] = h.path
	}
	return out
}

// Acquire locks path in opts.Mode, then its ancestors shared if requested.
// On failure everything already taken is released before returning.
func (e *Executor) Acquire(ctx context.Context, path string, opts Options) (*Scope, error) {
	s := &Scope{e: e, opts: opts}

	exists, err := e.lvs.LVExists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("logical volume %s: %w", path, backend.ErrNotFound)
	}

	if err := s.take(ctx, path, opts.Mode); err != nil {
		return nil, errors.Join(err, s.Release(ctx))
	}
	if !opts.Recursive {
		return s, nil
	}

	seen := map[string]bool{path: true}
	for cur := path; ; {
		backing, err := e.images.BackingFile(ctx, cur)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("read backing file of %s: %w", cur, err), s.Release(ctx))
		}
		if backing == "" {
			return s, nil
		}
		if seen[backing] {
			err := fmt.Errorf("backing chain of %s loops at %s: %w", path, backing, backend.ErrIntegrity)
			return nil, errors.Join(err, s.Release(ctx))
		}
		seen[backing] = true
		if err := s.take(ctx, backing, backend.Shared); err != nil {
			return nil, errors.Join(err, s.Release(ctx))
		}
		cur = backing
	}
}

func (s *Scope) take(ctx context.Context, path string, mode backend.Activation) error {
	prev, err := s.e.lvs.LVActivation(ctx, path)
	if err != nil {
		return fmt.Errorf("read activation of %s: %w", path, err)
	}
	if !prev.Satisfies(mode) {
		if err := s.e.lvs.ActivateLV(ctx, path, mode); err != nil {
			return fmt.Errorf("activate %s %s: %w", path, mode, err)
		}
	}
	s.held = append(s.held, held{path: path, prev: prev})
	return nil
}

// Run acquires a scope, runs fn inside it and releases the scope, also
// when fn panics.
func (e *Executor) Run(ctx context.Context, path string, opts Options, fn func(ctx context.Context) error) (err error) {
	s, err := e.Acquire(ctx, path, opts)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.Release(ctx)) }()
	return fn(ctx)
}

// Release restores every held LV to its previous activation in reverse
// acquisition order. It keeps going past individual failures and returns
// them joined. LVs deleted inside the scope are skipped.
func (s *Scope) Release(ctx context.Context) error {
	if s == nil || s.released {
		return nil
	}
	s.released = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	log := logger.FromContext(ctx)

	var errs []error
	for _, h := range slices.Backward(s.held) {
		if err := s.restore(ctx, h); err != nil {
			log.WarnContext(ctx, "failed to restore activation", "path", h.path, "prev", h.prev.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scope) restore(ctx context.Context, h held) error {
	cur, err := s.e.lvs.LVActivation(ctx, h.path)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read activation of %s: %w", h.path, err)
	}
	if cur == h.prev {
		return nil
	}

	if h.prev == backend.Inactive {
		keep, err := s.keepActive(ctx, h.path)
		if err != nil {
			return err
		}
		if keep {
			if cur == backend.Exclusive {
				return backend.IgnoreNotFound(s.e.lvs.ActivateLV(ctx, h.path, backend.Shared))
			}
			return nil
		}
		if err := backend.IgnoreNotFound(s.e.lvs.DeactivateLV(ctx, h.path)); err != nil {
			return fmt.Errorf("deactivate %s: %w", h.path, err)
		}
		return nil
	}
	if err := backend.IgnoreNotFound(s.e.lvs.ActivateLV(ctx, h.path, h.prev)); err != nil {
		return fmt.Errorf("restore %s to %s: %w", h.path, h.prev, err)
	}
	return nil
}

func (s *Scope) keepActive(ctx context.Context, path string) (bool, error) {
	if len(s.opts.KeepActive) == 0 {
		return false, nil
	}
	lvTags, err := s.e.lvs.LVTags(ctx, path)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read tags of %s: %w", path, err)
	}
	for _, k := range s.opts.KeepActive {
		if tags.HasKind(lvTags, k) {
			return true, nil
		}
	}
	return false, nil
}
