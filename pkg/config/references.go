package config

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/settings"
)

// visitSet tracks the configuration ids already entered during a
// resolution pass. Re-entering an id means the reference graph has a
// cycle. The set is shared across the concurrent branches of one pass,
// so access is serialized.
type visitSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	trail []string
}

func newVisitSet() *visitSet {
	return &visitSet{seen: map[string]struct{}{}}
}

// visit records id, failing when it was already visited in this pass.
func (v *visitSet) visit(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[id]; ok {
		return errors.Newf(errors.ErrorTypeConfig,
			"circular configuration reference to %q (reached via %s)",
			id, strings.Join(v.trail, " -> "))
	}
	v.seen[id] = struct{}{}
	v.trail = append(v.trail, id)
	return nil
}

// referenced resolves a referenced record into its merged settings,
// sharing the pass's visited set.
type referenced interface {
	mergedSettings(ctx context.Context, ses Session, visited *visitSet) (settings.Settings, error)
}

// mergeReferences loads the referenced records concurrently, resolves
// each one's own references in turn, and folds the resulting trees left
// to right, later references overriding earlier ones. The caller merges
// its own fields on top afterwards.
func mergeReferences(
	ctx context.Context,
	ses Session,
	ids []string,
	load func(ctx context.Context, ses Session, id string) (referenced, error),
	visited *visitSet,
) (settings.Settings, error) {
	trees := make([]settings.Settings, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			record, err := load(gctx, ses, id)
			if err != nil {
				return err
			}
			tree, err := record.mergedSettings(gctx, ses, visited)
			if err != nil {
				return err
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := settings.Settings{}
	for _, tree := range trees {
		merged.Update(tree)
	}
	return merged, nil
}

func loadMachineReference(ctx context.Context, ses Session, id string) (referenced, error) {
	return ses.MachineConfiguration(ctx, id)
}

func loadAuthorizationReference(ctx context.Context, ses Session, id string) (referenced, error) {
	return ses.AuthorizationConfiguration(ctx, id)
}
