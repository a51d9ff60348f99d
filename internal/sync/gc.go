package sync

import (
	"context"
	"errors"

	"github.com/vscodeoffline/vscmirror/internal/store"
	"github.com/vscodeoffline/vscmirror/pkg/models"
)

// collectGarbage removes superseded artifacts after the pass has
// published everything new. Ordering matters: collection never runs
// before publication, so the store can only shrink to a still-servable
// state.
func (e *Engine) collectGarbage(ctx context.Context, summary *PassSummary) {
	e.collectExtensions(ctx, summary)
	e.collectBinaries(ctx, summary)
}

// collectExtensions deletes extension versions that are no longer the
// newest for any target platform. A version that is newest for at least
// one platform survives whole, so an extension with any published
// version always retains one.
func (e *Engine) collectExtensions(ctx context.Context, summary *PassSummary) {
	identities, err := e.store.ListExtensions()
	if err != nil {
		e.logger.Warnf("Garbage collection failed to list extensions: %v", err)
		summary.Failures++
		return
	}

	for _, identity := range identities {
		if err := ctx.Err(); err != nil {
			return
		}
		versions, err := e.store.ListVersions(identity)
		if err != nil {
			e.logger.Debugf("Garbage collection skipping %s: %v", identity, err)
			continue
		}

		// ListVersions is newest-first, so the first variant seen per
		// platform marks its version directory as retained.
		keep := map[string]bool{}
		newestFor := map[string]bool{}
		for _, v := range versions {
			if !newestFor[v.TargetPlatform] {
				newestFor[v.TargetPlatform] = true
				keep[v.Version] = true
			}
		}

		deleted := map[string]bool{}
		for _, v := range versions {
			if keep[v.Version] || deleted[v.Version] {
				continue
			}
			deleted[v.Version] = true
			if err := e.store.DeleteVersion(identity, v.Version); err != nil {
				e.logger.Warnf("Failed to delete superseded version %s %s: %v", identity, v.Version, err)
				summary.Failures++
				continue
			}
			e.logger.Debugf("Deleted superseded version %s %s", identity, v.Version)
			summary.VersionsDeleted++
		}
	}
}

// collectBinaries trims each build target to the latest installer plus
// the configured number of predecessors. The latest installer is never
// deleted.
func (e *Engine) collectBinaries(ctx context.Context, summary *PassSummary) {
	retain := 1 + e.cfg.Sync.BinaryRetention

	for _, target := range models.EnumerateBuildTargets(e.cfg.Sync.CheckInsider) {
		if err := ctx.Err(); err != nil {
			return
		}
		descriptors, err := e.store.ListBinaryVersions(target)
		if err != nil {
			e.logger.Warnf("Garbage collection failed to list installers for %s: %v", target, err)
			summary.Failures++
			continue
		}
		if len(descriptors) <= retain {
			continue
		}

		latest, err := e.store.LatestBinary(target)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Debugf("No latest installer marker for %s: %v", target, err)
		}

		for _, desc := range descriptors[retain:] {
			if latest != nil && desc.Version == latest.Version {
				continue
			}
			if err := e.store.DeleteBinaryVersion(target, desc); err != nil {
				e.logger.Warnf("Failed to delete superseded installer %s %s: %v", target, desc.ProductVersion, err)
				summary.Failures++
				continue
			}
			e.logger.Debugf("Deleted superseded installer %s %s", target, desc.ProductVersion)
			summary.BinariesDeleted++
		}
	}
}
