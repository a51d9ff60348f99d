package sync

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"

	"github.com/vscodeoffline/vscmirror/pkg/helper"
	"github.com/vscodeoffline/vscmirror/pkg/models"
	"github.com/vscodeoffline/vscmirror/pkg/tools"
)

// discoverExtensions builds the set of extensions this pass should
// mirror: already-mirrored extensions (which is what lets an
// interrupted pass resume from store state), the operator-specified
// list, search results, and the recommended set. Failures in any one
// source are logged and the remaining sources still contribute.
func (e *Engine) discoverExtensions(ctx context.Context, summary *PassSummary) map[string]*models.Extension {
	pending := map[string]*models.Extension{}
	cfg := e.cfg.Sync

	if cfg.IncludeExisting {
		e.discoverExisting(ctx, pending, summary)
	}

	if cfg.CheckSpecified {
		e.logger.Info("Syncing specified extensions")
		list, err := loadSpecified(e.store.SpecifiedPath())
		if err != nil {
			e.logger.Warnf("Failed to load specified extension list: %v", err)
			summary.Failures++
		} else {
			for _, name := range list.Extensions {
				ext, err := e.market.ByExtensionName(ctx, name)
				if err != nil {
					e.logger.Warnf("Specified extension %s not found, it has likely been removed: %v", name, err)
					continue
				}
				e.logger.Infof("Mirroring specified extension %s", name)
				pending[ext.Identity()] = ext
			}
		}
	}

	if cfg.ExtensionSearch != "" {
		e.logger.Infof("Searching for extensions: %s", cfg.ExtensionSearch)
		results, err := e.market.SearchByText(ctx, cfg.ExtensionSearch)
		if err != nil {
			e.logger.Warnf("Extension search failed: %v", err)
			summary.Failures++
		} else {
			e.logger.Infof("Found %d extensions", len(results))
			for _, ext := range results {
				pending[ext.Identity()] = ext
			}
		}
	}

	if cfg.ExtensionName != "" {
		e.logger.Infof("Checking specific extension: %s", cfg.ExtensionName)
		ext, err := e.market.ByExtensionName(ctx, cfg.ExtensionName)
		if err != nil {
			e.logger.Warnf("Extension %s not found: %v", cfg.ExtensionName, err)
			summary.Failures++
		} else {
			pending[ext.Identity()] = ext
		}
	}

	if cfg.CheckRecommended {
		e.logger.Info("Syncing recommended extensions")
		e.discoverRecommended(ctx, pending, summary)
	}

	summary.ExtensionsDiscovered = len(pending)
	return pending
}

// discoverExisting re-checks every extension already in the store for
// new versions.
func (e *Engine) discoverExisting(ctx context.Context, pending map[string]*models.Extension, summary *PassSummary) {
	e.logger.Info("Re-checking existing extensions from the artifact store")
	identities, err := e.store.ListExtensions()
	if err != nil {
		e.logger.Warnf("Failed to list existing extensions: %v", err)
		summary.Failures++
		return
	}
	for _, identity := range identities {
		stored, err := e.store.LoadExtension(identity)
		if err != nil {
			e.logger.Debugf("Skipping unreadable extension %s: %v", identity, err)
			continue
		}
		if stored.ExtensionID == "" {
			continue
		}
		ext, err := e.market.ByExtensionID(ctx, stored.ExtensionID)
		if err != nil {
			e.logger.Warnf("Existing extension %s no longer resolves upstream: %v", identity, err)
			continue
		}
		pending[ext.Identity()] = ext
	}
}

// discoverRecommended merges the top-N-by-installs search with the
// legacy workspace recommendation blob, marks the results as
// recommended, and substitutes release versions for prerelease-only
// results when prerelease mirroring is off.
func (e *Engine) discoverRecommended(ctx context.Context, pending map[string]*models.Extension, summary *PassSummary) {
	var recommended []*models.Extension

	top, err := e.market.SearchTopN(ctx, e.cfg.Sync.TotalRecommended)
	if err != nil {
		e.logger.Warnf("Recommended extension search failed: %v", err)
		summary.Failures++
	} else {
		recommended = top
	}

	found := map[string]bool{}
	for _, ext := range recommended {
		found[ext.Identity()] = true
	}

	if recs, err := e.market.FetchRecommendations(ctx); err != nil {
		e.logger.Warnf("Workspace recommendations fetch failed: %v", err)
	} else {
		if err := os.WriteFile(e.store.RecommendationsPath(), recs.Raw, 0644); err != nil {
			e.logger.Warnf("Failed to persist recommendations: %v", err)
		}
		for _, name := range recs.Packages {
			if found[name] {
				continue
			}
			ext, err := e.market.ByExtensionName(ctx, name)
			if err != nil {
				e.logger.Debugf("Recommended extension %s not found, it has likely been removed", name)
				continue
			}
			recommended = append(recommended, ext)
		}
	}

	for _, ext := range recommended {
		ext.Recommended = true
		if !e.cfg.Sync.PreRelease && ext.IsPreRelease() && ext.ExtensionID != "" {
			release, err := e.market.ReleaseByExtensionID(ctx, ext.ExtensionID)
			if err != nil {
				e.logger.Debugf("No release version found for prerelease extension %s", ext.Identity())
			} else {
				ext.Versions = release.LatestReleaseVersions()
			}
		}
		pending[ext.Identity()] = ext
	}
}

// updateExtensions downloads every pending extension and expands
// extension packs: members discovered in a pack manifest are scheduled
// as additional targets within the same pass. A visited set makes pack
// cycles terminate.
func (e *Engine) updateExtensions(ctx context.Context, pending map[string]*models.Extension, malicious *models.MaliciousList, summary *PassSummary) {
	queue := make([]*models.Extension, 0, len(pending))
	for _, ext := range pending {
		queue = append(queue, ext)
	}
	sort.Slice(queue, func(i, j int) bool {
		return queue[i].Identity() < queue[j].Identity()
	})

	e.logger.Infof("Checking and downloading updates for %d extensions", len(queue))

	visited := map[string]bool{}
	processed := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return
		}
		ext := queue[0]
		queue = queue[1:]
		identity := ext.Identity()

		if visited[identity] {
			continue
		}
		visited[identity] = true

		if malicious.Contains(identity) {
			e.logger.Warnf("Preventing malicious extension %s from being downloaded", identity)
			continue
		}

		if processed%100 == 0 && processed > 0 {
			e.logger.Infof("Progress %d extensions processed, %d queued", processed, len(queue))
		}
		processed++

		packMembers := e.downloadExtension(ctx, ext, summary)
		if err := e.store.PutExtension(ext); err != nil {
			e.logger.Warnf("Failed to record extension metadata for %s: %v", identity, err)
			summary.Failures++
		}

		for _, member := range packMembers {
			if visited[member] {
				continue
			}
			e.logger.Debugf("Scheduling pack member %s of %s", member, identity)
			bonus, err := e.market.ByExtensionName(ctx, member)
			if err != nil {
				e.logger.Warnf("Pack member %s of %s not found: %v", member, identity, err)
				continue
			}
			queue = append(queue, bonus)
		}
	}
}

// downloadExtension fetches every version variant of one extension that
// the store does not already hold, with all assets of a variant
// downloaded concurrently through the worker pool. It returns the pack
// member identities found in the version manifests.
func (e *Engine) downloadExtension(ctx context.Context, ext *models.Extension, summary *PassSummary) []string {
	identity := ext.Identity()
	var members []string

	for _, version := range ext.Versions {
		if err := ctx.Err(); err != nil {
			break
		}

		if e.store.HasVersion(identity, version.Version, version.TargetPlatform) {
			members = append(members, e.packMembersFromStore(identity, &version)...)
			continue
		}

		staging, err := e.store.StageVersion(identity)
		if err != nil {
			e.logger.Warnf("Failed to stage %s %s: %v", identity, version.Version, err)
			summary.Failures++
			continue
		}

		if !e.fetchVersionAssets(ctx, identity, &version, staging) {
			e.store.DiscardStaging(staging)
			summary.Failures++
			continue
		}

		members = append(members, parsePackManifest(filepath.Join(staging, models.AssetManifest))...)

		if err := e.store.PublishVersion(ext, version, staging); err != nil {
			e.logger.Warnf("Failed to publish %s %s: %v", identity, version.Version, err)
			e.store.DiscardStaging(staging)
			summary.Failures++
			continue
		}
		e.logger.Debugf("Published %s %s %s", identity, version.Version, version.TargetPlatform)
		summary.VersionsDownloaded++
	}
	return members
}

// fetchVersionAssets downloads all assets of one version variant into
// the staging directory. A variant with any failed asset is not
// published; the next pass retries it.
func (e *Engine) fetchVersionAssets(ctx context.Context, identity string, version *models.ExtensionVersion, staging string) bool {
	var wg gosync.WaitGroup
	errCh := make(chan error, len(version.Files))

	for _, file := range version.Files {
		if file.Source == "" {
			e.logger.Warnf("Asset %s of %s %s has no source url", file.AssetType, identity, version.Version)
			continue
		}
		wg.Add(1)
		go func(file models.AssetFile) {
			defer helper.RecoverPanic(e.logger, "asset-download")
			defer wg.Done()
			dest := filepath.Join(staging, file.AssetType)
			if err := e.downloader.fetch(ctx, file.Source, dest); err != nil {
				errCh <- err
			}
		}(file)
	}
	wg.Wait()
	close(errCh)

	ok := true
	for err := range errCh {
		e.logger.Warnf("Asset download failed for %s %s: %v", identity, version.Version, err)
		ok = false
	}
	return ok
}

// packMembersFromStore reads pack members out of an already-stored
// version manifest, so packs keep expanding even when nothing new was
// downloaded.
func (e *Engine) packMembersFromStore(identity string, version *models.ExtensionVersion) []string {
	path := e.store.AssetPath(identity, version.Version, version.TargetPlatform, models.AssetManifest)
	return parsePackManifest(path)
}

// parsePackManifest extracts the extensionPack member list from a
// version's manifest asset. Anything unreadable yields no members.
func parsePackManifest(path string) []string {
	var manifest struct {
		ExtensionPack []string `json:"extensionPack"`
	}
	if err := tools.LoadJSON(path, &manifest); err != nil {
		return nil
	}
	return manifest.ExtensionPack
}
