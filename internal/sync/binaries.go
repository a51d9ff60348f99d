package sync

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/vscodeoffline/vscmirror/pkg/models"
)

// checkBinaries walks the build target matrix, asks upstream for the
// latest installer of each, and downloads the ones that are missing or
// stale. Failures are contained per target.
func (e *Engine) checkBinaries(ctx context.Context, summary *PassSummary) {
	for _, target := range models.EnumerateBuildTargets(e.cfg.Sync.CheckInsider) {
		if err := ctx.Err(); err != nil {
			return
		}
		summary.BinariesChecked++

		desc, err := e.updates.CheckForUpdate(ctx, target)
		if err != nil {
			e.logger.Warnf("Update check failed for %s: %v", target, err)
			summary.Failures++
			continue
		}
		if desc == nil {
			e.logger.Debugf("No update published for %s", target)
			continue
		}
		e.logger.Infof("Latest %s is %s (%s)", target, desc.ProductVersion, desc.Version)

		if !e.cfg.Sync.UpdateBinaries {
			continue
		}

		if e.store.HasBinary(target, desc) {
			e.logger.Debugf("Installer for %s already present", target)
			if err := e.store.WriteBinaryState(target, desc); err != nil {
				e.logger.Warnf("Failed to refresh installer state for %s: %v", target, err)
				summary.Failures++
			}
			continue
		}

		if err := e.downloadBinary(ctx, target, desc); err != nil {
			e.logger.Warnf("Installer download failed for %s: %v", target, err)
			summary.Failures++
			continue
		}
		summary.BinariesDownloaded++
	}
}

// downloadBinary fetches the installer into a scratch path inside the
// installer tree (keeping the rename on one filesystem) and publishes
// it through the store, which verifies the checksum first. The transfer
// itself goes through the update client, which owns that endpoint's
// connection policy.
func (e *Engine) downloadBinary(ctx context.Context, target models.BuildTarget, desc *models.UpdateDescriptor) error {
	scratch := filepath.Join(e.store.InstallersDir(), ".staging-"+uuid.NewString())
	defer os.Remove(scratch)

	e.logger.Infof("Downloading installer for %s from %s", target, desc.URL)
	if err := e.downloader.fetchWith(ctx, desc.URL, scratch, e.updates.DownloadFile); err != nil {
		return err
	}
	return e.store.PutBinary(target, desc, scratch)
}
