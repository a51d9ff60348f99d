// Package gallery is the air-gap-side service: it rebuilds a
// marketplace view from the artifact store and serves the update and
// extension query APIs to editors that cannot reach the internet.
package gallery

import (
	"context"
	"strings"
	gosync "sync"
	"time"

	"github.com/vscodeoffline/vscmirror/internal/store"
	"github.com/vscodeoffline/vscmirror/pkg/helper"
	"github.com/vscodeoffline/vscmirror/pkg/logger"
	"github.com/vscodeoffline/vscmirror/pkg/models"
)

// Snapshot is one immutable view of the mirrored gallery. Queries run
// against a snapshot; a rebuild swaps the whole snapshot in one pointer
// write, so requests never observe a half-built view.
type Snapshot struct {
	Extensions []*models.Extension
	Malicious  *models.MaliciousList
	BuiltAt    time.Time
}

// Cache rebuilds snapshots from the store. Rebuilds trigger on the
// sync-complete marker changing and on a fallback interval, whichever
// comes first.
type Cache struct {
	store   *store.Store
	urlRoot string
	refresh time.Duration
	logger  *logger.Logger

	mu          gosync.RWMutex
	snapshot    *Snapshot
	lastUpdated time.Time
}

// NewCache creates a cache that repoints asset URIs at urlRoot.
func NewCache(st *store.Store, urlRoot string, refresh time.Duration) *Cache {
	return &Cache{
		store:    st,
		urlRoot:  strings.TrimRight(urlRoot, "/"),
		refresh:  refresh,
		logger:   logger.NewLogger("gallery-cache"),
		snapshot: &Snapshot{Malicious: &models.MaliciousList{}},
	}
}

// Snapshot returns the current view. Always non-nil; before the first
// build it is empty, which clients see as a not-yet-populated mirror.
func (c *Cache) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Build rebuilds the snapshot from the store and swaps it in.
func (c *Cache) Build() error {
	started := time.Now()

	identities, err := c.store.ListExtensions()
	if err != nil {
		return err
	}

	extensions := make([]*models.Extension, 0, len(identities))
	for _, identity := range identities {
		ext, err := c.store.LoadExtension(identity)
		if err != nil {
			c.logger.Debugf("Skipping extension without metadata: %s", identity)
			continue
		}
		versions, err := c.store.ListVersions(identity)
		if err != nil || len(versions) == 0 {
			// Metadata without published assets stays invisible until the
			// sync engine finishes a version.
			continue
		}
		for i := range versions {
			c.repointVersion(identity, &versions[i])
		}
		ext.Versions = versions
		extensions = append(extensions, ext)
	}

	malicious, err := c.store.Malicious()
	if err != nil {
		c.logger.Warnf("Failed to load malicious list, serving without it: %v", err)
		malicious = &models.MaliciousList{}
	}

	snap := &Snapshot{
		Extensions: extensions,
		Malicious:  malicious,
		BuiltAt:    time.Now().UTC(),
	}

	c.mu.Lock()
	c.snapshot = snap
	c.lastUpdated = c.store.UpdatedAt()
	c.mu.Unlock()

	c.logger.Infof("Cache rebuilt with %d extensions in %s",
		len(extensions), time.Since(started).Round(time.Millisecond))
	return nil
}

// Watch rebuilds the cache whenever the store's sync-complete marker
// changes, polling its modification time, plus a periodic fallback
// rebuild. Blocks until the context is cancelled.
func (c *Cache) Watch(ctx context.Context) {
	defer helper.RecoverPanic(c.logger, "gallery-cache")

	poll := time.NewTicker(10 * time.Second)
	defer poll.Stop()

	refresh := c.refresh
	if refresh <= 0 {
		refresh = time.Hour
	}
	fallback := time.NewTicker(refresh)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			updated := c.store.UpdatedAt()
			c.mu.RLock()
			stale := !updated.Equal(c.lastUpdated)
			c.mu.RUnlock()
			if !stale {
				continue
			}
			c.logger.Info("Artifact store changed, rebuilding cache")
			if err := c.Build(); err != nil {
				c.logger.Warnf("Cache rebuild failed: %v", err)
			}
		case <-fallback.C:
			if err := c.Build(); err != nil {
				c.logger.Warnf("Cache rebuild failed: %v", err)
			}
		}
	}
}

// repointVersion rewrites a version's asset URIs from upstream to the
// mirror's own artifact routes.
func (c *Cache) repointVersion(identity string, v *models.ExtensionVersion) {
	base := c.urlRoot + "/artifacts/extensions/" + identity + "/" + v.Version
	if v.TargetPlatform != "" {
		base += "/" + v.TargetPlatform
	}
	v.AssetURI = base
	v.FallbackAssetURI = base
	for i := range v.Files {
		v.Files[i].Source = base + "/" + v.Files[i].AssetType
	}
}
