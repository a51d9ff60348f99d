// Package store is the on-disk artifact store shared by the sync engine
// and the gallery service. The sync engine is the only writer; the
// gallery only reads. Every mutation is staged in a scratch directory
// and published with a rename, so a concurrent reader observes either
// the previous state of a version or the new one, never a partial
// write.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vscodeoffline/vscmirror/pkg/logger"
	"github.com/vscodeoffline/vscmirror/pkg/models"
	"github.com/vscodeoffline/vscmirror/pkg/tools"
)

// ErrNotFound is returned for lookups of artifacts the store does not
// hold. Callers translate it into client-visible absence (empty result,
// 404), never into an error payload.
var ErrNotFound = errors.New("artifact not found")

const (
	installersDirName  = "installers"
	extensionsDirName  = "extensions"
	latestManifestName = "latest.json"
	versionManifest    = "extension.json"
	maliciousFileName  = "malicious.json"
	recommendationsName = "recommendations.json"
	specifiedFileName  = "specified.yaml"
	updatedFileName    = "updated.json"
)

// Store is rooted at the artifact directory. A single sync engine
// instance per root is assumed; running two against the same root is
// operator misuse and not defended against.
type Store struct {
	root   string
	logger *logger.Logger
}

// New opens a store rooted at dir and creates the top-level layout.
func New(dir string) (*Store, error) {
	s := &Store{
		root:   dir,
		logger: logger.NewLogger("store"),
	}
	for _, sub := range []string{s.InstallersDir(), s.ExtensionsDir()} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", sub, err)
		}
	}
	return s, nil
}

// Root returns the artifact root directory.
func (s *Store) Root() string { return s.root }

// InstallersDir returns the binary artifact directory.
func (s *Store) InstallersDir() string { return filepath.Join(s.root, installersDirName) }

// ExtensionsDir returns the extension artifact directory.
func (s *Store) ExtensionsDir() string { return filepath.Join(s.root, extensionsDirName) }

// MaliciousPath returns the path of the mirrored malicious list.
func (s *Store) MaliciousPath() string { return filepath.Join(s.root, maliciousFileName) }

// RecommendationsPath returns the path of the mirrored recommendation blob.
func (s *Store) RecommendationsPath() string { return filepath.Join(s.root, recommendationsName) }

// SpecifiedPath returns the path of the operator-provided extension list.
func (s *Store) SpecifiedPath() string { return filepath.Join(s.root, specifiedFileName) }

// UpdatedPath returns the path of the sync-complete signal file.
func (s *Store) UpdatedPath() string { return filepath.Join(s.root, updatedFileName) }

func (s *Store) extensionDir(identity string) string {
	return filepath.Join(s.ExtensionsDir(), identity)
}

func (s *Store) versionDir(identity, version string) string {
	return filepath.Join(s.extensionDir(identity), version)
}

// assetDir is where a version variant's asset files live. Universal
// builds use the version directory itself, platform builds a
// subdirectory, matching the layout the gallery serves from.
func (s *Store) assetDir(identity, version, targetPlatform string) string {
	dir := s.versionDir(identity, version)
	if targetPlatform != "" {
		dir = filepath.Join(dir, targetPlatform)
	}
	return dir
}

// PutExtension records the extension's current metadata as latest.json.
func (s *Store) PutExtension(ext *models.Extension) error {
	dir := s.extensionDir(ext.Identity())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create extension directory: %w", err)
	}
	return tools.WriteJSON(filepath.Join(dir, latestManifestName), ext)
}

// LoadExtension reads an extension's latest.json metadata.
func (s *Store) LoadExtension(identity string) (*models.Extension, error) {
	var ext models.Extension
	err := tools.LoadJSON(filepath.Join(s.extensionDir(identity), latestManifestName), &ext)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ext, nil
}

// ListExtensions returns the identities of every mirrored extension.
func (s *Store) ListExtensions() ([]string, error) {
	entries, err := os.ReadDir(s.ExtensionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read extensions directory: %w", err)
	}
	var identities []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.ExtensionsDir(), entry.Name(), latestManifestName)); err == nil {
			identities = append(identities, entry.Name())
		}
	}
	return identities, nil
}

// StageVersion creates a scratch directory for downloading one version
// variant's assets. The caller fills it and then either publishes it
// with PublishVersion or discards it with DiscardStaging.
func (s *Store) StageVersion(identity string) (string, error) {
	dir := filepath.Join(s.extensionDir(identity), ".staging-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

// DiscardStaging removes an abandoned staging directory.
func (s *Store) DiscardStaging(stagingDir string) {
	if err := os.RemoveAll(stagingDir); err != nil {
		s.logger.Warnf("Failed to remove staging directory %s: %v", stagingDir, err)
	}
}

// PublishVersion atomically links a staged version variant into the
// store and records its metadata. Re-publishing identical content is a
// no-op. Differing content replaces the variant's assets in place, one
// file rename at a time, so the variant directory stays resolvable to
// concurrent readers throughout; superseded asset files are unlinked
// only after the new set is in place.
func (s *Store) PublishVersion(ext *models.Extension, version models.ExtensionVersion, stagingDir string) error {
	identity := ext.Identity()
	dest := s.assetDir(identity, version.Version, version.TargetPlatform)

	same, err := dirsIdentical(stagingDir, dest)
	if err != nil {
		return err
	}
	if same {
		s.DiscardStaging(stagingDir)
		return s.writeVersionManifest(ext, version)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create version directory: %w", err)
	}

	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if err := os.Rename(stagingDir, dest); err != nil {
			return fmt.Errorf("failed to publish version: %w", err)
		}
		return s.writeVersionManifest(ext, version)
	}

	// Replace in place. Each staged asset renames over its destination
	// file, so the variant directory never leaves the tree and a reader
	// sees either the old asset or the new one. Platform subdirectories
	// and the version manifest stay where they are.
	staged, err := os.ReadDir(stagingDir)
	if err != nil {
		return fmt.Errorf("failed to read staging directory: %w", err)
	}
	published := map[string]bool{}
	for _, entry := range staged {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Rename(filepath.Join(stagingDir, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
			return fmt.Errorf("failed to publish asset %s for %s/%s: %w",
				entry.Name(), identity, version.Version, err)
		}
		published[entry.Name()] = true
	}

	// Assets that disappeared upstream are unlinked only after the new
	// set is in place.
	current, err := os.ReadDir(dest)
	if err != nil {
		return fmt.Errorf("failed to read version directory: %w", err)
	}
	for _, entry := range current {
		if !entry.Type().IsRegular() || entry.Name() == versionManifest || published[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dest, entry.Name())); err != nil {
			s.logger.Warnf("Failed to remove superseded asset %s of %s/%s: %v",
				entry.Name(), identity, version.Version, err)
		}
	}

	s.DiscardStaging(stagingDir)
	return s.writeVersionManifest(ext, version)
}

// writeVersionManifest merges the published variant into the version's
// extension.json. The manifest carries the full extension record with
// the version list narrowed to this version's variants, which is the
// shape the gallery rebuilds its cache from.
func (s *Store) writeVersionManifest(ext *models.Extension, version models.ExtensionVersion) error {
	manifestPath := filepath.Join(s.versionDir(ext.Identity(), version.Version), versionManifest)

	var existing models.Extension
	variants := []models.ExtensionVersion{version}
	if err := tools.LoadJSON(manifestPath, &existing); err == nil {
		for _, v := range existing.Versions {
			if v.Version == version.Version && v.TargetPlatform != version.TargetPlatform {
				variants = append(variants, v)
			}
		}
	}
	SortVersionsDescending(variants)

	record := *ext
	record.Versions = variants
	return tools.WriteJSON(manifestPath, &record)
}

// HasVersion reports whether a version variant's manifest is published.
func (s *Store) HasVersion(identity, version, targetPlatform string) bool {
	var record models.Extension
	manifestPath := filepath.Join(s.versionDir(identity, version), versionManifest)
	if err := tools.LoadJSON(manifestPath, &record); err != nil {
		return false
	}
	for _, v := range record.Versions {
		if v.Version == version && v.TargetPlatform == targetPlatform {
			return true
		}
	}
	return false
}

// ListVersions returns every retained version of an extension, newest
// first by semantic-version precedence regardless of insertion order.
func (s *Store) ListVersions(identity string) ([]models.ExtensionVersion, error) {
	entries, err := os.ReadDir(s.extensionDir(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read extension directory: %w", err)
	}

	var versions []models.ExtensionVersion
	for _, entry := range entries {
		if !entry.IsDir() || isScratchDir(entry.Name()) {
			continue
		}
		var record models.Extension
		manifestPath := filepath.Join(s.versionDir(identity, entry.Name()), versionManifest)
		if err := tools.LoadJSON(manifestPath, &record); err != nil {
			s.logger.Debugf("Skipping version directory without manifest: %s", manifestPath)
			continue
		}
		versions = append(versions, record.Versions...)
	}
	SortVersionsDescending(versions)
	return versions, nil
}

// GetAsset opens an asset of a published version variant for reading.
func (s *Store) GetAsset(identity, version, targetPlatform, assetType string) (io.ReadCloser, error) {
	path := filepath.Join(s.assetDir(identity, version, targetPlatform), assetType)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open asset: %w", err)
	}
	return f, nil
}

// AssetPath returns the on-disk path of an asset without opening it.
func (s *Store) AssetPath(identity, version, targetPlatform, assetType string) string {
	return filepath.Join(s.assetDir(identity, version, targetPlatform), assetType)
}

// DeleteVersion removes a version and all its platform variants. The
// directory is renamed out of the tree first so readers see the version
// either complete or not at all.
func (s *Store) DeleteVersion(identity, version string) error {
	dir := s.versionDir(identity, version)
	trash := dir + ".trash-" + uuid.NewString()
	if err := os.Rename(dir, trash); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to retire version %s/%s: %w", identity, version, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.Warnf("Failed to remove retired version at %s: %v", trash, err)
	}
	return nil
}

// ReplaceMalicious replaces the stored malicious list wholesale. An
// entry dropped upstream disappears locally on the next refresh.
func (s *Store) ReplaceMalicious(list *models.MaliciousList) error {
	return tools.WriteJSON(s.MaliciousPath(), list)
}

// Malicious loads the stored malicious list. A missing file is an empty
// list, not an error.
func (s *Store) Malicious() (*models.MaliciousList, error) {
	var list models.MaliciousList
	err := tools.LoadJSON(s.MaliciousPath(), &list)
	if os.IsNotExist(err) {
		return &models.MaliciousList{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// SignalUpdated stamps the sync-complete marker. The gallery watches
// this file to reload its cache.
func (s *Store) SignalUpdated() error {
	return tools.WriteJSON(s.UpdatedPath(), map[string]time.Time{
		"updated": time.Now().UTC(),
	})
}

// UpdatedAt returns the modification time of the sync-complete marker,
// or the zero time when no sync has finished yet.
func (s *Store) UpdatedAt() time.Time {
	info, err := os.Stat(s.UpdatedPath())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func isScratchDir(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

// dirsIdentical compares the regular files of two directories by
// checksum. A missing destination compares unequal.
func dirsIdentical(a, b string) (bool, error) {
	entriesA, err := os.ReadDir(a)
	if err != nil {
		return false, fmt.Errorf("failed to read staging directory: %w", err)
	}
	entriesB, err := os.ReadDir(b)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read version directory: %w", err)
	}

	filesB := map[string]bool{}
	for _, e := range entriesB {
		if e.Type().IsRegular() && e.Name() != versionManifest {
			filesB[e.Name()] = true
		}
	}

	var regularA int
	for _, e := range entriesA {
		if !e.Type().IsRegular() {
			continue
		}
		regularA++
		if !filesB[e.Name()] {
			return false, nil
		}
		hashA, err := tools.HashFile(filepath.Join(a, e.Name()))
		if err != nil {
			return false, err
		}
		hashB, err := tools.HashFile(filepath.Join(b, e.Name()))
		if err != nil {
			return false, err
		}
		if hashA != hashB {
			return false, nil
		}
	}
	return regularA == len(filesB), nil
}
