package store

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vscodeoffline/vscmirror/pkg/models"
	"github.com/vscodeoffline/vscmirror/pkg/tools"
)

// binaryDir is installers/<identity>/<quality>, the unit the update API
// and the gallery agree on across restarts.
func (s *Store) binaryDir(target models.BuildTarget) string {
	return filepath.Join(s.InstallersDir(), target.Identity(), target.Quality)
}

// BinaryDirFor returns the installer directory for a raw identity and
// quality as they arrive in gallery request paths.
func (s *Store) BinaryDirFor(identity, quality string) string {
	return filepath.Join(s.InstallersDir(), identity, quality)
}

// PutBinary verifies and publishes a downloaded installer. The payload
// moves into place first; the version metadata and the latest marker
// are written after, so a descriptor never points at a missing or
// half-written payload.
func (s *Store) PutBinary(target models.BuildTarget, desc *models.UpdateDescriptor, srcPath string) error {
	if desc.SHA256Hash != "" {
		if err := tools.VerifyChecksum(srcPath, desc.SHA256Hash); err != nil {
			return fmt.Errorf("installer %s: %w", target, err)
		}
	}

	dir := s.binaryDir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create installer directory: %w", err)
	}

	dest := filepath.Join(dir, binaryFileName(desc))
	if err := tools.MoveFile(srcPath, dest); err != nil {
		return fmt.Errorf("failed to publish installer %s: %w", target, err)
	}

	if desc.Version != "" {
		if err := tools.WriteJSON(filepath.Join(dir, desc.Version+".json"), desc); err != nil {
			return err
		}
	}
	return tools.WriteJSON(filepath.Join(dir, latestManifestName), desc)
}

// WriteBinaryState refreshes the stored metadata for a target without
// touching the payload, for the case where the payload is already
// present and verified.
func (s *Store) WriteBinaryState(target models.BuildTarget, desc *models.UpdateDescriptor) error {
	dir := s.binaryDir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create installer directory: %w", err)
	}
	if desc.Version != "" {
		if err := tools.WriteJSON(filepath.Join(dir, desc.Version+".json"), desc); err != nil {
			return err
		}
	}
	return tools.WriteJSON(filepath.Join(dir, latestManifestName), desc)
}

// HasBinary reports whether the descriptor's payload is already stored
// and intact, which makes repeated sync passes no-ops.
func (s *Store) HasBinary(target models.BuildTarget, desc *models.UpdateDescriptor) bool {
	payload := filepath.Join(s.binaryDir(target), binaryFileName(desc))
	if _, err := os.Stat(payload); err != nil {
		return false
	}
	if desc.SHA256Hash == "" {
		return true
	}
	return tools.VerifyChecksum(payload, desc.SHA256Hash) == nil
}

// LatestBinary returns the current installer descriptor for a target.
func (s *Store) LatestBinary(target models.BuildTarget) (*models.UpdateDescriptor, error) {
	return s.loadDescriptor(filepath.Join(s.binaryDir(target), latestManifestName))
}

// LatestBinaryFor is LatestBinary keyed by raw identity and quality.
func (s *Store) LatestBinaryFor(identity, quality string) (*models.UpdateDescriptor, error) {
	return s.loadDescriptor(filepath.Join(s.BinaryDirFor(identity, quality), latestManifestName))
}

// BinaryByCommit returns the descriptor stored for a specific commit id.
func (s *Store) BinaryByCommit(identity, quality, commit string) (*models.UpdateDescriptor, error) {
	return s.loadDescriptor(filepath.Join(s.BinaryDirFor(identity, quality), commit+".json"))
}

// BinaryPayloadPath locates the stored payload for a descriptor.
func (s *Store) BinaryPayloadPath(identity, quality string, desc *models.UpdateDescriptor) (string, error) {
	p := filepath.Join(s.BinaryDirFor(identity, quality), binaryFileName(desc))
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return p, nil
}

// ListBinaryVersions returns all stored descriptors for a target,
// newest first by product version. The latest marker is not included.
func (s *Store) ListBinaryVersions(target models.BuildTarget) ([]*models.UpdateDescriptor, error) {
	dir := s.binaryDir(target)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read installer directory: %w", err)
	}

	var descriptors []*models.UpdateDescriptor
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || name == latestManifestName {
			continue
		}
		desc, err := s.loadDescriptor(filepath.Join(dir, name))
		if err != nil {
			s.logger.Debugf("Skipping unreadable installer descriptor %s: %v", name, err)
			continue
		}
		descriptors = append(descriptors, desc)
	}
	sort.SliceStable(descriptors, func(i, j int) bool {
		return CompareVersions(descriptors[i].ProductVersion, descriptors[j].ProductVersion) > 0
	})
	return descriptors, nil
}

// DeleteBinaryVersion removes one superseded installer: payload first,
// descriptor after, so a descriptor never outlives its payload only in
// the other direction.
func (s *Store) DeleteBinaryVersion(target models.BuildTarget, desc *models.UpdateDescriptor) error {
	dir := s.binaryDir(target)
	if err := os.Remove(filepath.Join(dir, binaryFileName(desc))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove installer payload: %w", err)
	}
	if desc.Version != "" {
		if err := os.Remove(filepath.Join(dir, desc.Version+".json")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove installer descriptor: %w", err)
		}
	}
	return nil
}

func (s *Store) loadDescriptor(path string) (*models.UpdateDescriptor, error) {
	var desc models.UpdateDescriptor
	err := tools.LoadJSON(path, &desc)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

// binaryFileName derives the stored payload name from the descriptor,
// keeping compound archive suffixes like .tar.gz intact.
func binaryFileName(desc *models.UpdateDescriptor) string {
	return "vscode-" + desc.Name + payloadSuffix(desc.URL)
}

func payloadSuffix(rawURL string) string {
	u, err := url.Parse(rawURL)
	p := rawURL
	if err == nil {
		p = u.Path
	}
	suffix := path.Ext(p)
	if suffix == ".gz" {
		if inner := path.Ext(strings.TrimSuffix(p, suffix)); inner != "" {
			suffix = inner + suffix
		}
	}
	return suffix
}
