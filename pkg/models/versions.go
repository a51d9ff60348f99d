package models

import "sort"

// LatestReleaseVersions narrows a version list to the newest
// non-prerelease version, keeping every target-platform variant of it.
// When no release version exists the list is returned unchanged, so a
// prerelease-only extension still mirrors something.
func (e *Extension) LatestReleaseVersions() []ExtensionVersion {
	if len(e.Versions) <= 1 {
		return e.Versions
	}

	var releases []ExtensionVersion
	for _, v := range e.Versions {
		if !v.IsPreRelease() {
			releases = append(releases, v)
		}
	}
	if len(releases) == 0 {
		return e.Versions
	}

	sort.SliceStable(releases, func(i, j int) bool {
		return ParseGalleryTime(releases[i].LastUpdated).After(ParseGalleryTime(releases[j].LastUpdated))
	})

	newest := releases[0].Version
	var filtered []ExtensionVersion
	for _, v := range releases {
		if v.Version == newest {
			filtered = append(filtered, v)
		}
	}
	return filtered
}
