package store

import (
	"sort"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/vscodeoffline/vscmirror/pkg/models"
)

// CompareVersions orders two version strings by semantic-version
// precedence. Strings that do not parse as semver sort below ones that
// do; two unparseable strings fall back to lexical order. This is what
// keeps "1.10.0" above "1.9.0" where a plain string sort would not.
func CompareVersions(a, b string) int {
	va, errA := semver.ParseTolerant(a)
	vb, errB := semver.ParseTolerant(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}

// SortVersionsDescending orders extension versions newest first by
// semantic-version precedence. On equal versions a target-platform
// specific build sorts before a universal one, and more recently
// updated builds before older ones.
func SortVersionsDescending(versions []models.ExtensionVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		if c := CompareVersions(versions[i].Version, versions[j].Version); c != 0 {
			return c > 0
		}
		iSpecific := versions[i].TargetPlatform != ""
		jSpecific := versions[j].TargetPlatform != ""
		if iSpecific != jSpecific {
			return iSpecific
		}
		return models.ParseGalleryTime(versions[i].LastUpdated).
			After(models.ParseGalleryTime(versions[j].LastUpdated))
	})
}
