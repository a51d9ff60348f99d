package models

import (
	"fmt"
	"strings"
)

// Build matrix accepted by the update endpoint. The combinations are
// pruned by EnumerateBuildTargets; not every cross product is published
// upstream.
var (
	Platforms     = []string{"win32", "linux", "linux-deb", "linux-rpm", "darwin", "linux-snap", "server-linux"}
	Architectures = []string{"", "x64"}
	BuildTypes    = []string{"", "archive", "user"}
	Qualities     = []string{"stable", "insider"}
)

// BuildTarget identifies one installer build: a platform triple plus the
// release quality. Identity() is the path component used by both the
// update API and the on-disk installer layout.
type BuildTarget struct {
	Platform     string `json:"platform"`
	Architecture string `json:"architecture,omitempty"`
	BuildType    string `json:"buildType,omitempty"`
	Quality      string `json:"quality"`
}

// Identity returns the platform identity string, e.g. "linux-x64" or
// "win32-x64-user".
func (t BuildTarget) Identity() string {
	identity := t.Platform
	if t.Architecture != "" {
		identity += "-" + t.Architecture
	}
	if t.BuildType != "" {
		identity += "-" + t.BuildType
	}
	return identity
}

func (t BuildTarget) String() string {
	return t.Quality + "/" + t.Identity()
}

// Validate checks every element of the target against the accepted
// matrix.
func (t BuildTarget) Validate() error {
	if !contains(Platforms, t.Platform) {
		return fmt.Errorf("platform %q invalid or not implemented", t.Platform)
	}
	if !contains(Architectures, t.Architecture) {
		return fmt.Errorf("architecture %q invalid or not implemented", t.Architecture)
	}
	if !contains(BuildTypes, t.BuildType) {
		return fmt.Errorf("buildtype %q invalid or not implemented", t.BuildType)
	}
	if !contains(Qualities, t.Quality) {
		return fmt.Errorf("quality %q invalid or not implemented", t.Quality)
	}
	return nil
}

// EnumerateBuildTargets returns every build target the upstream publishes.
// Insider-quality targets are included only when insider is true. The
// pruning rules follow the upstream catalogue: darwin ships a single
// universal build, linux builds are always architecture-specific.
func EnumerateBuildTargets(insider bool) []BuildTarget {
	var targets []BuildTarget
	for _, platform := range Platforms {
		for _, arch := range Architectures {
			for _, buildType := range BuildTypes {
				for _, quality := range Qualities {
					if quality == "insider" && !insider {
						continue
					}
					if platform == "darwin" && (arch != "" || buildType != "") {
						continue
					}
					if strings.Contains(platform, "linux") && (arch == "" || buildType != "") {
						continue
					}
					targets = append(targets, BuildTarget{
						Platform:     platform,
						Architecture: arch,
						BuildType:    buildType,
						Quality:      quality,
					})
				}
			}
		}
	}
	return targets
}

// UpdateDescriptor is the update API response for one build target: the
// latest installer version and where to fetch it. The field set mirrors
// the upstream response and is persisted verbatim as latest.json.
type UpdateDescriptor struct {
	URL                string `json:"url"`
	Name               string `json:"name"`
	Version            string `json:"version"`
	ProductVersion     string `json:"productVersion"`
	Hash               string `json:"hash,omitempty"`
	Timestamp          int64  `json:"timestamp,omitempty"`
	SHA256Hash         string `json:"sha256hash,omitempty"`
	SupportsFastUpdate *bool  `json:"supportsFastUpdate,omitempty"`
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
