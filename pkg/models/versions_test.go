package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func prerelease() []Property {
	return []Property{{Key: PropertyPreRelease, Value: "true"}}
}

func TestLatestReleaseVersions_KeepsNewestReleaseVariants(t *testing.T) {
	ext := &Extension{
		ExtensionName: "tool",
		Publisher:     Publisher{PublisherName: "acme"},
		Versions: []ExtensionVersion{
			{Version: "2.1.0", Properties: prerelease(), LastUpdated: "2023-06-03T00:00:00Z"},
			{Version: "2.0.0", TargetPlatform: "linux-x64", LastUpdated: "2023-06-02T00:00:00Z"},
			{Version: "2.0.0", TargetPlatform: "win32-x64", LastUpdated: "2023-06-02T00:00:00Z"},
			{Version: "1.9.0", LastUpdated: "2023-05-01T00:00:00Z"},
		},
	}

	latest := ext.LatestReleaseVersions()
	assert.Len(t, latest, 2)
	for _, v := range latest {
		assert.Equal(t, "2.0.0", v.Version)
	}
}

func TestLatestReleaseVersions_PrereleaseOnlyUnchanged(t *testing.T) {
	ext := &Extension{
		Versions: []ExtensionVersion{
			{Version: "0.2.0", Properties: prerelease(), LastUpdated: "2023-06-03T00:00:00Z"},
			{Version: "0.1.0", Properties: prerelease(), LastUpdated: "2023-06-01T00:00:00Z"},
		},
	}
	assert.Equal(t, ext.Versions, ext.LatestReleaseVersions())
}

func TestLatestReleaseVersions_SingleVersionUnchanged(t *testing.T) {
	ext := &Extension{Versions: []ExtensionVersion{{Version: "1.0.0"}}}
	assert.Equal(t, ext.Versions, ext.LatestReleaseVersions())
}

func TestExtension_IsPreRelease(t *testing.T) {
	ext := &Extension{Versions: []ExtensionVersion{
		{Version: "2.0.0", Properties: prerelease()},
		{Version: "1.0.0"},
	}}
	assert.True(t, ext.IsPreRelease())
	assert.False(t, (&Extension{}).IsPreRelease())
}

func TestMaliciousList_Contains(t *testing.T) {
	list := &MaliciousList{Malicious: []string{"evil.keylogger", "bad.miner"}}
	assert.True(t, list.Contains("evil.keylogger"))
	assert.False(t, list.Contains("acme.tool"))
	assert.False(t, (&MaliciousList{}).Contains("acme.tool"))
}
