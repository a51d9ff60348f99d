package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vscodeoffline/vscmirror/pkg/models"
)

func TestCompareVersions(t *testing.T) {
	// The case a lexical sort gets wrong.
	assert.Positive(t, CompareVersions("1.10.0", "1.9.0"))
	assert.Negative(t, CompareVersions("1.9.0", "1.10.0"))
	assert.Zero(t, CompareVersions("1.2.3", "1.2.3"))

	// Tolerant parsing of short forms.
	assert.Positive(t, CompareVersions("2.0", "1.9.9"))

	// Parseable sorts above unparseable, unparseable falls back to lexical.
	assert.Positive(t, CompareVersions("0.0.1", "not-a-version"))
	assert.Negative(t, CompareVersions("also-not", "not-a-version"))
}

func TestSortVersionsDescending(t *testing.T) {
	versions := []models.ExtensionVersion{
		{Version: "1.9.0"},
		{Version: "1.10.0"},
		{Version: "1.10.0", TargetPlatform: "linux-x64"},
		{Version: "0.9.0"},
	}
	SortVersionsDescending(versions)

	assert.Equal(t, "1.10.0", versions[0].Version)
	assert.Equal(t, "linux-x64", versions[0].TargetPlatform, "platform build sorts before universal on equal versions")
	assert.Equal(t, "1.10.0", versions[1].Version)
	assert.Empty(t, versions[1].TargetPlatform)
	assert.Equal(t, "1.9.0", versions[2].Version)
	assert.Equal(t, "0.9.0", versions[3].Version)
}
