package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vscodeoffline/vscmirror/pkg/models"
)

var testTarget = models.BuildTarget{Platform: "linux", Architecture: "x64", Quality: "stable"}

func testDescriptor(commit, productVersion, payload string) *models.UpdateDescriptor {
	sum := sha256.Sum256([]byte(payload))
	return &models.UpdateDescriptor{
		URL:            "https://update.example.com/" + commit + "/linux-x64/stable.tar.gz",
		Name:           productVersion,
		Version:        commit,
		ProductVersion: productVersion,
		SHA256Hash:     hex.EncodeToString(sum[:]),
	}
}

func stageBinary(t *testing.T, s *Store, payload string) string {
	t.Helper()
	scratch := filepath.Join(s.InstallersDir(), ".staging-test")
	require.NoError(t, os.WriteFile(scratch, []byte(payload), 0644))
	return scratch
}

func TestPutBinary_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	desc := testDescriptor("aaa111", "1.80.0", "installer-bytes")

	require.NoError(t, s.PutBinary(testTarget, desc, stageBinary(t, s, "installer-bytes")))

	assert.True(t, s.HasBinary(testTarget, desc))

	latest, err := s.LatestBinary(testTarget)
	require.NoError(t, err)
	assert.Equal(t, "aaa111", latest.Version)

	latest, err = s.LatestBinaryFor("linux-x64", "stable")
	require.NoError(t, err)
	assert.Equal(t, "1.80.0", latest.ProductVersion)

	byCommit, err := s.BinaryByCommit("linux-x64", "stable", "aaa111")
	require.NoError(t, err)
	assert.Equal(t, desc.SHA256Hash, byCommit.SHA256Hash)

	payload, err := s.BinaryPayloadPath("linux-x64", "stable", desc)
	require.NoError(t, err)
	assert.Equal(t, "vscode-1.80.0.tar.gz", filepath.Base(payload))
}

func TestPutBinary_ChecksumMismatch(t *testing.T) {
	s := newTestStore(t)
	desc := testDescriptor("aaa111", "1.80.0", "expected-bytes")

	err := s.PutBinary(testTarget, desc, stageBinary(t, s, "corrupted-bytes"))
	assert.Error(t, err)
	assert.False(t, s.HasBinary(testTarget, desc))

	_, err = s.LatestBinary(testTarget)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasBinary_DetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	desc := testDescriptor("aaa111", "1.80.0", "installer-bytes")
	require.NoError(t, s.PutBinary(testTarget, desc, stageBinary(t, s, "installer-bytes")))

	payload, err := s.BinaryPayloadPath("linux-x64", "stable", desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(payload, []byte("tampered"), 0644))

	assert.False(t, s.HasBinary(testTarget, desc))
}

func TestListBinaryVersions_NewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, v := range []struct{ commit, product string }{
		{"aaa", "1.9.0"},
		{"bbb", "1.10.0"},
		{"ccc", "1.8.0"},
	} {
		desc := testDescriptor(v.commit, v.product, "payload-"+v.commit)
		require.NoError(t, s.PutBinary(testTarget, desc, stageBinary(t, s, "payload-"+v.commit)))
	}

	descriptors, err := s.ListBinaryVersions(testTarget)
	require.NoError(t, err)
	require.Len(t, descriptors, 3)
	assert.Equal(t, "1.10.0", descriptors[0].ProductVersion)
	assert.Equal(t, "1.9.0", descriptors[1].ProductVersion)
	assert.Equal(t, "1.8.0", descriptors[2].ProductVersion)
}

func TestDeleteBinaryVersion(t *testing.T) {
	s := newTestStore(t)
	desc := testDescriptor("aaa111", "1.80.0", "installer-bytes")
	require.NoError(t, s.PutBinary(testTarget, desc, stageBinary(t, s, "installer-bytes")))

	require.NoError(t, s.DeleteBinaryVersion(testTarget, desc))
	assert.False(t, s.HasBinary(testTarget, desc))
	_, err := s.BinaryByCommit("linux-x64", "stable", "aaa111")
	assert.ErrorIs(t, err, ErrNotFound)
}
