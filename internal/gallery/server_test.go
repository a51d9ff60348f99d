package gallery

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vscodeoffline/vscmirror/internal/config"
	"github.com/vscodeoffline/vscmirror/internal/store"
	"github.com/vscodeoffline/vscmirror/pkg/models"
)

const mirrorRoot = "http://mirror.internal"

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Server.URLRoot = mirrorRoot
	cfg.Server.CacheRefresh = time.Hour

	return NewServer(cfg, st), st
}

func putTestBinary(t *testing.T, st *store.Store, commit, productVersion string) *models.UpdateDescriptor {
	t.Helper()
	payload := "installer-" + commit
	sum := sha256.Sum256([]byte(payload))
	desc := &models.UpdateDescriptor{
		URL:            "https://upstream.example.com/" + commit + "/stable.tar.gz",
		Name:           productVersion,
		Version:        commit,
		ProductVersion: productVersion,
		SHA256Hash:     hex.EncodeToString(sum[:]),
	}

	scratch := filepath.Join(st.InstallersDir(), ".staging-test")
	require.NoError(t, os.WriteFile(scratch, []byte(payload), 0644))
	target := models.BuildTarget{Platform: "linux", Architecture: "x64", Quality: "stable"}
	require.NoError(t, st.PutBinary(target, desc, scratch))
	return desc
}

func putTestExtension(t *testing.T, st *store.Store, publisher, name, version string) {
	t.Helper()
	ext := &models.Extension{
		ExtensionID:   "id-" + publisher + "." + name,
		ExtensionName: name,
		DisplayName:   name,
		Publisher:     models.Publisher{PublisherName: publisher},
	}
	staging, err := st.StageVersion(ext.Identity())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staging, models.AssetVSIXPackage), []byte("vsix-"+version), 0644))
	require.NoError(t, st.PublishVersion(ext, models.ExtensionVersion{
		Version: version,
		Files:   []models.AssetFile{{AssetType: models.AssetVSIXPackage, Source: "https://upstream.example.com/vsix"}},
	}, staging))
	require.NoError(t, st.PutExtension(ext))
}

func TestUpdateCheck(t *testing.T) {
	s, st := newTestServer(t)
	putTestBinary(t, st, "commit1800", "1.80.0")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	// Older commit gets the stored descriptor with a repointed url.
	resp, err := http.Get(ts.URL + "/api/update/linux-x64/stable/oldcommit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var desc models.UpdateDescriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	assert.Equal(t, "commit1800", desc.Version)
	assert.Equal(t, mirrorRoot+"/artifacts/installers/linux-x64/stable/vscode-1.80.0.tar.gz", desc.URL)

	// The stored commit itself means up to date.
	resp, err = http.Get(ts.URL + "/api/update/linux-x64/stable/commit1800")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Targets the mirror does not hold are a 404, not an error.
	resp, err = http.Get(ts.URL + "/api/update/win32-x64/stable/oldcommit")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommitDownloadRedirect(t *testing.T) {
	s, st := newTestServer(t)
	putTestBinary(t, st, "commit1800", "1.80.0")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(ts.URL + "/commit:commit1800/linux-x64/stable")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, mirrorRoot+"/artifacts/installers/linux-x64/stable/vscode-1.80.0.tar.gz",
		resp.Header.Get("Location"))

	resp, err = client.Get(ts.URL + "/commit:unknown/linux-x64/stable")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExtensionQueryEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	putTestExtension(t, st, "acme", "tool", "1.2.0")
	require.NoError(t, s.cache.Build())
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	query := models.QueryRequest{
		Filters: []models.QueryFilter{{
			Criteria: []models.FilterCriterion{{FilterType: models.FilterExtensionName, Value: "acme.tool"}},
			PageSize: 10,
		}},
	}
	body, err := json.Marshal(query)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/_apis/public/gallery/extensionquery", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result models.QueryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Results, 1)
	require.Len(t, result.Results[0].Extensions, 1)

	ext := result.Results[0].Extensions[0]
	assert.Equal(t, "acme.tool", ext.Identity())
	require.NotEmpty(t, ext.Versions)
	assert.Equal(t, mirrorRoot+"/artifacts/extensions/acme.tool/1.2.0", ext.Versions[0].AssetURI)
	assert.Equal(t, mirrorRoot+"/artifacts/extensions/acme.tool/1.2.0/"+models.AssetVSIXPackage,
		ext.Versions[0].Files[0].Source)
}

func TestArtifactServing(t *testing.T) {
	s, st := newTestServer(t)
	putTestExtension(t, st, "acme", "tool", "1.2.0")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/artifacts/extensions/acme.tool/1.2.0/" + models.AssetVSIXPackage)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "vsix-1.2.0", buf.String())
}

func TestMaliciousEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	// Nothing fetched yet: an empty list, not an error.
	resp, err := http.Get(ts.URL + "/extensions/marketplace.json")
	require.NoError(t, err)
	var list models.MaliciousList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Empty(t, list.Malicious)

	require.NoError(t, st.ReplaceMalicious(&models.MaliciousList{Malicious: []string{"evil.ext"}}))
	resp, err = http.Get(ts.URL + "/extensions/marketplace.json")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.True(t, list.Contains("evil.ext"))
}

func TestBrowse(t *testing.T) {
	s, st := newTestServer(t)
	putTestExtension(t, st, "acme", "tool", "1.2.0")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/browse")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `/browse?path=extensions`)

	resp, err = http.Get(ts.URL + "/browse?path=extensions%2Facme.tool%2F1.2.0")
	require.NoError(t, err)
	buf.Reset()
	_, err = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), mirrorRoot+"/artifacts/extensions/acme.tool/1.2.0/"+models.AssetVSIXPackage)

	// Escaping the artifact root is refused.
	resp, err = http.Get(ts.URL + "/browse?path=..%2F..")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/browse?path=no-such-directory")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIndexPage(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}
