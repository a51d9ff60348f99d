package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vscodeoffline/vscmirror/internal/config"
	"github.com/vscodeoffline/vscmirror/pkg/logger"
	"github.com/vscodeoffline/vscmirror/pkg/models"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.Config{Level: "error", Format: "text"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

const installerPayload = "fake-installer-bytes"

// fakeUpstream serves the update API, the gallery query API, and asset
// downloads the way the real upstreams do, counting payload downloads
// so tests can assert idempotence.
type fakeUpstream struct {
	mu         gosync.Mutex
	server     *httptest.Server
	extensions map[string]*models.Extension
	assets     map[string]string
	downloads  int
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		extensions: map[string]*models.Extension{},
		assets:     map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /extensionquery", f.handleQuery)
	mux.HandleFunc("GET /assets/", f.handleAsset)
	mux.HandleFunc("GET /api/update/", f.handleUpdate)
	mux.HandleFunc("GET /installer", f.handleInstaller)
	mux.HandleFunc("GET /malicious", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"malicious":["evil.ext"]}`)
	})
	mux.HandleFunc("GET /recommendations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"workspaceRecommendations":[{"recommendations":["acme.tool"]}]}`)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

// addExtension registers an extension with one universal version and a
// manifest listing the given pack members.
func (f *fakeUpstream) addExtension(publisher, name, version string, packMembers ...string) {
	identity := publisher + "." + name
	base := f.server.URL + "/assets/" + identity + "/" + version

	manifest := map[string]any{"name": name}
	if len(packMembers) > 0 {
		manifest["extensionPack"] = packMembers
	}
	manifestJSON, _ := json.Marshal(manifest)

	f.assets[identity+"/"+version+"/"+models.AssetVSIXPackage] = "vsix-" + identity
	f.assets[identity+"/"+version+"/"+models.AssetManifest] = string(manifestJSON)

	f.extensions[identity] = &models.Extension{
		ExtensionID:   "id-" + identity,
		ExtensionName: name,
		Publisher:     models.Publisher{PublisherName: publisher},
		Versions: []models.ExtensionVersion{
			{
				Version: version,
				Files: []models.AssetFile{
					{AssetType: models.AssetVSIXPackage, Source: base + "/" + models.AssetVSIXPackage},
					{AssetType: models.AssetManifest, Source: base + "/" + models.AssetManifest},
				},
			},
		},
	}
}

func (f *fakeUpstream) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Filters) == 0 {
		http.Error(w, "bad query", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	var matched []*models.Extension
	for _, criterion := range req.Filters[0].Criteria {
		for identity, ext := range f.extensions {
			switch criterion.FilterType {
			case models.FilterExtensionName:
				if identity == criterion.Value {
					matched = append(matched, ext)
				}
			case models.FilterExtensionID:
				if ext.ExtensionID == criterion.Value {
					matched = append(matched, ext)
				}
			case models.FilterSearchText:
				matched = append(matched, ext)
			}
		}
	}
	f.mu.Unlock()

	// Drop duplicates from overlapping criteria.
	seen := map[string]bool{}
	var unique []*models.Extension
	for _, ext := range matched {
		if !seen[ext.Identity()] {
			seen[ext.Identity()] = true
			unique = append(unique, ext)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.NewQueryResponse(unique, len(unique)))
}

func (f *fakeUpstream) handleAsset(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[len("/assets/"):]
	f.mu.Lock()
	content, ok := f.assets[key]
	if ok {
		f.downloads++
	}
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	fmt.Fprint(w, content)
}

// handleUpdate publishes one installer for stable linux-x64 and reports
// every other target as having nothing newer.
func (f *fakeUpstream) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/update/linux-x64/stable/7c4205b5c6e52a53b81c69d2b2dc8a627abaa0ba" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sum := sha256.Sum256([]byte(installerPayload))
	desc := &models.UpdateDescriptor{
		URL:            f.server.URL + "/installer",
		Name:           "1.80.0",
		Version:        "commit1800",
		ProductVersion: "1.80.0",
		SHA256Hash:     hex.EncodeToString(sum[:]),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(desc)
}

func (f *fakeUpstream) handleInstaller(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	fmt.Fprint(w, installerPayload)
}

func (f *fakeUpstream) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

func testConfig(t *testing.T, f *fakeUpstream) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Artifacts.Dir = t.TempDir()
	cfg.Sync.CheckRecommended = false
	cfg.Sync.CheckSpecified = false
	cfg.Sync.IncludeExisting = false
	cfg.Sync.ExtensionSearch = "acme"
	cfg.Sync.GarbageCollection = true
	cfg.Sync.DownloadRetries = 0
	cfg.Sync.MaxConcurrent = 4
	cfg.Sync.RateLimit = 10000
	cfg.Sync.RateBurst = 10000
	cfg.Upstream.UpdateURL = f.server.URL + "/api/update/"
	cfg.Upstream.MarketplaceURL = f.server.URL + "/extensionquery"
	cfg.Upstream.MaliciousURL = f.server.URL + "/malicious"
	cfg.Upstream.RecommendationsURL = f.server.URL + "/recommendations"
	cfg.Upstream.Timeout = 10 * time.Second
	return cfg
}

func TestRunPass_MirrorsAndIsIdempotent(t *testing.T) {
	f := newFakeUpstream(t)
	f.addExtension("acme", "tool", "1.0.0")
	f.addExtension("evil", "ext", "6.6.6")

	engine, err := New(testConfig(t, f))
	require.NoError(t, err)

	summary := engine.RunPass(context.Background())
	assert.Zero(t, summary.Failures)
	assert.Equal(t, 1, summary.BinariesDownloaded)
	assert.Equal(t, 1, summary.VersionsDownloaded, "the malicious extension must not be downloaded")

	st := engine.Store()
	assert.True(t, st.HasVersion("acme.tool", "1.0.0", ""))
	assert.False(t, st.HasVersion("evil.ext", "6.6.6", ""))
	_, err = st.LoadExtension("evil.ext")
	assert.Error(t, err)

	latest, err := st.LatestBinaryFor("linux-x64", "stable")
	require.NoError(t, err)
	assert.Equal(t, "commit1800", latest.Version)

	assert.False(t, st.UpdatedAt().IsZero())

	// A second pass against an unchanged upstream downloads nothing.
	downloadsAfterFirst := f.downloadCount()
	summary = engine.RunPass(context.Background())
	assert.Zero(t, summary.Failures)
	assert.Zero(t, summary.BinariesDownloaded)
	assert.Zero(t, summary.VersionsDownloaded)
	assert.Equal(t, downloadsAfterFirst, f.downloadCount())
}

func TestRunPass_ExpandsExtensionPacksWithCycles(t *testing.T) {
	f := newFakeUpstream(t)
	// Two packs referencing each other must both mirror exactly once.
	f.addExtension("acme", "pack", "1.0.0", "acme.member")
	f.addExtension("acme", "member", "2.0.0", "acme.pack")

	cfg := testConfig(t, f)
	cfg.Sync.CheckBinaries = false
	cfg.Sync.ExtensionSearch = ""
	cfg.Sync.ExtensionName = "acme.pack"

	engine, err := New(cfg)
	require.NoError(t, err)

	summary := engine.RunPass(context.Background())
	assert.Zero(t, summary.Failures)
	assert.Equal(t, 2, summary.VersionsDownloaded)
	assert.True(t, engine.Store().HasVersion("acme.pack", "1.0.0", ""))
	assert.True(t, engine.Store().HasVersion("acme.member", "2.0.0", ""))
}

func TestRunPass_GarbageCollection(t *testing.T) {
	f := newFakeUpstream(t)
	cfg := testConfig(t, f)
	cfg.Sync.CheckBinaries = false
	cfg.Sync.UpdateExtensions = false
	cfg.Sync.UpdateMalicious = false

	engine, err := New(cfg)
	require.NoError(t, err)
	st := engine.Store()

	ext := &models.Extension{
		ExtensionName: "tool",
		Publisher:     models.Publisher{PublisherName: "acme"},
	}
	require.NoError(t, st.PutExtension(ext))
	for _, v := range []string{"1.9.0", "1.10.0"} {
		staging, err := st.StageVersion("acme.tool")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(staging+"/"+models.AssetVSIXPackage, []byte("vsix-"+v), 0644))
		require.NoError(t, st.PublishVersion(ext, models.ExtensionVersion{Version: v}, staging))
	}

	summary := engine.RunPass(context.Background())
	assert.Zero(t, summary.Failures)
	assert.Equal(t, 1, summary.VersionsDeleted)
	assert.True(t, st.HasVersion("acme.tool", "1.10.0", ""))
	assert.False(t, st.HasVersion("acme.tool", "1.9.0", ""))
}

func TestRunPass_GarbageCollectionKeepsNewestPerPlatform(t *testing.T) {
	f := newFakeUpstream(t)
	cfg := testConfig(t, f)
	cfg.Sync.CheckBinaries = false
	cfg.Sync.UpdateExtensions = false
	cfg.Sync.UpdateMalicious = false

	engine, err := New(cfg)
	require.NoError(t, err)
	st := engine.Store()

	ext := &models.Extension{
		ExtensionName: "tool",
		Publisher:     models.Publisher{PublisherName: "acme"},
	}
	require.NoError(t, st.PutExtension(ext))
	// The platform build only exists at 1.9.0, so 1.9.0 must survive even
	// though 1.10.0 supersedes it for universal consumers.
	versions := []models.ExtensionVersion{
		{Version: "1.9.0", TargetPlatform: "linux-x64"},
		{Version: "1.10.0"},
	}
	for _, v := range versions {
		staging, err := st.StageVersion("acme.tool")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(staging+"/"+models.AssetVSIXPackage, []byte("vsix"), 0644))
		require.NoError(t, st.PublishVersion(ext, v, staging))
	}

	summary := engine.RunPass(context.Background())
	assert.Zero(t, summary.VersionsDeleted)
	assert.Zero(t, summary.Failures)
	assert.True(t, st.HasVersion("acme.tool", "1.9.0", "linux-x64"))
	assert.True(t, st.HasVersion("acme.tool", "1.10.0", ""))
}
