package gallery

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vscodeoffline/vscmirror/internal/config"
	"github.com/vscodeoffline/vscmirror/internal/store"
	"github.com/vscodeoffline/vscmirror/pkg/logger"
	"github.com/vscodeoffline/vscmirror/pkg/models"
)

// Server exposes the mirror over HTTP: the update API, the gallery
// query API, the recommendation and malicious list passthroughs, and
// static artifact serving. Absence of data is client-visible absence
// (204, 404, empty result), never a 5xx.
type Server struct {
	listen  string
	urlRoot string
	store   *store.Store
	cache   *Cache
	logger  *logger.Logger
}

// NewServer wires a gallery server over an artifact store.
func NewServer(cfg *config.Config, st *store.Store) *Server {
	return &Server{
		listen:  cfg.Server.Listen,
		urlRoot: strings.TrimRight(cfg.Server.URLRoot, "/"),
		store:   st,
		cache:   NewCache(st, cfg.Server.URLRoot, cfg.Server.CacheRefresh),
		logger:  logger.NewLogger("gallery"),
	}
}

// Run builds the initial cache, starts the cache watcher, and serves
// until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cache.Build(); err != nil {
		// An empty or not-yet-synced store is a normal first-boot state.
		s.logger.Warnf("Initial cache build failed, serving empty gallery: %v", err)
	}
	go s.cache.Watch(ctx)

	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Infof("Gallery listening on %s", s.listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/", s.handleIndex)
	r.Get("/browse", s.handleBrowse)
	r.Get("/api/update/{platform}/{quality}/{commitid}", s.handleUpdateCheck)
	r.Get("/commit:{commitid}/{platform}/{quality}", s.handleCommitDownload)
	r.Post("/_apis/public/gallery/extensionquery", s.handleExtensionQuery)
	r.Get("/extensions/workspaceRecommendations.json.gz", s.handleRecommendations)
	r.Get("/extensions/marketplace.json", s.handleMalicious)
	r.Handle("/artifacts/*", http.StripPrefix("/artifacts/",
		http.FileServer(http.Dir(s.store.Root()))))

	return r
}

// cors allows editors and browsers to call the mirror from any origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleUpdateCheck answers the editor's update poll. A commit id equal
// to the stored latest means up to date (204); otherwise the stored
// descriptor is returned with its download url repointed at the mirror.
func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	quality := chi.URLParam(r, "quality")
	commit := chi.URLParam(r, "commitid")

	desc, err := s.store.LatestBinaryFor(platform, quality)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Errorf("Update check failed for %s/%s: %v", platform, quality, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if desc.Version == commit {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	payloadURL, err := s.payloadURL(platform, quality, desc)
	if errors.Is(err, store.ErrNotFound) {
		// Descriptor without payload: the mirror knows about the release
		// but has not stored it, which is indistinguishable from not
		// mirroring this target at all.
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Errorf("Update check failed for %s/%s: %v", platform, quality, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := *desc
	out.URL = payloadURL
	s.writeJSON(w, &out)
}

// handleCommitDownload redirects the editor's versioned download url to
// the stored payload for that commit.
func (s *Server) handleCommitDownload(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	quality := chi.URLParam(r, "quality")
	commit := chi.URLParam(r, "commitid")

	desc, err := s.store.BinaryByCommit(platform, quality, commit)
	if err == nil {
		var payloadURL string
		if payloadURL, err = s.payloadURL(platform, quality, desc); err == nil {
			http.Redirect(w, r, payloadURL, http.StatusFound)
			return
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	s.logger.Errorf("Commit download failed for %s/%s/%s: %v", platform, quality, commit, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// payloadURL maps a stored installer payload to its public artifact url.
func (s *Server) payloadURL(platform, quality string, desc *models.UpdateDescriptor) (string, error) {
	payload, err := s.store.BinaryPayloadPath(platform, quality, desc)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.store.Root(), payload)
	if err != nil {
		return "", fmt.Errorf("failed to resolve payload path: %w", err)
	}
	return s.urlRoot + "/artifacts/" + filepath.ToSlash(rel), nil
}

func (s *Server) handleExtensionQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed query", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, Query(s.cache.Snapshot(), &req))
}

// handleRecommendations serves the mirrored recommendation blob in the
// gzip framing the editor downloads it in.
func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	raw, err := os.ReadFile(s.store.RecommendationsPath())
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	gz := gzip.NewWriter(w)
	if _, err := gz.Write(raw); err != nil {
		s.logger.Warnf("Failed to write recommendations: %v", err)
		return
	}
	if err := gz.Close(); err != nil {
		s.logger.Warnf("Failed to flush recommendations: %v", err)
	}
}

// handleMalicious serves the mirrored malicious list. A mirror that has
// never fetched one serves an empty list, keeping editors functional.
func (s *Server) handleMalicious(w http.ResponseWriter, r *http.Request) {
	raw, err := os.ReadFile(s.store.MaliciousPath())
	if err != nil {
		s.writeJSON(w, &models.MaliciousList{Malicious: []string{}})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// handleBrowse renders a plain listing of one directory of the artifact
// tree: subdirectories link back into the browser, files link to their
// artifact urls. Paths resolving outside the artifact root are refused.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	requested := r.URL.Query().Get("path")
	dir := filepath.Join(s.store.Root(), requested)

	rel, err := filepath.Rel(s.store.Root(), dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	shown := "/"
	if rel != "." {
		shown = "/" + filepath.ToSlash(rel)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head><title>vscmirror browse</title></head>\n<body>\n<h1>%s</h1>\n",
		html.EscapeString(shown))
	for _, entry := range entries {
		name := entry.Name()
		child := path.Join(filepath.ToSlash(rel), name)
		if entry.IsDir() {
			fmt.Fprintf(w, "d <a href=\"/browse?path=%s\">%s</a><br />\n",
				url.QueryEscape(child), html.EscapeString(name))
		} else {
			fmt.Fprintf(w, "f <a href=\"%s/artifacts/%s\">%s</a><br />\n",
				s.urlRoot, child, html.EscapeString(name))
		}
	}
	fmt.Fprint(w, "</body>\n</html>\n")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.cache.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>vscmirror</title></head>
<body>
<h1>vscmirror</h1>
<p>Serving %d extensions. Cache built %s. Last sync %s.</p>
</body>
</html>
`, len(snap.Extensions), timestampOrNever(snap.BuiltAt), timestampOrNever(s.store.UpdatedAt()))
}

func timestampOrNever(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("Failed to write response: %v", err)
	}
}
