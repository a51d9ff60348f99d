package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/vscodeoffline/vscmirror/pkg/logger"
	"github.com/vscodeoffline/vscmirror/pkg/models"
)

const (
	queryPageSize    = 500
	queryMaxAttempts = 10
	maxQueryBackoff  = 64 * time.Second
)

// MarketplaceClient queries the upstream gallery. Repeated failures
// trip a circuit breaker so a dead upstream fails fast for the rest of
// the pass instead of burning the retry budget per item.
type MarketplaceClient struct {
	httpClient *http.Client
	queryURL   string
	malURL     string
	recURL     string

	insider       bool
	prerelease    bool
	clientVersion string

	breaker *gobreaker.CircuitBreaker
	backoff time.Duration
	logger  *logger.Logger
}

// MarketplaceConfig carries the endpoint and identity settings for the
// marketplace client.
type MarketplaceConfig struct {
	QueryURL           string
	MaliciousURL       string
	RecommendationsURL string
	Timeout            time.Duration
	Insider            bool
	PreRelease         bool
	ClientVersion      string
}

// NewMarketplaceClient creates a gallery query client.
func NewMarketplaceClient(cfg MarketplaceConfig) *MarketplaceClient {
	log := logger.NewLogger("marketplace-client")

	settings := gobreaker.Settings{
		Name:    "marketplace-query",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("Circuit breaker %s state changed from %v to %v", name, from, to)
		},
	}

	return &MarketplaceClient{
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		queryURL:      cfg.QueryURL,
		malURL:        cfg.MaliciousURL,
		recURL:        cfg.RecommendationsURL,
		insider:       cfg.Insider,
		prerelease:    cfg.PreRelease,
		clientVersion: cfg.ClientVersion,
		breaker:       gobreaker.NewCircuitBreaker(settings),
		backoff:       time.Second,
		logger:        log,
	}
}

func defaultQueryFlags() models.QueryFlags {
	return models.FlagIncludeFiles | models.FlagIncludeVersionProperties |
		models.FlagIncludeAssetURI | models.FlagIncludeStatistics |
		models.FlagIncludeLatestVersionOnly
}

func releaseQueryFlags() models.QueryFlags {
	return models.FlagIncludeFiles | models.FlagIncludeVersionProperties |
		models.FlagIncludeAssetURI | models.FlagIncludeStatistics |
		models.FlagIncludeVersions
}

// SearchByText runs a free-text gallery search. "*" means everything.
func (c *MarketplaceClient) SearchByText(ctx context.Context, text string) ([]*models.Extension, error) {
	if text == "*" {
		text = ""
	}
	return c.query(ctx, models.FilterSearchText, text, 0, models.SortNoneOrRelevance, models.OrderDefault, 0)
}

// SearchTopN returns the n most installed extensions, the upstream
// notion of "recommended".
func (c *MarketplaceClient) SearchTopN(ctx context.Context, n int) ([]*models.Extension, error) {
	c.logger.Infof("Searching for top %d recommended extensions", n)
	return c.query(ctx, models.FilterSearchText, "", n, models.SortInstallCount, models.OrderDescending, 0)
}

// ByExtensionID looks up a single extension by its marketplace id.
func (c *MarketplaceClient) ByExtensionID(ctx context.Context, extensionID string) (*models.Extension, error) {
	result, err := c.query(ctx, models.FilterExtensionID, extensionID, 0, models.SortNoneOrRelevance, models.OrderDefault, 0)
	if err != nil {
		return nil, err
	}
	if len(result) != 1 {
		return nil, fmt.Errorf("extension id lookup for %s returned %d results", extensionID, len(result))
	}
	return result[0], nil
}

// ByExtensionName looks up a single extension by publisher.name. In
// non-prerelease mode the version list is narrowed to the newest
// release version.
func (c *MarketplaceClient) ByExtensionName(ctx context.Context, name string) (*models.Extension, error) {
	flags := models.QueryFlags(0)
	if !c.prerelease {
		flags = releaseQueryFlags()
	}
	result, err := c.query(ctx, models.FilterExtensionName, name, 0, models.SortNoneOrRelevance, models.OrderDefault, flags)
	if err != nil {
		return nil, err
	}
	if len(result) != 1 {
		return nil, fmt.Errorf("extension name lookup for %s returned %d results", name, len(result))
	}
	if !c.prerelease {
		result[0].Versions = result[0].LatestReleaseVersions()
	}
	return result[0], nil
}

// ReleaseByExtensionID re-queries an extension with the full version
// list to find its newest release version when the default lookup only
// surfaced a prerelease.
func (c *MarketplaceClient) ReleaseByExtensionID(ctx context.Context, extensionID string) (*models.Extension, error) {
	c.logger.Debugf("Searching for release candidate by extension id %s", extensionID)
	result, err := c.query(ctx, models.FilterExtensionID, extensionID, 0, models.SortNoneOrRelevance, models.OrderDefault, releaseQueryFlags())
	if err != nil {
		return nil, err
	}
	if len(result) != 1 {
		return nil, fmt.Errorf("release lookup for %s returned %d results", extensionID, len(result))
	}
	return result[0], nil
}

// query pages through the gallery until the reported total or the
// limit is reached. Duplicate identities across pages collapse to the
// last occurrence.
func (c *MarketplaceClient) query(ctx context.Context, filterType models.FilterType, value string, limit int, sortBy models.SortBy, sortOrder models.SortOrder, flags models.QueryFlags) ([]*models.Extension, error) {
	if flags == 0 {
		flags = defaultQueryFlags()
	}
	pageSize := queryPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}

	seen := map[string]*models.Extension{}
	var order []string
	total, count, pageNumber := 0, 0, 0

	for count <= total {
		pageNumber++
		payload := c.buildQuery(filterType, value, pageNumber, pageSize, sortBy, sortOrder, flags)

		response, err := c.postQuery(ctx, payload)
		if err != nil {
			if len(order) > 0 {
				// Partial results are better than none; the next pass
				// re-derives what is missing.
				c.logger.Warnf("Marketplace query abandoned after partial results: %v", err)
				break
			}
			return nil, err
		}

		count += pageSize
		for _, result := range response.Results {
			for _, ext := range result.Extensions {
				identity := ext.Identity()
				if _, ok := seen[identity]; !ok {
					order = append(order, identity)
				}
				seen[identity] = ext
			}
			for _, md := range result.ResultMetadata {
				if strings.Contains(md.MetadataType, "ResultCount") && len(md.MetadataItems) > 0 {
					total = md.MetadataItems[0].Count
				}
			}
		}
		if limit > 0 && count >= limit {
			break
		}
	}

	extensions := make([]*models.Extension, 0, len(order))
	for _, identity := range order {
		extensions = append(extensions, seen[identity])
	}
	return extensions, nil
}

// postQuery sends one query page with bounded retries, honouring 429
// rate limiting with exponential backoff, all behind the breaker.
func (c *MarketplaceClient) postQuery(ctx context.Context, payload *models.QueryRequest) (*models.QueryResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode marketplace query: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= queryMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := c.breaker.Execute(func() (any, error) {
			return c.doQuery(ctx, body)
		})
		if err == nil {
			c.backoff = time.Second
			return result.(*models.QueryResponse), nil
		}
		lastErr = err

		if err == errRateLimited {
			c.logger.Infof("Marketplace rate limiting, backing off %s", c.backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff):
			}
			if c.backoff *= 2; c.backoff > maxQueryBackoff {
				c.backoff = maxQueryBackoff
			}
			continue
		}
		if attempt < queryMaxAttempts {
			c.logger.Infof("Retrying marketplace query, attempt %d: %v", attempt+1, err)
		}
	}
	return nil, fmt.Errorf("marketplace query failed after %d attempts: %w", queryMaxAttempts, lastErr)
}

var errRateLimited = fmt.Errorf("marketplace rate limited")

func (c *MarketplaceClient) doQuery(ctx context.Context, body []byte) (*models.QueryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create marketplace request: %w", err)
	}
	for key, value := range c.headers() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketplace query failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("marketplace query returned status %d", resp.StatusCode)
	}

	var response models.QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode marketplace response: %w", err)
	}
	return &response, nil
}

func (c *MarketplaceClient) buildQuery(filterType models.FilterType, value string, pageNumber, pageSize int, sortBy models.SortBy, sortOrder models.SortOrder, flags models.QueryFlags) *models.QueryRequest {
	criteria := []models.FilterCriterion{
		{FilterType: models.FilterTarget, Value: "Microsoft.VisualStudio.Code"},
		{FilterType: models.FilterExcludeWithFlags, Value: strconv.Itoa(int(models.FlagUnpublished))},
	}
	if value != "" {
		criteria = append(criteria, models.FilterCriterion{FilterType: filterType, Value: value})
	}
	return &models.QueryRequest{
		AssetTypes: []string{},
		Filters: []models.QueryFilter{
			{
				Criteria:   criteria,
				PageNumber: pageNumber,
				PageSize:   pageSize,
				SortBy:     sortBy,
				SortOrder:  sortOrder,
			},
		},
		Flags: flags,
	}
}

func (c *MarketplaceClient) headers() map[string]string {
	suffix := ""
	if c.insider {
		suffix = "-insider"
	}
	return map[string]string{
		"content-type":       "application/json",
		"accept":             "application/json;api-version=3.0-preview.1",
		"accept-encoding":    "gzip, deflate, br",
		"User-Agent":         fmt.Sprintf("VSCode %s%s", c.clientVersion, suffix),
		"x-market-client-Id": fmt.Sprintf("VSCode %s%s", c.clientVersion, suffix),
		"x-market-user-Id":   uuid.NewString(),
	}
}

// FetchMalicious downloads the upstream malicious extension list.
func (c *MarketplaceClient) FetchMalicious(ctx context.Context) (*models.MaliciousList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.malURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create malicious list request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("malicious list fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("malicious list fetch returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read malicious list: %w", err)
	}
	// The upstream blob occasionally carries stray non-breaking spaces.
	cleaned := strings.ReplaceAll(string(raw), "\u00a0", "")

	var list models.MaliciousList
	if err := json.Unmarshal([]byte(cleaned), &list); err != nil {
		return nil, fmt.Errorf("failed to decode malicious list: %w", err)
	}
	return &list, nil
}

// Recommendations is the legacy workspace recommendation blob: the raw
// payload is persisted for the gallery to serve, and the package names
// feed extension discovery.
type Recommendations struct {
	Raw      []byte
	Packages []string
}

// FetchRecommendations downloads the workspace recommendation blob.
func (c *MarketplaceClient) FetchRecommendations(ctx context.Context) (*Recommendations, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create recommendations request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recommendations fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recommendations fetch returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read recommendations: %w", err)
	}

	var blob struct {
		WorkspaceRecommendations []struct {
			Recommendations []string `json:"recommendations"`
		} `json:"workspaceRecommendations"`
	}
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode recommendations: %w", err)
	}

	seen := map[string]bool{}
	var packages []string
	for _, rec := range blob.WorkspaceRecommendations {
		for _, pkg := range rec.Recommendations {
			if !seen[pkg] {
				seen[pkg] = true
				packages = append(packages, pkg)
			}
		}
	}
	return &Recommendations{Raw: raw, Packages: packages}, nil
}

// DownloadAsset fetches one extension asset to destPath.
func (c *MarketplaceClient) DownloadAsset(ctx context.Context, url, destPath string) (int64, error) {
	return downloadFile(ctx, c.httpClient, url, destPath)
}
