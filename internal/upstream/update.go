// Package upstream holds the internet-side clients of the sync engine:
// the binary update endpoint, the marketplace gallery query endpoint,
// and the malicious-extension list. All of them are unreliable by
// assumption; callers treat every error here as retriable and never
// fatal to a sync pass.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vscodeoffline/vscmirror/pkg/logger"
	"github.com/vscodeoffline/vscmirror/pkg/models"
	"github.com/vscodeoffline/vscmirror/pkg/tools"
)

// The update API returns a delta against a known commit; any old commit
// id works to elicit the latest descriptor.
const sentinelCommitID = "7c4205b5c6e52a53b81c69d2b2dc8a627abaa0ba"

// UpdateClient queries the binary update endpoint per build target.
type UpdateClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *logger.Logger
}

// NewUpdateClient creates a client for the update endpoint. baseURL
// must end with a slash, e.g. ".../api/update/".
func NewUpdateClient(baseURL string, timeout time.Duration) *UpdateClient {
	return &UpdateClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		logger:     logger.NewLogger("update-client"),
	}
}

// CheckForUpdate asks upstream for the latest installer of a build
// target. A nil descriptor with nil error means no update is published
// for the target (HTTP 204).
func (c *UpdateClient) CheckForUpdate(ctx context.Context, target models.BuildTarget) (*models.UpdateDescriptor, error) {
	url := fmt.Sprintf("%s%s/%s/%s", c.baseURL, target.Identity(), target.Quality, sentinelCommitID)
	c.logger.Debugf("Checking for update at %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create update request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update check failed for %s: %w", target, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("update check for %s returned status %d", target, resp.StatusCode)
	}

	var desc models.UpdateDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed to decode update response for %s: %w", target, err)
	}
	if desc.URL == "" {
		return nil, nil
	}
	return &desc, nil
}

// DownloadFile fetches a URL into destPath via a temp file in the same
// directory. Each call is an independent connection attempt with its
// own timeout; the destination only appears once the body is fully
// written.
func (c *UpdateClient) DownloadFile(ctx context.Context, url, destPath string) (int64, error) {
	return downloadFile(ctx, c.httpClient, url, destPath)
}

func downloadFile(ctx context.Context, client *http.Client, url, destPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download of %s failed with status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	written, err := tools.CopyWithContext(ctx, tmp, resp.Body)
	if err != nil {
		return written, fmt.Errorf("failed to save %s: %w", url, err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return written, fmt.Errorf("short download of %s: got %d of %d bytes", url, written, resp.ContentLength)
	}
	if err := tmp.Close(); err != nil {
		return written, fmt.Errorf("failed to flush download: %w", err)
	}
	if err := tools.MoveFile(tmp.Name(), destPath); err != nil {
		return written, err
	}
	return written, nil
}
