package sync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/vscodeoffline/vscmirror/internal/upstream"
	"github.com/vscodeoffline/vscmirror/pkg/logger"
)

// downloader runs asset downloads through a worker-pool semaphore and a
// shared rate limiter. One logical download unit is one asset of one
// version; each unit retries a bounded number of times with exponential
// backoff before being recorded as failed for the pass.
type downloader struct {
	market  *upstream.MarketplaceClient
	sem     chan struct{}
	limiter *rate.Limiter
	retries int
	logger  *logger.Logger
}

func newDownloader(market *upstream.MarketplaceClient, maxConcurrent, retries int, ratePerSecond float64, burst int) *downloader {
	return &downloader{
		market:  market,
		sem:     make(chan struct{}, maxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		retries: retries,
		logger:  logger.NewLogger("downloader"),
	}
}

// fetch downloads one marketplace asset, blocking until a worker slot
// is free. The returned error is final for this pass; the next pass
// re-derives the unit from store state and tries again.
func (d *downloader) fetch(ctx context.Context, url, destPath string) error {
	return d.fetchWith(ctx, url, destPath, d.market.DownloadAsset)
}

// fetchWith runs one download unit through the pool with the given
// transfer function, so installer downloads keep the update endpoint's
// connection policy while sharing the pool, limiter, and retry budget.
func (d *downloader) fetchWith(ctx context.Context, url, destPath string, transfer func(context.Context, string, string) (int64, error)) error {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			d.logger.Infof("Retrying download (%d/%d): %s", attempt, d.retries, url)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := transfer(ctx, url, destPath); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("download failed after %d attempts: %w", d.retries+1, lastErr)
}
