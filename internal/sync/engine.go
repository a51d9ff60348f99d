// Package sync implements the mirror's internet-side engine: it walks
// the build target matrix and the extension discovery sources, pulls
// everything missing into the artifact store, and trims superseded
// artifacts afterwards. A pass is crash-safe by construction; every
// publish goes through the store's stage-and-rename path, so a killed
// pass leaves only scratch directories behind and the next pass
// converges to the same end state.
package sync

import (
	"context"
	"time"

	gosync "sync"

	"github.com/vscodeoffline/vscmirror/internal/config"
	"github.com/vscodeoffline/vscmirror/internal/store"
	"github.com/vscodeoffline/vscmirror/internal/upstream"
	"github.com/vscodeoffline/vscmirror/pkg/logger"
	"github.com/vscodeoffline/vscmirror/pkg/models"
)

// State names the phase a pass is in, for logging and the engine's
// status surface.
type State string

const (
	StateIdle               State = "idle"
	StateCheckingBinaries   State = "checking-binaries"
	StateCheckingMalicious  State = "checking-malicious"
	StateCheckingExtensions State = "checking-extensions"
	StateCollecting         State = "collecting-garbage"
	StateSleeping           State = "sleeping"
)

// PassSummary counts what one pass did. Failures is the number of
// contained per-item errors; a pass with failures still completes and
// still signals the gallery.
type PassSummary struct {
	Started  time.Time
	Finished time.Time

	BinariesChecked      int
	BinariesDownloaded   int
	BinariesDeleted      int
	ExtensionsDiscovered int
	VersionsDownloaded   int
	VersionsDeleted      int
	Failures             int
}

// Engine owns one sync loop against one artifact store.
type Engine struct {
	cfg        *config.Config
	store      *store.Store
	updates    *upstream.UpdateClient
	market     *upstream.MarketplaceClient
	downloader *downloader
	logger     *logger.Logger

	mu    gosync.Mutex
	state State
}

// New wires an engine from configuration. The store layout is created
// eagerly so a misconfigured artifact directory fails here, not mid-pass.
func New(cfg *config.Config) (*Engine, error) {
	st, err := store.New(cfg.Artifacts.Dir)
	if err != nil {
		return nil, err
	}

	market := upstream.NewMarketplaceClient(upstream.MarketplaceConfig{
		QueryURL:           cfg.Upstream.MarketplaceURL,
		MaliciousURL:       cfg.Upstream.MaliciousURL,
		RecommendationsURL: cfg.Upstream.RecommendationsURL,
		Timeout:            cfg.Upstream.Timeout,
		Insider:            cfg.Sync.CheckInsider,
		PreRelease:         cfg.Sync.PreRelease,
		ClientVersion:      cfg.Sync.ClientVersion,
	})

	return &Engine{
		cfg:     cfg,
		store:   st,
		updates: upstream.NewUpdateClient(cfg.Upstream.UpdateURL, cfg.Upstream.Timeout),
		market:  market,
		downloader: newDownloader(market, cfg.Sync.MaxConcurrent, cfg.Sync.DownloadRetries,
			cfg.Sync.RateLimit, cfg.Sync.RateBurst),
		logger: logger.NewLogger("sync"),
		state:  StateIdle,
	}, nil
}

// Store exposes the engine's artifact store, mainly for tests and the
// one-shot command surface.
func (e *Engine) Store() *store.Store { return e.store }

// Status returns the phase the engine is currently in.
func (e *Engine) Status() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.logger.Infof("State: %s", s)
}

// Run executes passes until the context is cancelled. With no frequency
// configured a single pass runs and Run returns; otherwise the engine
// sleeps between passes, and passes never overlap because they run on
// this one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	for {
		summary := e.RunPass(ctx)
		e.logger.Infof("Pass complete in %s: %d installers checked, %d installers downloaded, %d extension versions downloaded, %d failures",
			summary.Finished.Sub(summary.Started).Round(time.Second),
			summary.BinariesChecked, summary.BinariesDownloaded,
			summary.VersionsDownloaded, summary.Failures)

		if e.cfg.Sync.Frequency <= 0 {
			return nil
		}

		e.setState(StateSleeping)
		e.logger.Infof("Going to sleep for %s", e.cfg.Sync.Frequency)
		select {
		case <-ctx.Done():
			e.setState(StateIdle)
			return ctx.Err()
		case <-time.After(e.cfg.Sync.Frequency):
		}
	}
}

// RunPass executes one full mirror pass: installers, the malicious
// list, extensions, then garbage collection, with the sync-complete
// signal stamped last. Phases are skipped per configuration; per-item
// failures are counted and never abort the pass.
func (e *Engine) RunPass(ctx context.Context) *PassSummary {
	summary := &PassSummary{Started: time.Now().UTC()}
	defer func() { summary.Finished = time.Now().UTC() }()

	if e.cfg.Sync.CheckBinaries && !e.cfg.Sync.SkipBinaries {
		e.setState(StateCheckingBinaries)
		e.checkBinaries(ctx, summary)
	}

	// The malicious list refreshes ahead of the extension phase so an
	// identity banned upstream since the last pass is filtered out of
	// this pass's downloads, not just the next one's.
	malicious := e.refreshMalicious(ctx, summary)

	if e.cfg.Sync.UpdateExtensions {
		e.setState(StateCheckingExtensions)
		pending := e.discoverExtensions(ctx, summary)
		e.updateExtensions(ctx, pending, malicious, summary)
	}

	if ctx.Err() == nil && e.cfg.Sync.GarbageCollection {
		e.setState(StateCollecting)
		e.collectGarbage(ctx, summary)
	}

	if ctx.Err() == nil {
		if err := e.store.SignalUpdated(); err != nil {
			e.logger.Warnf("Failed to signal sync completion: %v", err)
			summary.Failures++
		}
	}

	e.setState(StateIdle)
	return summary
}

// refreshMalicious fetches the upstream malicious list and replaces the
// stored copy. When the fetch fails or is disabled, the previously
// stored list still applies, so a flaky upstream never un-blocks an
// extension.
func (e *Engine) refreshMalicious(ctx context.Context, summary *PassSummary) *models.MaliciousList {
	if e.cfg.Sync.UpdateMalicious {
		e.setState(StateCheckingMalicious)
		list, err := e.market.FetchMalicious(ctx)
		if err != nil {
			e.logger.Warnf("Malicious list fetch failed, keeping stored copy: %v", err)
			summary.Failures++
		} else {
			e.logger.Infof("Malicious list holds %d entries", len(list.Malicious))
			if err := e.store.ReplaceMalicious(list); err != nil {
				e.logger.Warnf("Failed to store malicious list: %v", err)
				summary.Failures++
			}
			return list
		}
	}

	stored, err := e.store.Malicious()
	if err != nil {
		e.logger.Warnf("Failed to load stored malicious list: %v", err)
		summary.Failures++
		return &models.MaliciousList{}
	}
	return stored
}
