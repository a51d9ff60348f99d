package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vscodeoffline/vscmirror/internal/sync"
	"github.com/vscodeoffline/vscmirror/pkg/logger"
)

var syncFlags = struct {
	once             bool
	artifacts        string
	frequency        time.Duration
	checkBinaries    bool
	checkInsider     bool
	checkRecommended bool
	checkSpecified   bool
	skipBinaries     bool
	updateExtensions bool
	updateMalicious  bool
	includeExisting  bool
	prerelease       bool
	extensionSearch  string
	extensionName    string
	totalRecommended int
	garbageCollect   bool
}{}

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the mirror sync engine",
	Long: `Pull VS Code installers, extensions, and the malicious extension list
from the internet-facing upstreams into the artifact store. Without a
configured frequency (or with --once) a single pass runs and the
command exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger("main")

		return NewSyncRunner(log).Run(cmd.Flags())
	},
}

func init() {
	f := SyncCmd.Flags()
	f.BoolVar(&syncFlags.once, "once", false, "run a single pass and exit")
	f.StringVar(&syncFlags.artifacts, "artifacts", "", "artifact store directory")
	f.DurationVar(&syncFlags.frequency, "frequency", 0, "sleep between passes (0 runs one pass)")
	f.BoolVar(&syncFlags.checkBinaries, "check-binaries", true, "check for updated installers")
	f.BoolVar(&syncFlags.checkInsider, "check-insider", false, "include insider quality targets")
	f.BoolVar(&syncFlags.checkRecommended, "check-recommended-extensions", true, "mirror the recommended extension set")
	f.BoolVar(&syncFlags.checkSpecified, "check-specified-extensions", true, "mirror the operator-specified extension list")
	f.BoolVar(&syncFlags.skipBinaries, "skip-binaries", false, "skip the installer phase entirely")
	f.BoolVar(&syncFlags.updateExtensions, "update-extensions", true, "download extension updates")
	f.BoolVar(&syncFlags.updateMalicious, "update-malicious-extensions", true, "refresh the malicious extension list")
	f.BoolVar(&syncFlags.includeExisting, "include-existing", true, "re-check extensions already in the store")
	f.BoolVar(&syncFlags.prerelease, "prerelease-extensions", false, "mirror prerelease extension versions")
	f.StringVar(&syncFlags.extensionSearch, "extension-search", "", "mirror extensions matching a search")
	f.StringVar(&syncFlags.extensionName, "extension-name", "", "mirror a specific publisher.name extension")
	f.IntVar(&syncFlags.totalRecommended, "total-recommended", 500, "size of the recommended set")
	f.BoolVar(&syncFlags.garbageCollect, "garbage-collection", false, "delete superseded artifacts after each pass")
	RootCmd.AddCommand(SyncCmd)
}

// applySyncFlags copies explicitly set flags over the loaded
// configuration, so the file and environment remain the defaults.
func applySyncFlags(flags *pflag.FlagSet) {
	set := map[string]func(){
		"artifacts":                    func() { Cfg.Artifacts.Dir = syncFlags.artifacts },
		"frequency":                    func() { Cfg.Sync.Frequency = syncFlags.frequency },
		"check-binaries":               func() { Cfg.Sync.CheckBinaries = syncFlags.checkBinaries },
		"check-insider":                func() { Cfg.Sync.CheckInsider = syncFlags.checkInsider },
		"check-recommended-extensions": func() { Cfg.Sync.CheckRecommended = syncFlags.checkRecommended },
		"check-specified-extensions":   func() { Cfg.Sync.CheckSpecified = syncFlags.checkSpecified },
		"skip-binaries":                func() { Cfg.Sync.SkipBinaries = syncFlags.skipBinaries },
		"update-extensions":            func() { Cfg.Sync.UpdateExtensions = syncFlags.updateExtensions },
		"update-malicious-extensions":  func() { Cfg.Sync.UpdateMalicious = syncFlags.updateMalicious },
		"include-existing":             func() { Cfg.Sync.IncludeExisting = syncFlags.includeExisting },
		"prerelease-extensions":        func() { Cfg.Sync.PreRelease = syncFlags.prerelease },
		"extension-search":             func() { Cfg.Sync.ExtensionSearch = syncFlags.extensionSearch },
		"extension-name":               func() { Cfg.Sync.ExtensionName = syncFlags.extensionName },
		"total-recommended":            func() { Cfg.Sync.TotalRecommended = syncFlags.totalRecommended },
		"garbage-collection":           func() { Cfg.Sync.GarbageCollection = syncFlags.garbageCollect },
	}
	for name, apply := range set {
		if flags.Changed(name) {
			apply()
		}
	}
	if syncFlags.once {
		Cfg.Sync.Frequency = 0
	}
}

// SyncRunner handles the lifecycle of the sync engine
type SyncRunner struct {
	logger  *logger.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	sigChan chan os.Signal
}

// NewSyncRunner creates a new sync runner
func NewSyncRunner(log *logger.Logger) *SyncRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncRunner{
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
	}
}

// Run starts the sync engine and blocks until it finishes or a signal
// arrives.
func (r *SyncRunner) Run(flags *pflag.FlagSet) error {
	if Cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	applySyncFlags(flags)
	if err := Cfg.EnsureArtifactDir(); err != nil {
		return err
	}

	engine, err := sync.New(Cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize sync engine: %v", err)
	}

	defer r.cleanup()

	signal.Notify(r.sigChan, syscall.SIGINT, syscall.SIGTERM)
	go r.handleSignals()

	if err := engine.Run(r.ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// cleanup performs cleanup operations
func (r *SyncRunner) cleanup() {
	signal.Stop(r.sigChan)
	close(r.sigChan)
	r.cancel()
}

// handleSignals handles OS signals
func (r *SyncRunner) handleSignals() {
	for {
		select {
		case sig, ok := <-r.sigChan:
			if !ok {
				return
			}
			r.logger.Warnf("Received signal %s, initiating shutdown...", sig)
			r.cancel()
			return
		case <-r.ctx.Done():
			return
		}
	}
}
