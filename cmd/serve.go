package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vscodeoffline/vscmirror/internal/gallery"
	"github.com/vscodeoffline/vscmirror/internal/store"
	"github.com/vscodeoffline/vscmirror/pkg/logger"
)

var serveFlags = struct {
	artifacts string
	listen    string
	urlRoot   string
}{}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the mirrored gallery",
	Long: `Serve the update API, the extension gallery API, and the mirrored
artifacts from the artifact store to editors on the offline network.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger("main")

		if Cfg == nil {
			return fmt.Errorf("configuration not loaded")
		}
		if cmd.Flags().Changed("artifacts") {
			Cfg.Artifacts.Dir = serveFlags.artifacts
		}
		if cmd.Flags().Changed("listen") {
			Cfg.Server.Listen = serveFlags.listen
		}
		if cmd.Flags().Changed("url-root") {
			Cfg.Server.URLRoot = serveFlags.urlRoot
		}
		if err := Cfg.EnsureArtifactDir(); err != nil {
			return err
		}

		st, err := store.New(Cfg.Artifacts.Dir)
		if err != nil {
			return fmt.Errorf("failed to open artifact store: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			sig := <-sigChan
			log.Warnf("Received signal %s, initiating shutdown...", sig)
			cancel()
		}()

		return gallery.NewServer(Cfg, st).Run(ctx)
	},
}

func init() {
	f := ServeCmd.Flags()
	f.StringVar(&serveFlags.artifacts, "artifacts", "", "artifact store directory")
	f.StringVar(&serveFlags.listen, "listen", "", "listen address, e.g. 0.0.0.0:5000")
	f.StringVar(&serveFlags.urlRoot, "url-root", "", "public url root used in served asset links")
	RootCmd.AddCommand(ServeCmd)
}
