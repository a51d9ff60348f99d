package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vscodeoffline/vscmirror/internal/config"
)

var (
	cfgFile string
	Cfg     *config.Config
	Version string
)

var RootCmd = &cobra.Command{
	Use:   "vscmirror",
	Short: "vscmirror - An offline mirror for VS Code updates and extensions",
	Long: `vscmirror mirrors VS Code installers and marketplace extensions into a
local artifact store and serves them to editors on networks without
internet access.`,
}

func Execute(version string) error {
	Version = version
	return RootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
}

func initConfig() {
	var err error

	// LoadConfig falls back to defaults when no config file exists and
	// initializes the logger either way.
	Cfg, err = config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Printf("Fatal: Configuration could not be loaded: %v\n", err)
		os.Exit(1)
	}
}
