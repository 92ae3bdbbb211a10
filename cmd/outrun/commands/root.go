// Package commands implements the outrun filesystem-plane CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	// Global flags.
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "outrun",
	Short: "outrun filesystem plane - run local commands on remote CPUs",
	Long: `outrun projects the local machine's filesystem onto a remote machine so
commands execute there against local binaries, libraries and data. This
binary carries the filesystem plane: the RPC server exposing the local
filesystem ("serve", on the local machine) and the caching FUSE mount
consuming it ("mount", on the remote machine).

Use "outrun [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and logs the error a failing command returns.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		logger.Error("outrun failed", "error", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.outrun/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(cacheCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig loads configuration and initializes logging for a command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("outrun %s (%s)\n", Version, Commit)
	},
}
