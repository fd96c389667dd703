package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookherd/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "bookherd",
	Short: "Bulk ebook library migration with supervised parallel workers",
	Long: `Bookherd migrates a Calibre-style ebook library (millions of files)
into a mybookshelf2-style ingestion service.

The migration runs as shard-partitioned worker processes that discover
records in the source catalog, deduplicate against local, peer and remote
fingerprint sets, extract metadata and upload with bounded retries. An
independent supervisor watches progress files and logs, restarts stuck
workers and scales the fleet against disk-I/O pressure.

Commands:
  worker      migrate one shard of the source catalog
  tar-worker  migrate an assigned set of tar bundles
  supervise   monitor and heal the worker fleet
  status      show fleet progress
  init        write the default config file`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.bookherd/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "bookherd home directory (default: ~/.bookherd)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format for status: yaml or json",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "debug logging",
	)

	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the process logger. Workers write to stdout; the
// supervisor redirects their output into per-shard log files it later
// reads for stuck detection.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
