package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/outrun-sh/outrun/pkg/cache"
	"github.com/outrun-sh/outrun/pkg/proto"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the persistent cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Opening with a zero root version marks everything stale, which
		// is harmless for a read-only stats pass.
		store, err := cache.Open(cache.Options{
			Root:        cfg.Cache.Path,
			MaxEntries:  cfg.Cache.MaxEntries,
			MaxSize:     cfg.Cache.MaxSize.Bytes(),
			SystemPaths: cfg.SystemPaths,
			RootVersion: proto.RootVersion{},
		})
		if err != nil {
			return err
		}
		defer store.Close()

		stats := store.Stats()
		fmt.Printf("path:     %s\n", cfg.Cache.Path)
		fmt.Printf("entries:  %d (max %d)\n", stats.Entries, cfg.Cache.MaxEntries)
		fmt.Printf("bytes:    %d (max %s)\n", stats.Bytes, cfg.Cache.MaxSize)
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete the entire cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Take the lock first so a running session's cache is never
		// pulled out from under it.
		store, err := cache.Open(cache.Options{
			Root:        cfg.Cache.Path,
			SystemPaths: cfg.SystemPaths,
		})
		if err != nil {
			return err
		}
		store.Close()

		if err := os.RemoveAll(cfg.Cache.Path); err != nil {
			return fmt.Errorf("purge cache: %w", err)
		}
		fmt.Printf("purged %s\n", cfg.Cache.Path)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
}
