package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/webimg/webimg"
	"github.com/webimg/webimg/internal/diskstore"
)

func init() {
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Evict expired and over-budget disk cache entries",
		Long:  `Apply the configured age and size limits to the disk cache, or remove everything with --all.`,
		RunE:  runPurge,
	}

	purgeCmd.Flags().Bool("all", false, "remove every cached file instead of applying the limits")

	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := webimg.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if all, _ := cmd.Flags().GetBool("all"); all {
		done := make(chan struct{})
		client.Cache.ClearDisk(func() { close(done) })
		<-done
		slog.Info("disk cache cleared", "root", cfg.Cache.Root)
		return nil
	}

	done := make(chan diskstore.PurgeStats, 1)
	client.Cache.DeleteExpired(func(stats diskstore.PurgeStats) { done <- stats })
	stats := <-done

	size, count := client.Cache.SizeAndCount()
	slog.Info("purge complete",
		"removed_files", stats.FilesRemoved,
		"removed_bytes", stats.BytesFreed,
		"remaining_files", count,
		"remaining_bytes", size)
	return nil
}
