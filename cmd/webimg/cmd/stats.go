package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webimg/webimg"
)

func init() {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show disk cache usage",
		RunE:  runStats,
	}

	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := webimg.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	size, count := client.Cache.SizeAndCount()

	fmt.Printf("Disk cache: %s\n", cfg.Cache.Root)
	fmt.Printf("  Files: %d\n", count)
	fmt.Printf("  Size:  %d bytes\n", size)
	if cfg.Cache.MaxDiskSize > 0 {
		fmt.Printf("  Limit: %d bytes\n", cfg.Cache.MaxDiskSize)
	}
	if cfg.Cache.MaxDiskAge > 0 {
		fmt.Printf("  Max age: %s\n", cfg.Cache.MaxDiskAge)
	}
	return nil
}
