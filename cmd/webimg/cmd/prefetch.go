package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webimg/webimg"
)

func init() {
	prefetchCmd := &cobra.Command{
		Use:   "prefetch [URL...]",
		Short: "Warm the cache for a batch of URLs",
		Long:  `Resolve a batch of URLs through the cache, downloading the ones that are missing. URLs are taken from the arguments, or one per line from a file given with --file.`,
		RunE:  runPrefetch,
	}

	prefetchCmd.Flags().StringP("file", "f", "", "file with one URL per line")
	prefetchCmd.Flags().IntP("concurrency", "c", webimg.DefaultPrefetchConcurrency, "parallel prefetch workers")

	rootCmd.AddCommand(prefetchCmd)
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	urls := append([]string(nil), args...)
	if listFile, _ := cmd.Flags().GetString("file"); listFile != "" {
		fromFile, err := readURLList(listFile)
		if err != nil {
			return err
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		return fmt.Errorf("no URLs given")
	}

	client, err := webimg.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	stats := webimg.NewPrefetcher(client, concurrency).Prefetch(ctx, urls)

	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d URLs failed", stats.Failed, len(urls))
	}
	return nil
}

func readURLList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open URL list: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
