package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/webimg/webimg"
)

func init() {
	fetchCmd := &cobra.Command{
		Use:   "fetch URL [URL...]",
		Short: "Retrieve images through the cache",
		Long:  `Retrieve one or more images, serving from the cache when possible and downloading misses. Downloaded images are stored back into the cache.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runFetch,
	}

	fetchCmd.Flags().StringP("output", "o", "", "directory to write the fetched image bytes into")
	fetchCmd.Flags().Bool("no-disk", false, "keep fetched images out of the disk cache")
	fetchCmd.Flags().Bool("progressive", false, "decode partial images while downloading")

	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	outputDir, _ := cmd.Flags().GetString("output")
	noDisk, _ := cmd.Flags().GetBool("no-disk")
	progressive, _ := cmd.Flags().GetBool("progressive")

	client, err := webimg.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	opts := webimg.GetOptions{NoDiskCache: noDisk}
	opts.Download.Progressive = progressive
	// Fetch always wants the encoded bytes back, even on a memory hit.
	opts.Query.QueryDataWhenInMemory = true

	var failures int
	for _, url := range args {
		if err := fetchOne(client, url, opts, outputDir); err != nil {
			slog.Error("fetch failed", "url", url, "err", err)
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d fetches failed", failures, len(args))
	}
	return nil
}

func fetchOne(client *webimg.Client, url string, opts webimg.GetOptions, outputDir string) error {
	start := time.Now()
	results := make(chan webimg.Result, 1)
	_, err := client.Get(url, opts, nil, func(r webimg.Result) {
		if r.Partial {
			return
		}
		select {
		case results <- r:
		default:
		}
	})
	if err != nil {
		return err
	}

	r := <-results
	if r.Err != nil {
		return r.Err
	}

	bounds := r.Image.Bounds()
	slog.Info("fetched image",
		"url", url,
		"tier", r.Tier.String(),
		"width", bounds.Dx(),
		"height", bounds.Dy(),
		"bytes", len(r.Data),
		"elapsed", time.Since(start))

	if outputDir != "" && len(r.Data) > 0 {
		name := filepath.Base(url)
		if name == "" || name == "." || name == "/" {
			name = "image"
		}
		path := filepath.Join(outputDir, name)
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, r.Data, 0o644); err != nil {
			return err
		}
		slog.Info("wrote image", "path", path)
	}

	return nil
}
