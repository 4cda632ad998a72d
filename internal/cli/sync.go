package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/catalogsync/internal/control"
	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/syncing/pipeline"
)

var syncFlags struct {
	store       string
	classify    bool
	describe    bool
	embed       bool
	images      bool
	concurrency int
	batchSize   int
	timeout     time.Duration
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync for a store and wait for it to finish",
	Run:   runSync,
}

func init() {
	f := syncCmd.Flags()
	f.StringVar(&syncFlags.store, "store", "", "store id from the config file")
	f.BoolVar(&syncFlags.classify, "classify", false, "classify products into the configured taxonomy")
	f.BoolVar(&syncFlags.describe, "describe", false, "generate product descriptions")
	f.BoolVar(&syncFlags.embed, "embed", false, "generate embeddings")
	f.BoolVar(&syncFlags.images, "upload-images", false, "copy product images to the blob store")
	f.IntVar(&syncFlags.concurrency, "concurrency", 0, "items processed in parallel (0 = config default)")
	f.IntVar(&syncFlags.batchSize, "batch-size", 0, "items per batch (0 = config default)")
	f.DurationVar(&syncFlags.timeout, "timeout", 0, "stop claiming items after this long (0 = no deadline)")
	_ = syncCmd.MarkFlagRequired("store")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := control.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize catalogsync", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	opts := pipeline.Options{
		ClassifyProducts:   syncFlags.classify,
		DescribeProducts:   syncFlags.describe,
		GenerateEmbeddings: syncFlags.embed,
		UploadImages:       syncFlags.images,
		Concurrency:        syncFlags.concurrency,
		BatchSize:          syncFlags.batchSize,
		Timeout:            syncFlags.timeout,
		Observer: pipeline.ProgressFunc(func(runID string, p domain.Progress) {
			slog.Debug("Progress", "run_id", runID, "processed", p.Processed, "total", p.Total, "errors", p.ErrorCount)
		}),
	}

	s, err := app.Orchestrator().SyncNow(ctx, syncFlags.store, opts)
	if err != nil {
		slog.Error("Sync rejected", "store", syncFlags.store, "error", err)
		os.Exit(1)
	}

	printSummary(s)
	if s.State == domain.RunFailed {
		os.Exit(1)
	}
}

func printSummary(s domain.RunSummary) {
	fmt.Printf("Run %s %s: %d/%d processed, %d errors, %d cancelled, cost $%s, took %s\n",
		s.RunID, s.State, s.ProcessedCount, s.Total, s.ErrorCount, s.CancelledCount,
		s.CostUSD.StringFixed(6), s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond))
	if s.Error != "" {
		fmt.Printf("  error: %s\n", s.Error)
	}
	for _, e := range s.Errors {
		fmt.Printf("  item %s (#%d) failed at %s: %s\n", e.ItemID, e.Index, e.Stage, e.Message)
	}
}
