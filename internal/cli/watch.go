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

	redisclient "github.com/vietddude/catalogsync/internal/infra/redis"
)

var watchCmd = &cobra.Command{
	Use:   "watch [run_id]",
	Short: "Follow the progress of a run published by any instance",
	Args:  cobra.ExactArgs(1),
	Run:   runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	runID := args[0]

	if cfg.Redis.URL == "" {
		slog.Error("redis.url is not configured")
		os.Exit(1)
	}
	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := redisclient.NewProgressBroadcaster(client, 0)

	// Subscribe before reading the snapshot so no update falls in between
	updates, err := b.Subscribe(ctx, runID)
	if err != nil {
		slog.Error("Failed to subscribe", "run_id", runID, "error", err)
		os.Exit(1)
	}

	latest, err := b.Latest(ctx, runID)
	if err != nil {
		slog.Warn("Failed to read last progress", "run_id", runID, "error", err)
	}
	if latest != nil {
		printProgress(*latest)
		if latest.State.IsTerminal() {
			return
		}
	}

	for msg := range updates {
		printProgress(msg)
		if msg.State.IsTerminal() {
			return
		}
	}
}

func printProgress(m redisclient.ProgressMessage) {
	fmt.Printf("%s  %s  %-9s %d/%d processed, %d errors\n",
		m.PublishedAt.Format(time.RFC3339), m.RunID, m.State, m.Processed, m.Total, m.ErrorCount)
}
