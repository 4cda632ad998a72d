package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/catalogsync/internal/core/config"
	"github.com/vietddude/catalogsync/internal/infra/storage/postgres"
)

var (
	runsStore string
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs for a store",
	Run:   runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsStore, "store", "", "store id")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to show")
	_ = runsCmd.MarkFlagRequired("store")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	summaries, err := postgres.NewRunRepo(db).ListSummaries(ctx, runsStore, runsLimit)
	if err != nil {
		slog.Error("Failed to list runs", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tPROCESSED\tERRORS\tCANCELLED\tCOST USD")
	for _, s := range summaries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
			s.RunID, s.State, s.StartedAt.Format(time.RFC3339),
			s.ProcessedCount, s.Total, s.ErrorCount, s.CancelledCount, s.CostUSD.StringFixed(6))
	}
	_ = w.Flush()
}

// openDB connects to the configured database. Run history only lives in
// PostgreSQL, so the command exits when none is configured.
func openDB(ctx context.Context, cfg *config.AppConfig) *postgres.DB {
	if cfg.Database.URL == "" {
		slog.Error("database.url is not configured")
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return db
}
