package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/catalogsync/internal/infra/storage/postgres"
)

var pruneCmd = &cobra.Command{
	Use:   "prune [older_than]",
	Short: "Delete run summaries that ended more than older_than ago (e.g. 720h)",
	Args:  cobra.ExactArgs(1),
	Run:   runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) {
	age, err := time.ParseDuration(args[0])
	if err != nil || age <= 0 {
		fmt.Printf("Invalid duration %q\n", args[0])
		os.Exit(1)
	}

	cfg := loadConfig()

	ctx := context.Background()
	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	before := time.Now().Add(-age)
	n, err := postgres.NewRunRepo(db).DeleteSummariesBefore(ctx, before)
	if err != nil {
		slog.Error("Failed to prune run summaries", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Deleted %d run summaries that ended before %s\n", n, before.Format(time.RFC3339))
}
