package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/infra/storage"
)

// RunRepo implements storage.RunStore using the sync_runs table.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new PostgreSQL run summary repository.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

type runRow struct {
	domain.RunSummary
	ErrorsJSON []byte `db:"errors"`
}

func (r *runRow) toDomain() (domain.RunSummary, error) {
	s := r.RunSummary
	if len(r.ErrorsJSON) > 0 {
		if err := json.Unmarshal(r.ErrorsJSON, &s.Errors); err != nil {
			return domain.RunSummary{}, fmt.Errorf("failed to decode run errors: %w", err)
		}
	}
	return s, nil
}

const runColumns = `run_id, store_id, status, started_at, ended_at, total, processed_count,
	error_count, cancelled_count, cost_usd, errors, error`

// SaveSummary inserts or replaces a run summary.
func (r *RunRepo) SaveSummary(ctx context.Context, s domain.RunSummary) error {
	errs := s.Errors
	if errs == nil {
		errs = []domain.ItemError{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}

	query := `
		INSERT INTO sync_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			total = EXCLUDED.total,
			processed_count = EXCLUDED.processed_count,
			error_count = EXCLUDED.error_count,
			cancelled_count = EXCLUDED.cancelled_count,
			cost_usd = EXCLUDED.cost_usd,
			errors = EXCLUDED.errors,
			error = EXCLUDED.error
	`
	_, err = r.db.ExecContext(ctx, query,
		s.RunID,
		s.StoreID,
		string(s.State),
		s.StartedAt,
		s.EndedAt,
		s.Total,
		s.ProcessedCount,
		s.ErrorCount,
		s.CancelledCount,
		s.CostUSD,
		errorsJSON,
		s.Error,
	)
	if err != nil {
		return classify("failed to save run summary", err)
	}
	return nil
}

// GetSummary retrieves a run summary by id.
func (r *RunRepo) GetSummary(ctx context.Context, runID string) (domain.RunSummary, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE run_id = $1`

	var row runRow
	err := r.db.GetContext(ctx, &row, query, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunSummary{}, fmt.Errorf("%w: %s", storage.ErrSummaryNotFound, runID)
	}
	if err != nil {
		return domain.RunSummary{}, classify("failed to get run summary", err)
	}
	return row.toDomain()
}

// ListSummaries returns the most recent summaries for a store.
func (r *RunRepo) ListSummaries(ctx context.Context, storeID string, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + `
		FROM sync_runs
		WHERE store_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	var rows []runRow
	if err := r.db.SelectContext(ctx, &rows, query, storeID, limit); err != nil {
		return nil, classify("failed to list run summaries", err)
	}

	out := make([]domain.RunSummary, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DeleteSummariesBefore removes summaries that ended before t.
func (r *RunRepo) DeleteSummariesBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE ended_at < $1`, t)
	if err != nil {
		return 0, classify("failed to delete run summaries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted summaries: %w", err)
	}
	return n, nil
}
