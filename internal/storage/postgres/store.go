// Package postgres provides an optional Postgres sink for backtest output.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"marginalsim/internal/model"
)

// Store persists backtest records keyed by (run_id, block_number), so
// re-running the same run id over an overlapping block range overwrites the
// old rows instead of duplicating them. Column names follow the CSV header;
// big integers travel as strings into numeric columns.
type Store struct {
	pool  *pgxpool.Pool
	runID string
	query string
}

func NewStore(ctx context.Context, dsn, runID string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, runID: runID, query: upsertQuery()}, nil
}

// Append inserts or updates one record row.
func (s *Store) Append(ctx context.Context, r model.Record) error {
	row := r.CSVRow()
	args := make([]any, 0, len(row)+1)
	args = append(args, s.runID)
	for _, v := range row {
		args = append(args, v)
	}
	_, err := s.pool.Exec(ctx, s.query, args...)
	return err
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// upsertQuery builds the insert from the shared column list so the table
// schema stays in lockstep with the CSV output.
func upsertQuery() string {
	header := model.CSVHeader()

	columns := make([]string, 0, len(header)+1)
	placeholders := make([]string, 0, len(header)+1)
	columns = append(columns, "run_id")
	placeholders = append(placeholders, "$1")

	var updates []string
	for i, name := range header {
		columns = append(columns, name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		if name == "block_number" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
	}

	return fmt.Sprintf(`
		INSERT INTO backtest_records (%s, created_at, updated_at)
		VALUES (%s, now(), now())
		ON CONFLICT (run_id, block_number)
		DO UPDATE SET %s, updated_at = now()
	`,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}
