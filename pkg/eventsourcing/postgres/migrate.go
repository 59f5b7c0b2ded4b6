package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"

	es "github.com/primait/eventsourcing-go/pkg/eventsourcing"
)

var validAggregateName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// tableName derives the per-aggregate event table name from its name, the
// same way the advisory lock namespace is derived: deterministically, and
// checked once at build time rather than escaped at query time, since it is
// never user input.
func tableName(aggregateName string) (string, error) {
	if !validAggregateName.MatchString(aggregateName) {
		return "", fmt.Errorf("aggregate name %q must match %s", aggregateName, validAggregateName.String())
	}
	return aggregateName + "_events", nil
}

// migrate creates the aggregate's event table and supporting indexes if
// they don't already exist, then adds the version column as a separate
// step if an older, pre-version deploy already created the table without
// it. Both steps run in one transaction, so a failure leaves the database
// unchanged. Idempotent: safe to call on every process start.
func migrate(ctx context.Context, pool *pgxpool.Pool, table string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return es.NewBackendError("migrate", fmt.Errorf("table %s: %w", table, err))
	}
	defer tx.Rollback(ctx)

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id              UUID PRIMARY KEY,
			aggregate_id    UUID NOT NULL,
			sequence_number INTEGER NOT NULL,
			payload         JSONB NOT NULL,
			occurred_on     TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (aggregate_id, sequence_number)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_aggregate_id_idx ON %[1]s (aggregate_id, sequence_number);
	`, table)

	if _, err := tx.Exec(ctx, ddl); err != nil {
		return es.NewBackendError("migrate", fmt.Errorf("table %s: %w", table, err))
	}

	// Added after the table shipped without it; a separate ALTER so a table
	// created by a pre-version deploy gets upgraded in place instead of
	// being silently skipped by CREATE TABLE IF NOT EXISTS above.
	alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS version INTEGER`, table)
	if _, err := tx.Exec(ctx, alter); err != nil {
		return es.NewBackendError("migrate", fmt.Errorf("table %s: add version column: %w", table, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return es.NewBackendError("migrate", fmt.Errorf("table %s: %w", table, err))
	}
	return nil
}
