// Package postgres is the reference backend for this module: a per-
// aggregate event table on PostgreSQL, combining optimistic concurrency (a
// unique constraint on (aggregate_id, sequence_number)) with an optional
// pessimistic advisory lock taken up front by Manager.LockAndLoad. Both
// paths are left enabled rather than unified behind one strategy — a
// pessimistic writer and an optimistic one can still race each other, and
// the loser of that race always gets *eventsourcing.ConcurrencyError from
// the unique constraint, never a silent overwrite.
package postgres

import "time"

// StoreConfig tunes one aggregate's Store: a flat struct of knobs with
// StoreBuilder.Build filling in defaults for anything left zero.
type StoreConfig struct {
	// MaxBatchSize caps how many events a single Persist call may insert.
	MaxBatchSize int

	// StreamBuffer sizes the channel StreamEvents hands back to rebuild.*.
	StreamBuffer int

	// QueryTimeout bounds ByAggregateID. StreamEvents does not apply it; a
	// stream runs until exhausted or until the caller's ctx is done.
	QueryTimeout time.Duration

	// PersistTimeout bounds the whole Persist transaction, including every
	// TransactionalEventHandler.
	PersistTimeout time.Duration

	// SkipMigrations disables the automatic CREATE TABLE IF NOT EXISTS /
	// index creation Build otherwise runs, for callers that manage schema
	// through an external migration tool.
	SkipMigrations bool
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1000
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 256
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 15 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	return c
}
