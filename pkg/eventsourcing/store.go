package eventsourcing

import (
	"context"

	"github.com/google/uuid"
)

// Store is the contract a Manager drives: load an aggregate's history,
// optionally take a pessimistic lock on it, persist new events, stream
// everything for a rebuild, and delete an aggregate's data. The postgres
// package is this spec's one concrete implementation; Manager is written
// against this interface rather than the concrete type so tests can swap in
// a fake without a database.
type Store[S any, C any, E any] interface {
	// ByAggregateID loads every stored event for id, decoded through the
	// aggregate's schema, along with the high-water sequence number across
	// every raw row (decoded or skipped). Returns ErrAggregateNotFound (via
	// errors.Is) when id has no rows at all.
	ByAggregateID(ctx context.Context, id uuid.UUID) (events []StoreEvent[E], highWaterMark int32, err error)

	// Lock takes a pessimistic, session-scoped advisory lock on id without
	// loading its events, returning a guard the caller must Close. Used by
	// LockAndLoad for callers that want the lock held across both the read
	// and the eventual Persist.
	Lock(ctx context.Context, id uuid.UUID) (LockGuard, error)

	// Persist appends the events HandleCommand produced for cell's
	// aggregate, starting at cell's NextSequenceNumber, inside one
	// transaction. Every TransactionalEventHandler runs in that same
	// transaction; on success, cell's lock (if any) is released, then every
	// EventHandler and the EventBus run against the committed events.
	// Returns *ConcurrencyError if another writer already claimed the next
	// sequence number.
	Persist(ctx context.Context, cell *AggregateState[S], events []E) ([]StoreEvent[E], error)

	// StreamEvents delivers every event ever stored for this aggregate kind,
	// in ascending (aggregate_id, sequence_number) order, closing out when
	// ctx is done or the stream is exhausted. Used by rebuild.*.
	StreamEvents(ctx context.Context) (<-chan StoreEvent[E], <-chan error)

	// Delete removes every event for id and invokes Delete on every
	// registered TransactionalEventHandler inside the same transaction.
	Delete(ctx context.Context, id uuid.UUID) error
}
