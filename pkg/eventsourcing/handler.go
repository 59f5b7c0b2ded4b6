package eventsourcing

import (
	"context"

	"github.com/google/uuid"
)

// TransactionalEventHandler projects a newly persisted event inside the same
// database transaction that inserted it. Tx is left as `any` here so this
// package stays free of a driver dependency; the postgres package passes a
// pgx.Tx. A non-nil error aborts the whole Persist call and rolls back
// the insert along with every other transactional handler's work.
type TransactionalEventHandler[E any] interface {
	// Name identifies the handler for error messages and metrics.
	Name() string

	// Handle projects evt using tx. Must not commit or roll back tx itself.
	Handle(ctx context.Context, tx any, evt StoreEvent[E]) error

	// Delete removes any projection state for aggregateID using tx. Called
	// when the aggregate itself is deleted, and once per aggregate at the
	// start of a rebuild.* replay, to clear whatever an earlier run left
	// behind before Handle replays that aggregate's events from scratch.
	Delete(ctx context.Context, tx any, aggregateID uuid.UUID) error
}

// EventHandler reacts to an event after Persist's transaction has already
// committed. Handle returns no error, so nothing it does can reach the
// caller of Persist, and the store has no handler error to log; a handler
// that can fail reports the failure itself. By the time it runs, the event
// is already durable and cannot be un-persisted. Used for sagas, outbound
// side effects, and anything else that must not hold the aggregate's
// advisory lock open.
type EventHandler[E any] interface {
	Name() string
	Handle(ctx context.Context, evt StoreEvent[E])
}

// Replayable is an optional interface an EventHandler or EventBus can
// implement to opt out of rebuild.* replay runs — typically because it has
// external, non-idempotent side effects (sending an email, calling a
// payment gateway) that must only fire once, at original persist time.
// TransactionalEventHandlers never consult Replayable: a rebuild's whole
// purpose is to recompute their projection from scratch, so they run
// unconditionally regardless of whether they implement this interface.
type Replayable interface {
	// ReplayEnabled reports whether this handler should run during a
	// rebuild.* replay. Defaults to true when a handler doesn't implement
	// this interface at all.
	ReplayEnabled() bool
}

// EventBus publishes an event to subscribers outside the process, after
// Persist's transaction has committed and after every EventHandler has run.
// Publish failures are logged by the caller, never returned to the command
// issuer — once committed, an event's delivery is a best-effort concern, not
// a transactional one: Persist calls Publish once per event and does not
// retry a failed publish.
type EventBus[E any] interface {
	Publish(ctx context.Context, evt StoreEvent[E]) error
}
