package eventsourcing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StoreEvent is the persisted envelope around a domain event of type E:
// id, aggregate_id, payload, occurred_on, sequence_number, plus a schema
// version used for upcasting.
type StoreEvent[E any] struct {
	ID             uuid.UUID
	AggregateID    uuid.UUID
	Payload        E
	OccurredOn     time.Time
	SequenceNumber int32
	Version        *int32
}

// EventSchema mediates between a domain event type E and its on-disk JSON
// representation, including upcasting of historical versions.
//
// FromEvent must be infallible in the sense that every event the aggregate
// can currently emit encodes successfully; it still returns an error
// because json.Marshal can fail on pathological inputs (e.g. a channel
// field smuggled into E by a careless caller).
//
// ToEvent returns ok=false for payloads that decode structurally but no
// longer correspond to any live domain event variant (a deprecated event
// kept only for historical rows). The store skips such rows when folding
// state but still accounts for their sequence number.
type EventSchema[E any] interface {
	FromEvent(e E) (payload json.RawMessage, version int32, err error)
	ToEvent(version *int32, payload json.RawMessage) (event E, ok bool, err error)
	CurrentVersion() int32
}

// UpcastFunc decodes a historical payload shape and lifts it to the schema's
// current version. Schemas with more than one historical version typically
// implement ToEvent as a small switch over *version dispatching to one
// UpcastFunc per legacy revision.
type UpcastFunc func(payload json.RawMessage) (json.RawMessage, error)
