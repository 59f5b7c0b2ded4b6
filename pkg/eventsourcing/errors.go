package eventsourcing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EventSourcingError is the common base embedded by every typed error the
// core returns. It carries the operation that failed and the underlying
// cause.
type EventSourcingError struct {
	Op  string
	Err error
}

func (e EventSourcingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e EventSourcingError) Unwrap() error {
	return e.Err
}

type (
	// BackendError wraps a database/transport failure unrelated to the
	// sequence-uniqueness constraint. Retriable at the caller's discretion.
	BackendError struct {
		EventSourcingError
	}

	// DecodeError means encoding a domain event into its schema, or decoding
	// a stored row back into one, failed.
	DecodeError struct {
		EventSourcingError
		AggregateID uuid.UUID
	}

	// ConcurrencyError means the (aggregate_id, sequence_number) unique
	// constraint rejected an insert: another writer committed first.
	ConcurrencyError struct {
		EventSourcingError
		AggregateID        uuid.UUID
		ExpectedSequence   int32
		ConflictingAttempt int32
	}

	// HandlerError wraps an error returned by a transactional event handler.
	// Returning this aborts the whole persist call.
	HandlerError struct {
		EventSourcingError
		Handler string
	}
)

// ErrAggregateNotFound is returned by Load when the aggregate has no events.
var ErrAggregateNotFound = errors.New("eventsourcing: aggregate not found")

// ErrUnknownSchemaVersion is returned (wrapped) by an EventSchema's ToEvent
// when a row carries a version number newer than CurrentVersion; the core
// never guesses at a forward-compatible decode of a version it has not
// been taught to upcast yet.
var ErrUnknownSchemaVersion = errors.New("eventsourcing: unknown schema version")

// NewBackendError wraps a low-level backend failure (connection, syntax, a
// constraint other than sequence uniqueness) for the given operation name.
func NewBackendError(op string, err error) *BackendError {
	return &BackendError{EventSourcingError{Op: op, Err: err}}
}

// NewDecodeError wraps a serialization/deserialization failure for the
// given operation and aggregate.
func NewDecodeError(op string, aggregateID uuid.UUID, err error) *DecodeError {
	return &DecodeError{EventSourcingError: EventSourcingError{Op: op, Err: err}, AggregateID: aggregateID}
}

// NewConcurrencyError reports an (aggregate_id, sequence_number) uniqueness
// violation: another writer already claimed the attempted sequence number.
func NewConcurrencyError(aggregateID uuid.UUID, expected, attempted int32) *ConcurrencyError {
	return &ConcurrencyError{
		EventSourcingError: EventSourcingError{
			Op:  "persist",
			Err: fmt.Errorf("aggregate %s: expected next sequence %d, conflicting insert at %d", aggregateID, expected, attempted),
		},
		AggregateID:        aggregateID,
		ExpectedSequence:   expected,
		ConflictingAttempt: attempted,
	}
}

// NewHandlerError wraps an error returned by a named transactional handler.
func NewHandlerError(handler string, err error) *HandlerError {
	return &HandlerError{
		EventSourcingError: EventSourcingError{Op: "persist: transactional handler", Err: err},
		Handler:            handler,
	}
}

// IsBackendError reports whether err is (or wraps) a *BackendError.
func IsBackendError(err error) bool {
	var e *BackendError
	return errors.As(err, &e)
}

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var e *DecodeError
	return errors.As(err, &e)
}

// IsConcurrencyError reports whether err is (or wraps) a *ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var e *ConcurrencyError
	return errors.As(err, &e)
}

// IsHandlerError reports whether err is (or wraps) a *HandlerError.
func IsHandlerError(err error) bool {
	var e *HandlerError
	return errors.As(err, &e)
}
