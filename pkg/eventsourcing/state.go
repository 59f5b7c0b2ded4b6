package eventsourcing

import (
	"context"

	"github.com/google/uuid"
)

// LockGuard represents a held advisory lock. Closing it releases the lock;
// implementations must make Close idempotent since AggregateState.Close
// may race a caller that already took the guard via TakeLock.
type LockGuard interface {
	Close(ctx context.Context) error
}

// AggregateState is the in-memory cell carried between Load, HandleCommand,
// and Persist: an id, the largest applied sequence number, the folded user
// state, and an optional advisory-lock guard.
//
// User code never edits inner in place; it is only ever replaced by Fold.
type AggregateState[S any] struct {
	id             uuid.UUID
	sequenceNumber int32
	inner          S
	lock           LockGuard
}

// NewAggregateState starts a fresh cell with a random id and the zero value
// of S.
func NewAggregateState[S any]() *AggregateState[S] {
	return &AggregateState[S]{id: uuid.New()}
}

// NewAggregateStateWithID starts a fresh cell for a caller-chosen id. Used
// when the aggregate id is assigned outside the store (e.g. derived from a
// natural key) rather than generated.
func NewAggregateStateWithID[S any](id uuid.UUID) *AggregateState[S] {
	return &AggregateState[S]{id: id}
}

// ID returns the aggregate instance identifier.
func (a *AggregateState[S]) ID() uuid.UUID { return a.id }

// SequenceNumber returns the largest sequence number folded into this cell.
func (a *AggregateState[S]) SequenceNumber() int32 { return a.sequenceNumber }

// NextSequenceNumber is the sequence number the next persisted event will
// receive.
func (a *AggregateState[S]) NextSequenceNumber() int32 { return a.sequenceNumber + 1 }

// Inner returns the current folded user state.
func (a *AggregateState[S]) Inner() S { return a.inner }

// AttachLock associates a held advisory lock with this cell. Persist
// releases it immediately after commit; Close releases it too, so callers
// that never reach Persist (e.g. a failed HandleCommand) don't leak it.
func (a *AggregateState[S]) AttachLock(guard LockGuard) {
	a.lock = guard
}

// TakeLock detaches the held lock guard from the cell and returns it,
// transferring ownership to the caller so it can outlive the cell (e.g. to
// hold a pessimistic session open across several commands).
func (a *AggregateState[S]) TakeLock() LockGuard {
	guard := a.lock
	a.lock = nil
	return guard
}

// HasLock reports whether this cell currently owns an advisory lock.
func (a *AggregateState[S]) HasLock() bool {
	return a.lock != nil
}

// releaseLock closes and clears the held lock, if any. Used by Close, which
// Persist calls right after commit.
func (a *AggregateState[S]) releaseLock(ctx context.Context) error {
	if a.lock == nil {
		return nil
	}
	guard := a.lock
	a.lock = nil
	return guard.Close(ctx)
}

// Close ends the command session represented by this cell, releasing any
// held advisory lock. Safe to call even if Persist already released it.
func (a *AggregateState[S]) Close(ctx context.Context) error {
	return a.releaseLock(ctx)
}

// Fold applies a batch of decoded events to cell through apply (normally an
// Aggregate's ApplyEvent), then advances the cell's sequence number to
// highWaterMark — the largest sequence number present among the *raw*
// stored rows, decoded or not. A row whose schema ToEvent skipped it must
// still move the high-water mark forward, or a later Persist would reuse
// its sequence number and collide with the skipped row.
func Fold[S any, E any](cell *AggregateState[S], events []StoreEvent[E], highWaterMark int32, apply func(S, E) S) {
	for _, evt := range events {
		cell.inner = apply(cell.inner, evt.Payload)
	}
	if highWaterMark > cell.sequenceNumber {
		cell.sequenceNumber = highWaterMark
	}
}
