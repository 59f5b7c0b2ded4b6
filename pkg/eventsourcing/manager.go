package eventsourcing

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Manager is the façade domain code drives: it owns an Aggregate
// implementation and a Store, and turns (state, command) pairs into
// persisted events without exposing transactions, locks, or schemas to the
// caller.
type Manager[S any, C any, E any] struct {
	aggregate Aggregate[S, C, E]
	store     Store[S, C, E]
}

// NewManager builds a Manager for the given aggregate definition and store.
func NewManager[S any, C any, E any](aggregate Aggregate[S, C, E], store Store[S, C, E]) *Manager[S, C, E] {
	return &Manager[S, C, E]{aggregate: aggregate, store: store}
}

// Load replays every stored event for id into a fresh AggregateState,
// without taking any lock. Suitable for reads that never write back.
func (m *Manager[S, C, E]) Load(ctx context.Context, id uuid.UUID) (*AggregateState[S], error) {
	events, highWaterMark, err := m.store.ByAggregateID(ctx, id)
	if err != nil {
		return nil, err
	}
	cell := NewAggregateStateWithID[S](id)
	Fold(cell, events, highWaterMark, m.aggregate.ApplyEvent)
	return cell, nil
}

// LockAndLoad takes a pessimistic advisory lock on id, then replays its
// events into the returned cell. If id has no stored history yet, the
// returned cell carries the lock and the aggregate's zero-value state, so a
// first command can initialize it. Callers must eventually call cell.Close
// to release the lock (HandleCommand does so itself, and Persist releases it
// after a successful commit).
func (m *Manager[S, C, E]) LockAndLoad(ctx context.Context, id uuid.UUID) (*AggregateState[S], error) {
	guard, err := m.store.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	events, highWaterMark, err := m.store.ByAggregateID(ctx, id)
	if err != nil && !errors.Is(err, ErrAggregateNotFound) {
		_ = guard.Close(ctx)
		return nil, err
	}
	cell := NewAggregateStateWithID[S](id)
	cell.AttachLock(guard)
	Fold(cell, events, highWaterMark, m.aggregate.ApplyEvent)
	return cell, nil
}

// HandleCommand locks and loads id, runs cmd through the aggregate's
// HandleCommand, and persists whatever events it produces. On any error —
// including a domain rejection from HandleCommand itself — the held lock is
// released and no events are written. Returns the persisted envelopes on
// success.
func (m *Manager[S, C, E]) HandleCommand(ctx context.Context, id uuid.UUID, cmd C) ([]StoreEvent[E], error) {
	cell, err := m.LockAndLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	defer cell.Close(ctx)

	events, err := m.aggregate.HandleCommand(cell.Inner(), cmd)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return m.store.Persist(ctx, cell, events)
}

// Delete locks id and removes its stored events along with any projections
// registered on the store's transactional handlers.
func (m *Manager[S, C, E]) Delete(ctx context.Context, id uuid.UUID) error {
	guard, err := m.store.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer guard.Close(ctx)
	return m.store.Delete(ctx, id)
}

// RetryOnConflict runs fn, retrying with jittered exponential backoff while
// fn returns a *ConcurrencyError, up to attempts tries total. Intended to
// wrap HandleCommand for callers that would rather retry a lost optimistic
// race than surface it to the user — not needed at all for aggregates that
// always go through LockAndLoad/HandleCommand, since the lock already
// serializes writers; useful for callers who load without locking and
// resolve conflicts by recomputing the command from fresh state.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var concurrency *ConcurrencyError
		if !errors.As(lastErr, &concurrency) {
			return lastErr
		}
		backoff := time.Duration(1<<attempt) * 10 * time.Millisecond
		backoff += time.Duration(rand.Int63n(int64(backoff/2 + 1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}
