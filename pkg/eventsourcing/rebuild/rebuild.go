// Package rebuild streams and groups an aggregate kind's stored events back
// to a caller, for when a projection's shape changes and its read-side
// table needs to be recomputed from the source of truth rather than
// migrated in place. Three shapes cover the common replay patterns: a
// single whole-table pass (AllAtOnce), one group per aggregate
// (ByAggregateID), or a single aggregate in isolation (JustOneAggregate).
// This package only iterates and groups; what a callback does with a
// group — which transactions it opens, which handlers it drives, whether it
// honors eventsourcing.Replayable — is entirely up to the caller. The
// postgres package's Store.RebuildAllAtOnce/RebuildByAggregateID/
// RebuildAggregate are the concrete callbacks wired against these shapes.
package rebuild

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	es "github.com/primait/eventsourcing-go/pkg/eventsourcing"
)

// Streamer is the subset of eventsourcing.Store a rebuild needs: a full
// cursor over every stored event, in (aggregate_id, sequence_number) order.
type Streamer[E any] interface {
	StreamEvents(ctx context.Context) (<-chan es.StoreEvent[E], <-chan error)
}

// AllAtOnce streams every stored event for the aggregate kind, in order,
// through runTx — regardless of which aggregate instance each event
// belongs to. Suitable for a projection whose read model spans every
// instance (e.g. a global count).
func AllAtOnce[E any](ctx context.Context, store Streamer[E], runTx func(ctx context.Context, evt es.StoreEvent[E]) error) error {
	events, errc := store.StreamEvents(ctx)
	for evt := range events {
		if err := runTx(ctx, evt); err != nil {
			return fmt.Errorf("rebuild: event %s: %w", evt.ID, err)
		}
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("rebuild: streaming: %w", err)
	}
	return nil
}

// ByAggregateID streams every stored event, grouping consecutive rows that
// share an aggregate_id and invoking onAggregate once per group with the
// group's events in order. Suitable for projections that fold each
// instance's full history before writing a read model row, rather than
// applying one event at a time.
func ByAggregateID[E any](ctx context.Context, store Streamer[E], onAggregate func(ctx context.Context, aggregateID uuid.UUID, events []es.StoreEvent[E]) error) error {
	events, errc := store.StreamEvents(ctx)

	var (
		current uuid.UUID
		group   []es.StoreEvent[E]
		started bool
	)
	flush := func() error {
		if !started || len(group) == 0 {
			return nil
		}
		return onAggregate(ctx, current, group)
	}

	for evt := range events {
		if !started {
			current = evt.AggregateID
			started = true
		}
		if evt.AggregateID != current {
			if err := flush(); err != nil {
				return fmt.Errorf("rebuild: aggregate %s: %w", current, err)
			}
			current = evt.AggregateID
			group = nil
		}
		group = append(group, evt)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("rebuild: aggregate %s: %w", current, err)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("rebuild: streaming: %w", err)
	}
	return nil
}

// AggregateLoader is the subset of eventsourcing.Store JustOneAggregate
// needs: a targeted read of one instance's history, skipping the full-table
// scan the other two strategies perform.
type AggregateLoader[E any] interface {
	ByAggregateID(ctx context.Context, id uuid.UUID) ([]es.StoreEvent[E], int32, error)
}

// JustOneAggregate loads and replays a single aggregate instance's history
// through onEvents. Cheapest of the three strategies; used to repair one
// known-bad projection row without touching the rest.
func JustOneAggregate[E any](ctx context.Context, store AggregateLoader[E], id uuid.UUID, onEvents func(ctx context.Context, events []es.StoreEvent[E]) error) error {
	events, _, err := store.ByAggregateID(ctx, id)
	if err != nil {
		return fmt.Errorf("rebuild: aggregate %s: %w", id, err)
	}
	if err := onEvents(ctx, events); err != nil {
		return fmt.Errorf("rebuild: aggregate %s: %w", id, err)
	}
	return nil
}
