package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	es "github.com/primait/eventsourcing-go/pkg/eventsourcing"
	"github.com/primait/eventsourcing-go/pkg/eventsourcing/rebuild"
)

// uniqueViolation is PostgreSQL's SQLSTATE for a unique-constraint failure.
// A batch insert that hits it means another writer already claimed one of
// these (aggregate_id, sequence_number) pairs first.
const uniqueViolation = "23505"

// Store is the per-aggregate-kind event store: a table named
// "<name>_events", an EventSchema[E] that encodes/decodes its payload
// column, and whatever handlers and bus a StoreBuilder wired in. It
// implements eventsourcing.Store[S, C, E].
type Store[S any, C any, E any] struct {
	pool   *pgxpool.Pool
	name   string
	table  string
	schema es.EventSchema[E]
	cfg    StoreConfig

	txHandlers []es.TransactionalEventHandler[E]
	handlers   []es.EventHandler[E]
	bus        es.EventBus[E]
}

var _ es.Store[struct{}, struct{}, struct{}] = (*Store[struct{}, struct{}, struct{}])(nil)

// ByAggregateID loads id's history in ascending sequence order. Rows whose
// schema.ToEvent returns ok=false (a deprecated event variant kept only for
// history) are omitted from the returned slice but still counted into
// highWaterMark, so a subsequent Persist never reissues their sequence
// number. Returns eventsourcing.ErrAggregateNotFound when id has no rows.
func (s *Store[S, C, E]) ByAggregateID(ctx context.Context, id uuid.UUID) ([]es.StoreEvent[E], int32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, aggregate_id, sequence_number, payload, version, occurred_on
		 FROM %s WHERE aggregate_id = $1 ORDER BY sequence_number ASC`, s.table), id)
	if err != nil {
		return nil, 0, es.NewBackendError("by_aggregate_id", err)
	}
	defer rows.Close()

	var (
		events        []es.StoreEvent[E]
		highWaterMark int32
		rowCount      int
	)
	for rows.Next() {
		var (
			eventID    uuid.UUID
			aggID      uuid.UUID
			seq        int32
			payload    []byte
			version    *int32
			occurredOn time.Time
		)
		if err := rows.Scan(&eventID, &aggID, &seq, &payload, &version, &occurredOn); err != nil {
			return nil, 0, es.NewBackendError("by_aggregate_id", err)
		}
		rowCount++
		if seq > highWaterMark {
			highWaterMark = seq
		}

		payloadEvent, ok, err := s.schema.ToEvent(version, json.RawMessage(payload))
		if err != nil {
			return nil, 0, es.NewDecodeError("by_aggregate_id", id, err)
		}
		if !ok {
			continue
		}
		events = append(events, es.StoreEvent[E]{
			ID:             eventID,
			AggregateID:    aggID,
			Payload:        payloadEvent,
			OccurredOn:     occurredOn,
			SequenceNumber: seq,
			Version:        version,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, es.NewBackendError("by_aggregate_id", err)
	}
	if rowCount == 0 {
		return nil, 0, fmt.Errorf("%s %s: %w", s.name, id, es.ErrAggregateNotFound)
	}
	return events, highWaterMark, nil
}

// Lock takes a pessimistic advisory lock on id, scoped to one dedicated
// pooled connection, without reading any events.
func (s *Store[S, C, E]) Lock(ctx context.Context, id uuid.UUID) (es.LockGuard, error) {
	return acquireLock(ctx, s.pool, s.name, id)
}

// Persist appends events for cell's aggregate starting at
// cell.NextSequenceNumber, inside one SERIALIZABLE transaction that also
// runs every registered TransactionalEventHandler. On success it releases
// cell's held lock, then runs every EventHandler and the EventBus against
// the committed rows — failures there are logged, not returned, since the
// events are already durable.
func (s *Store[S, C, E]) Persist(ctx context.Context, cell *es.AggregateState[S], events []E) ([]es.StoreEvent[E], error) {
	if len(events) == 0 {
		return nil, nil
	}
	if len(events) > s.cfg.MaxBatchSize {
		return nil, es.NewBackendError("persist", fmt.Errorf("batch of %d exceeds max %d", len(events), s.cfg.MaxBatchSize))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, es.NewBackendError("persist", err)
	}
	defer tx.Rollback(ctx)

	aggregateID := cell.ID()
	startSeq := cell.NextSequenceNumber()
	stored := make([]es.StoreEvent[E], len(events))
	now := time.Now()

	batch := &pgx.Batch{}
	for i, event := range events {
		payload, version, err := s.schema.FromEvent(event)
		if err != nil {
			return nil, es.NewDecodeError("persist", aggregateID, err)
		}
		seq := startSeq + int32(i)
		eventID := uuid.New()
		stored[i] = es.StoreEvent[E]{
			ID:             eventID,
			AggregateID:    aggregateID,
			Payload:        event,
			OccurredOn:     now,
			SequenceNumber: seq,
			Version:        &version,
		}
		batch.Queue(fmt.Sprintf(
			`INSERT INTO %s (id, aggregate_id, sequence_number, payload, version, occurred_on)
			 VALUES ($1, $2, $3, $4, $5, $6)`, s.table),
			eventID, aggregateID, seq, []byte(payload), version, now)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < len(events); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return nil, es.NewConcurrencyError(aggregateID, startSeq, stored[i].SequenceNumber)
			}
			return nil, es.NewBackendError("persist", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, es.NewBackendError("persist", err)
	}

	for _, handler := range s.txHandlers {
		for _, evt := range stored {
			if err := handler.Handle(ctx, tx, evt); err != nil {
				return nil, es.NewHandlerError(handler.Name(), err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, es.NewBackendError("persist", err)
	}

	if err := cell.Close(ctx); err != nil {
		log.Printf("eventsourcing: %s: releasing lock after persist: %v", s.name, err)
	}

	for _, evt := range stored {
		for _, handler := range s.handlers {
			handler.Handle(ctx, evt)
		}
		if s.bus != nil {
			if err := s.bus.Publish(ctx, evt); err != nil {
				log.Printf("eventsourcing: %s: publishing event %s: %v", s.name, evt.ID, err)
			}
		}
	}

	return stored, nil
}

// StreamEvents delivers every decoded event for this aggregate kind in
// ascending (aggregate_id, sequence_number) order over the returned
// channel, closing it when exhausted or when ctx is done. The error
// channel carries at most one value and is closed alongside the event
// channel. Used by the rebuild package.
func (s *Store[S, C, E]) StreamEvents(ctx context.Context) (<-chan es.StoreEvent[E], <-chan error) {
	out := make(chan es.StoreEvent[E], s.cfg.StreamBuffer)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		rows, err := s.pool.Query(ctx, fmt.Sprintf(
			`SELECT id, aggregate_id, sequence_number, payload, version, occurred_on
			 FROM %s ORDER BY aggregate_id ASC, sequence_number ASC`, s.table))
		if err != nil {
			errc <- es.NewBackendError("stream_events", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				eventID    uuid.UUID
				aggID      uuid.UUID
				seq        int32
				payload    []byte
				version    *int32
				occurredOn time.Time
			)
			if err := rows.Scan(&eventID, &aggID, &seq, &payload, &version, &occurredOn); err != nil {
				errc <- es.NewBackendError("stream_events", err)
				return
			}
			event, ok, err := s.schema.ToEvent(version, json.RawMessage(payload))
			if err != nil {
				errc <- es.NewDecodeError("stream_events", aggID, err)
				return
			}
			if !ok {
				continue
			}
			select {
			case out <- es.StoreEvent[E]{
				ID:             eventID,
				AggregateID:    aggID,
				Payload:        event,
				OccurredOn:     occurredOn,
				SequenceNumber: seq,
				Version:        version,
			}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errc <- es.NewBackendError("stream_events", err)
		}
	}()

	return out, errc
}

// Delete removes every row for id and runs Delete on every registered
// TransactionalEventHandler, inside one transaction.
func (s *Store[S, C, E]) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return es.NewBackendError("delete", err)
	}
	defer tx.Rollback(ctx)

	for _, handler := range s.txHandlers {
		if err := handler.Delete(ctx, tx, id); err != nil {
			return es.NewHandlerError(handler.Name(), err)
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE aggregate_id = $1`, s.table), id); err != nil {
		return es.NewBackendError("delete", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return es.NewBackendError("delete", err)
	}
	return nil
}

// replayAggregateTx re-runs aggregateID's events through every registered
// TransactionalEventHandler inside one transaction: first Delete on each
// handler, clearing whatever a prior run's Handle calls left behind, then
// Handle for every event in order. Transactional handlers always run
// during a rebuild, unconditionally — eventsourcing.Replayable only gates
// the non-transactional handlers and bus replayed afterward by
// replayBestEffort. Once committed, it drives that second phase itself.
func (s *Store[S, C, E]) replayAggregateTx(ctx context.Context, aggregateID uuid.UUID, events []es.StoreEvent[E]) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return es.NewBackendError("rebuild", err)
	}
	defer tx.Rollback(ctx)

	for _, handler := range s.txHandlers {
		if err := handler.Delete(ctx, tx, aggregateID); err != nil {
			return es.NewHandlerError(handler.Name(), err)
		}
	}
	for _, evt := range events {
		for _, handler := range s.txHandlers {
			if err := handler.Handle(ctx, tx, evt); err != nil {
				return es.NewHandlerError(handler.Name(), err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return es.NewBackendError("rebuild", err)
	}

	s.replayBestEffort(ctx, events)
	return nil
}

// replayBestEffort drives every non-transactional EventHandler and the
// EventBus over events, in order, skipping any that implement
// eventsourcing.Replayable and return false from ReplayEnabled. Errors are
// logged, never returned, the same as Persist's post-commit handling.
func (s *Store[S, C, E]) replayBestEffort(ctx context.Context, events []es.StoreEvent[E]) {
	for _, evt := range events {
		for _, handler := range s.handlers {
			if r, ok := handler.(es.Replayable); ok && !r.ReplayEnabled() {
				continue
			}
			handler.Handle(ctx, evt)
		}
		if s.bus == nil {
			continue
		}
		if r, ok := s.bus.(es.Replayable); ok && !r.ReplayEnabled() {
			continue
		}
		if err := s.bus.Publish(ctx, evt); err != nil {
			log.Printf("eventsourcing: %s: replaying publish of event %s: %v", s.name, evt.ID, err)
		}
	}
}

// RebuildAllAtOnce replays this aggregate kind's entire stored history
// through every registered TransactionalEventHandler inside a single
// transaction spanning the whole call, then every non-transactional
// EventHandler and the EventBus once it has committed. The underlying
// stream is ordered by (aggregate_id, sequence_number), so each handler's
// Delete still runs exactly once per aggregate, right before that
// aggregate's events replay — but a failure partway through rolls back
// every aggregate's projection rows together, not just the one being
// replayed when it failed.
func (s *Store[S, C, E]) RebuildAllAtOnce(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return es.NewBackendError("rebuild", err)
	}
	defer tx.Rollback(ctx)

	var (
		all     []es.StoreEvent[E]
		current uuid.UUID
		started bool
	)
	err = rebuild.AllAtOnce(ctx, s, func(ctx context.Context, evt es.StoreEvent[E]) error {
		if !started || evt.AggregateID != current {
			current, started = evt.AggregateID, true
			for _, handler := range s.txHandlers {
				if err := handler.Delete(ctx, tx, current); err != nil {
					return es.NewHandlerError(handler.Name(), err)
				}
			}
		}
		for _, handler := range s.txHandlers {
			if err := handler.Handle(ctx, tx, evt); err != nil {
				return es.NewHandlerError(handler.Name(), err)
			}
		}
		all = append(all, evt)
		return nil
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return es.NewBackendError("rebuild", err)
	}
	s.replayBestEffort(ctx, all)
	return nil
}

// RebuildByAggregateID replays this aggregate kind's entire stored history
// one aggregate at a time: one transaction per aggregate for the
// transactional handlers, committed before moving to the next, then that
// aggregate's non-transactional handlers and bus. A mid-rebuild failure
// leaves earlier aggregates rebuilt and later ones untouched, rather than
// rolling back the whole run.
func (s *Store[S, C, E]) RebuildByAggregateID(ctx context.Context) error {
	return rebuild.ByAggregateID(ctx, s, s.replayAggregateTx)
}

// RebuildAggregate replays id's stored history through its transactional
// handlers inside one transaction, then its non-transactional handlers and
// bus. Used to repair one known-bad projection row without touching the
// rest of the aggregate kind.
func (s *Store[S, C, E]) RebuildAggregate(ctx context.Context, id uuid.UUID) error {
	return rebuild.JustOneAggregate(ctx, s, id, func(ctx context.Context, events []es.StoreEvent[E]) error {
		return s.replayAggregateTx(ctx, id, events)
	})
}
