package postgres_test

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"

	es "github.com/primait/eventsourcing-go/pkg/eventsourcing"
	"github.com/primait/eventsourcing-go/pkg/eventsourcing/postgres"
)

var _ = Describe("Store", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		pool      *pgxpool.Pool
		container testcontainers.Container
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Minute)
		var err error
		pool, container, err = setupTestDatabase(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if pool != nil {
			pool.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
		if cancel != nil {
			cancel()
		}
	})

	newStore := func(opts ...func(*postgres.StoreBuilder[tallyState, tallyCommand, tallyEvent])) *postgres.Store[tallyState, tallyCommand, tallyEvent] {
		builder := postgres.NewStoreBuilder[tallyState, tallyCommand, tallyEvent](pool, "tally", tallySchema{})
		for _, opt := range opts {
			opt(builder)
		}
		store, err := builder.Build(ctx)
		Expect(err).NotTo(HaveOccurred())
		return store
	}

	Describe("Persist and ByAggregateID", func() {
		It("round-trips events through a manager", func() {
			store := newStore()
			manager := es.NewManager[tallyState, tallyCommand, tallyEvent](tallyAggregate{}, store)
			id := uuid.New()

			_, err := manager.HandleCommand(ctx, id, tallyCommand{Amount: 3})
			Expect(err).NotTo(HaveOccurred())
			_, err = manager.HandleCommand(ctx, id, tallyCommand{Amount: 4})
			Expect(err).NotTo(HaveOccurred())

			cell, err := manager.Load(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(cell.Inner()).To(Equal(tallyState(7)))
			Expect(cell.SequenceNumber()).To(Equal(int32(2)))
		})

		It("returns ErrAggregateNotFound for an id with no events", func() {
			store := newStore()
			_, _, err := store.ByAggregateID(ctx, uuid.New())
			Expect(errors.Is(err, es.ErrAggregateNotFound)).To(BeTrue())
		})
	})

	Describe("optimistic concurrency", func() {
		It("rejects a writer that targets an already-claimed sequence number", func() {
			store := newStore()
			id := uuid.New()

			cellA := es.NewAggregateStateWithID[tallyState](id)
			_, err := store.Persist(ctx, cellA, []tallyEvent{{Amount: 1}})
			Expect(err).NotTo(HaveOccurred())

			// A second cell built from the same stale starting point (as if
			// two writers both loaded before either persisted) targets the
			// same next sequence number and must lose.
			cellB := es.NewAggregateStateWithID[tallyState](id)
			_, err = store.Persist(ctx, cellB, []tallyEvent{{Amount: 2}})
			Expect(es.IsConcurrencyError(err)).To(BeTrue())
		})
	})

	Describe("transactional handlers", func() {
		It("rolls back the insert when a transactional handler fails", func() {
			handler := &recordingTxHandler{name: "boom", failOn: errHandlerBoom}
			store := newStore(func(b *postgres.StoreBuilder[tallyState, tallyCommand, tallyEvent]) {
				b.WithTransactionalEventHandler(handler)
			})
			id := uuid.New()
			cell := es.NewAggregateStateWithID[tallyState](id)

			_, err := store.Persist(ctx, cell, []tallyEvent{{Amount: 5}})
			Expect(es.IsHandlerError(err)).To(BeTrue())

			_, _, err = store.ByAggregateID(ctx, id)
			Expect(errors.Is(err, es.ErrAggregateNotFound)).To(BeTrue())
		})

		It("runs a succeeding transactional handler once per event", func() {
			handler := &recordingTxHandler{name: "projector"}
			store := newStore(func(b *postgres.StoreBuilder[tallyState, tallyCommand, tallyEvent]) {
				b.WithTransactionalEventHandler(handler)
			})
			id := uuid.New()
			cell := es.NewAggregateStateWithID[tallyState](id)

			_, err := store.Persist(ctx, cell, []tallyEvent{{Amount: 1}, {Amount: 2}})
			Expect(err).NotTo(HaveOccurred())
			Expect(handler.seen()).To(HaveLen(2))
		})
	})

	Describe("best-effort handlers", func() {
		It("runs once per persisted event, with the event readable once Persist returns", func() {
			handler := &recordingHandler{name: "saga"}
			store := newStore(func(b *postgres.StoreBuilder[tallyState, tallyCommand, tallyEvent]) {
				b.WithEventHandler(handler)
			})
			id := uuid.New()
			cell := es.NewAggregateStateWithID[tallyState](id)

			_, err := store.Persist(ctx, cell, []tallyEvent{{Amount: 9}})
			Expect(err).NotTo(HaveOccurred())
			Expect(handler.seen()).To(HaveLen(1))

			events, _, err := store.ByAggregateID(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
		})

		It("may re-enter HandleCommand on the same aggregate, since the lock is already released", func() {
			saga := &sagaHandler{trigger: 9, follow: 100}
			store := newStore(func(b *postgres.StoreBuilder[tallyState, tallyCommand, tallyEvent]) {
				b.WithEventHandler(saga)
			})
			manager := es.NewManager[tallyState, tallyCommand, tallyEvent](tallyAggregate{}, store)
			saga.manager = manager
			id := uuid.New()

			_, err := manager.HandleCommand(ctx, id, tallyCommand{Amount: 9})
			Expect(err).NotTo(HaveOccurred())
			Expect(saga.result()).NotTo(HaveOccurred())

			cell, err := manager.Load(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(cell.Inner()).To(Equal(tallyState(109)))
			Expect(cell.SequenceNumber()).To(Equal(int32(2)))
		})
	})

	Describe("Delete", func() {
		It("removes events and runs handler deletes", func() {
			handler := &recordingTxHandler{name: "projector"}
			store := newStore(func(b *postgres.StoreBuilder[tallyState, tallyCommand, tallyEvent]) {
				b.WithTransactionalEventHandler(handler)
			})
			id := uuid.New()
			cell := es.NewAggregateStateWithID[tallyState](id)
			_, err := store.Persist(ctx, cell, []tallyEvent{{Amount: 1}})
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Delete(ctx, id)).To(Succeed())

			_, _, err = store.ByAggregateID(ctx, id)
			Expect(errors.Is(err, es.ErrAggregateNotFound)).To(BeTrue())
		})
	})

	Describe("StreamEvents", func() {
		It("delivers every stored event in order", func() {
			store := newStore()
			idA, idB := uuid.New(), uuid.New()
			_, err := store.Persist(ctx, es.NewAggregateStateWithID[tallyState](idA), []tallyEvent{{Amount: 1}})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Persist(ctx, es.NewAggregateStateWithID[tallyState](idB), []tallyEvent{{Amount: 2}})
			Expect(err).NotTo(HaveOccurred())

			events, errc := store.StreamEvents(ctx)
			var count int
			for range events {
				count++
			}
			Expect(<-errc).NotTo(HaveOccurred())
			Expect(count).To(Equal(2))
		})
	})
})
