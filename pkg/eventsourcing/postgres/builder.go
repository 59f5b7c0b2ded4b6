package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	es "github.com/primait/eventsourcing-go/pkg/eventsourcing"
)

// StoreBuilder assembles a Store for one aggregate kind: a single fluent
// builder that accumulates handlers and a bus before Build runs migrations
// and hands back a ready Store.
type StoreBuilder[S any, C any, E any] struct {
	pool   *pgxpool.Pool
	name   string
	schema es.EventSchema[E]
	cfg    StoreConfig

	txHandlers []es.TransactionalEventHandler[E]
	handlers   []es.EventHandler[E]
	bus        es.EventBus[E]
}

// NewStoreBuilder starts a builder for the aggregate kind name, backed by
// pool and encoding events through schema.
func NewStoreBuilder[S any, C any, E any](pool *pgxpool.Pool, name string, schema es.EventSchema[E]) *StoreBuilder[S, C, E] {
	return &StoreBuilder[S, C, E]{pool: pool, name: name, schema: schema}
}

// WithConfig overrides the default StoreConfig.
func (b *StoreBuilder[S, C, E]) WithConfig(cfg StoreConfig) *StoreBuilder[S, C, E] {
	b.cfg = cfg
	return b
}

// WithTransactionalEventHandler registers a handler run inside the same
// transaction as Persist's insert, in registration order.
func (b *StoreBuilder[S, C, E]) WithTransactionalEventHandler(handler es.TransactionalEventHandler[E]) *StoreBuilder[S, C, E] {
	b.txHandlers = append(b.txHandlers, handler)
	return b
}

// WithEventHandler registers a best-effort handler run after Persist
// commits, in registration order.
func (b *StoreBuilder[S, C, E]) WithEventHandler(handler es.EventHandler[E]) *StoreBuilder[S, C, E] {
	b.handlers = append(b.handlers, handler)
	return b
}

// WithEventBus registers the publisher Persist fans committed events out
// to. At most one bus per store; a later call replaces an earlier one.
func (b *StoreBuilder[S, C, E]) WithEventBus(bus es.EventBus[E]) *StoreBuilder[S, C, E] {
	b.bus = bus
	return b
}

// Build validates the aggregate name, runs migrations unless
// cfg.SkipMigrations is set, and returns the ready Store.
func (b *StoreBuilder[S, C, E]) Build(ctx context.Context) (*Store[S, C, E], error) {
	table, err := tableName(b.name)
	if err != nil {
		return nil, es.NewBackendError("build_store", err)
	}

	cfg := b.cfg.withDefaults()
	if !cfg.SkipMigrations {
		if err := migrate(ctx, b.pool, table); err != nil {
			return nil, err
		}
	}

	return &Store[S, C, E]{
		pool:       b.pool,
		name:       b.name,
		table:      table,
		schema:     b.schema,
		cfg:        cfg,
		txHandlers: b.txHandlers,
		handlers:   b.handlers,
		bus:        b.bus,
	}, nil
}
