package postgres

import (
	"context"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	es "github.com/primait/eventsourcing-go/pkg/eventsourcing"
)

// advisoryLock holds a session-scoped PostgreSQL advisory lock on one
// dedicated pooled connection. The lock lives with the connection, not the
// transaction, so it is acquired with pg_advisory_lock (not the _xact
// variant) and released explicitly by Close — not by a commit or rollback.
type advisoryLock struct {
	conn *pgxpool.Conn
	key  int64
}

var _ es.LockGuard = (*advisoryLock)(nil)

// lockKey folds an aggregate kind and instance id into the single bigint
// pg_advisory_lock takes. FNV-1a keeps this deterministic and collision-rare
// without pulling in a second hashing dependency beyond the standard
// library.
func lockKey(aggregateName string, id uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(aggregateName))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write(id[:])
	return int64(h.Sum64())
}

// acquireLock checks out a dedicated connection from pool and blocks until
// it holds the advisory lock for (aggregateName, id).
func acquireLock(ctx context.Context, pool *pgxpool.Pool, aggregateName string, id uuid.UUID) (*advisoryLock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, es.NewBackendError("lock", err)
	}

	key := lockKey(aggregateName, id)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Release()
		return nil, es.NewBackendError("lock", err)
	}

	return &advisoryLock{conn: conn, key: key}, nil
}

// Close releases the advisory lock and returns the connection to the pool.
// Idempotent: a second Close on an already-released guard is a no-op.
func (l *advisoryLock) Close(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
	if err != nil {
		return es.NewBackendError("unlock", err)
	}
	return nil
}
