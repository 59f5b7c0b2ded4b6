// Package eventsourcing is the backend-agnostic core of this module: the
// Aggregate contract, the AggregateState cell folded from stored events,
// the typed error hierarchy, and the Store/handler/bus interfaces a
// concrete backend implements. See the postgres subpackage for the
// reference PostgreSQL-backed Store, the rebuild subpackage for replay
// strategies, and bus/nats for the reference EventBus.
package eventsourcing
