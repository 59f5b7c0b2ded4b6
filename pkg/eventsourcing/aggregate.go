package eventsourcing

// Aggregate is the pure contract implemented by a domain model: zero I/O,
// deterministic, replayable from the zero value of S. The core never
// mutates S directly; it only ever calls HandleCommand and ApplyEvent,
// through a Manager.
type Aggregate[S any, C any, E any] interface {
	// Name is a unique, static identifier for this aggregate kind. It forms
	// the "<name>_events" table name and the advisory-lock namespace, so it
	// must not change once events have been persisted under it.
	Name() string

	// HandleCommand validates cmd against state and returns the events it
	// produces, or a domain error. Must not perform I/O.
	HandleCommand(state S, cmd C) ([]E, error)

	// ApplyEvent folds a single event into state, producing the next state.
	// Must be total over every event variant this aggregate ever emits.
	ApplyEvent(state S, event E) S
}
