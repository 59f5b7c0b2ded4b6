package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	es "github.com/primait/eventsourcing-go/pkg/eventsourcing"
)

// tallyState, tallyCommand, and tallyEvent are a minimal fixture aggregate —
// deliberately smaller than examples/counter — used only to exercise the
// store's transaction, concurrency, and handler plumbing in isolation.

type tallyState int32

type tallyCommand struct {
	Amount int32
}

type tallyEvent struct {
	Amount int32
}

type tallyAggregate struct{}

func (tallyAggregate) Name() string { return "tally" }

func (tallyAggregate) HandleCommand(_ tallyState, cmd tallyCommand) ([]tallyEvent, error) {
	return []tallyEvent{{Amount: cmd.Amount}}, nil
}

func (tallyAggregate) ApplyEvent(state tallyState, event tallyEvent) tallyState {
	return state + tallyState(event.Amount)
}

type tallySchema struct{}

func (tallySchema) CurrentVersion() int32 { return 1 }

func (tallySchema) FromEvent(e tallyEvent) (json.RawMessage, int32, error) {
	payload, err := json.Marshal(e)
	return payload, 1, err
}

func (tallySchema) ToEvent(_ *int32, payload json.RawMessage) (tallyEvent, bool, error) {
	var event tallyEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return tallyEvent{}, false, err
	}
	return event, true, nil
}

// recordingTxHandler records every event it sees and every id it's asked to
// delete; if failOn is set, Handle returns it instead of succeeding, so
// tests can assert the whole Persist transaction rolls back.
type recordingTxHandler struct {
	mu      sync.Mutex
	name    string
	failOn  error
	handled []es.StoreEvent[tallyEvent]
	deleted []uuid.UUID
}

func (h *recordingTxHandler) Name() string { return h.name }

func (h *recordingTxHandler) Handle(_ context.Context, _ any, evt es.StoreEvent[tallyEvent]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOn != nil {
		return h.failOn
	}
	h.handled = append(h.handled, evt)
	return nil
}

func (h *recordingTxHandler) Delete(_ context.Context, _ any, id uuid.UUID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, id)
	return nil
}

func (h *recordingTxHandler) seen() []es.StoreEvent[tallyEvent] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]es.StoreEvent[tallyEvent]{}, h.handled...)
}

// recordingHandler is a best-effort EventHandler that records every event
// Persist hands it.
type recordingHandler struct {
	mu      sync.Mutex
	name    string
	handled []es.StoreEvent[tallyEvent]
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(_ context.Context, evt es.StoreEvent[tallyEvent]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, evt)
}

func (h *recordingHandler) seen() []es.StoreEvent[tallyEvent] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]es.StoreEvent[tallyEvent]{}, h.handled...)
}

var errHandlerBoom = errors.New("handler boom")

// sagaHandler is a best-effort EventHandler that re-enters HandleCommand on
// the same aggregate the first time it sees an event carrying trigger,
// issuing follow as a new command. It only works if Persist has already
// released the aggregate's advisory lock before running EventHandlers — a
// handler still holding that lock would deadlock against its own
// HandleCommand call trying to re-acquire it.
type sagaHandler struct {
	mu       sync.Mutex
	manager  *es.Manager[tallyState, tallyCommand, tallyEvent]
	trigger  int32
	follow   int32
	reacted  bool
	reactErr error
}

func (h *sagaHandler) Name() string { return "saga" }

func (h *sagaHandler) Handle(ctx context.Context, evt es.StoreEvent[tallyEvent]) {
	h.mu.Lock()
	shouldReact := !h.reacted && evt.Payload.Amount == h.trigger
	if shouldReact {
		h.reacted = true
	}
	h.mu.Unlock()
	if !shouldReact {
		return
	}

	_, err := h.manager.HandleCommand(ctx, evt.AggregateID, tallyCommand{Amount: h.follow})
	h.mu.Lock()
	h.reactErr = err
	h.mu.Unlock()
}

func (h *sagaHandler) result() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reactErr
}
