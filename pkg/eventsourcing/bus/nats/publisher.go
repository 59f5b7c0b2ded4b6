// Package nats is the reference EventBus implementation: it publishes
// committed events to a NATS subject per aggregate kind, JSON-encoded
// through the same EventSchema a Store uses to persist them.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	es "github.com/primait/eventsourcing-go/pkg/eventsourcing"
)

// wireEvent is the JSON envelope published to NATS: the StoreEvent fields
// plus the schema-encoded payload, since es.StoreEvent[E]'s Payload field is
// already-decoded domain data that a subscriber on a different service
// wouldn't know how to unmarshal into.
type wireEvent struct {
	ID             string          `json:"id"`
	AggregateID    string          `json:"aggregate_id"`
	SequenceNumber int32           `json:"sequence_number"`
	Version        *int32          `json:"version,omitempty"`
	OccurredOn     time.Time       `json:"occurred_on"`
	Payload        json.RawMessage `json:"payload"`
}

// Publisher publishes events for one aggregate kind to the subject
// "<prefix>.<aggregateName>".
type Publisher[E any] struct {
	conn    *nats.Conn
	subject string
	schema  es.EventSchema[E]
}

var _ es.EventBus[struct{}] = (*Publisher[struct{}])(nil)

// NewPublisher builds a Publisher for aggregateName, publishing to
// "<subjectPrefix>.<aggregateName>" on conn.
func NewPublisher[E any](conn *nats.Conn, subjectPrefix, aggregateName string, schema es.EventSchema[E]) *Publisher[E] {
	return &Publisher[E]{
		conn:    conn,
		subject: fmt.Sprintf("%s.%s", subjectPrefix, aggregateName),
		schema:  schema,
	}
}

// Publish encodes evt through the schema and publishes it to the
// Publisher's subject with a core NATS publish, which is fire-and-forget:
// Publish waits for no acknowledgement, so a nil error does not mean any
// subscriber received the message.
func (p *Publisher[E]) Publish(ctx context.Context, evt es.StoreEvent[E]) error {
	payload, _, err := p.schema.FromEvent(evt.Payload)
	if err != nil {
		return es.NewDecodeError("publish", evt.AggregateID, err)
	}

	wire := wireEvent{
		ID:             evt.ID.String(),
		AggregateID:    evt.AggregateID.String(),
		SequenceNumber: evt.SequenceNumber,
		Version:        evt.Version,
		OccurredOn:     evt.OccurredOn,
		Payload:        payload,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return es.NewDecodeError("publish", evt.AggregateID, err)
	}

	return p.conn.Publish(p.subject, data)
}
