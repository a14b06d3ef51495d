// Package events publishes execution events to downstream consumers.
// Events are emitted after the ledger and fills are persisted; a publish
// failure never rolls back an execution.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type names an event. It is also the last subject token on NATS.
type Type string

const (
	DepositCredited    Type = "deposit.credited"
	InvestmentExecuted Type = "investment.executed"
	QueueEnqueued      Type = "queue.enqueued"
	QueueExpired       Type = "queue.expired"
	BatchExecuted      Type = "batch.executed"
)

// Event is the envelope for every published message.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	Owner        string    `json:"owner,omitempty"`
	PlanID       uint64    `json:"plan_id,omitempty"`
	InvestmentID uint64    `json:"investment_id,omitempty"`
	QueueID      uint64    `json:"queue_id,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// New stamps an event with a fresh id and the current time.
func New(t Type, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
