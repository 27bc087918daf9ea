package studio

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . EventStore,Persister,Sink

import (
	"context"

	"github.com/google/uuid"
)

// EventStore durably records appended change events. Append must return
// only once the event is durable; the coordinator broadcasts afterwards.
type EventStore interface {
	AppendEvent(ctx context.Context, event *ChangeEvent) error
	ListEvents(ctx context.Context, sessionID uuid.UUID, afterSequence int64, limit int) ([]*ChangeEvent, error)
}

// Persister receives reconciled document snapshots to save the agent
// definition.
type Persister interface {
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// Sink receives committed updates for out-of-process consumers. Delivery
// is best effort.
type Sink interface {
	Publish(ctx context.Context, agentID string, update Update) error
}
