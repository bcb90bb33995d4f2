// Package mailqueue defers ingestion of verified webhook events to background workers.
package mailqueue

import (
	"context"
	"errors"
	"time"

	"github.com/onetool-io/mailingest/internal/models"
)

// ErrEmpty is returned by Dequeue when nothing arrived within the block timeout.
var ErrEmpty = errors.New("queue empty")

// Item is one queued inbound event.
type Item struct {
	Event      models.InboundEvent `json:"event"`
	RequestID  string              `json:"requestId,omitempty"`
	Attempts   int                 `json:"attempts"`
	EnqueuedAt time.Time           `json:"enqueuedAt"`
}

// Queue defines the interface for event queues.
type Queue interface {
	// Enqueue appends an item to the tail of the queue.
	Enqueue(ctx context.Context, item *Item) error

	// Dequeue waits up to block for the head item. It returns ErrEmpty on timeout.
	Dequeue(ctx context.Context, block time.Duration) (*Item, error)
}
