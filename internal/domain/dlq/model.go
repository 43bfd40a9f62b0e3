package dlq

import (
	"context"
	"time"
)

// Entry is the durable record of a payload that can never be dispatched
// successfully. Append-only.
type Entry struct {
	ID          int64
	Payload     []byte
	ErrorDetail string
	CreatedAt   time.Time
}

type Repository interface {
	Create(ctx context.Context, entry *Entry) error
}
