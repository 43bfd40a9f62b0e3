package intake

import (
	"context"

	"github.com/pms-org/pms-validation/internal/domain/trade"
)

// AckFunc signals the transport that every record of a poll is durably
// processed. It must be invoked only after the decisions are committed.
type AckFunc func(ctx context.Context) error

// PollBatch is the unit the buffer holds: the trades of one consumer poll,
// the deferred acknowledgment, and provenance metadata.
type PollBatch struct {
	Trades        []trade.Trade
	Topic         string
	Partition     int
	Offsets       []int64
	ConsumerGroup string

	ack AckFunc
}

func NewPollBatch(trades []trade.Trade, topic string, partition int, offsets []int64, group string, ack AckFunc) *PollBatch {
	return &PollBatch{
		Trades:        trades,
		Topic:         topic,
		Partition:     partition,
		Offsets:       offsets,
		ConsumerGroup: group,
		ack:           ack,
	}
}

func (b *PollBatch) Ack(ctx context.Context) error {
	if b.ack == nil {
		return nil
	}
	return b.ack(ctx)
}
