package intake

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pms-org/pms-validation/internal/domain/trade"
)

// MessageReader is the kafka consumer surface the source needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// CorruptHandler is invoked for records whose payload cannot be decoded; such
// records are skipped so a malformed message never wedges a partition.
type CorruptHandler func(ctx context.Context, msg kafka.Message, err error)

// KafkaSource turns a kafka reader into a pausable PollBatch source. One
// ReadBatch call corresponds to one consumer poll: it blocks for the first
// record and then collects more within a short window. Pause blocks the next
// ReadBatch before it fetches; in-flight fetches are not interrupted.
type KafkaSource struct {
	reader     MessageReader
	group      string
	window     time.Duration
	maxRecords int
	onCorrupt  CorruptHandler

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

func NewKafkaSource(reader MessageReader, group string, window time.Duration, maxRecords int, onCorrupt CorruptHandler) *KafkaSource {
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	if maxRecords <= 0 {
		maxRecords = 100
	}
	return &KafkaSource{
		reader:     reader,
		group:      group,
		window:     window,
		maxRecords: maxRecords,
		onCorrupt:  onCorrupt,
	}
}

func (s *KafkaSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.resumeCh = make(chan struct{})
	}
}

func (s *KafkaSource) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		close(s.resumeCh)
	}
}

func (s *KafkaSource) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *KafkaSource) waitResumed(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.paused {
			s.mu.Unlock()
			return ctx.Err()
		}
		ch := s.resumeCh
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// ReadBatch blocks for the first record, coalesces more within the poll
// window, and returns them as one PollBatch whose ack commits every collected
// offset. Returns ctx.Err on cancellation.
func (s *KafkaSource) ReadBatch(ctx context.Context) (*PollBatch, error) {
	if err := s.waitResumed(ctx); err != nil {
		return nil, err
	}

	first, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	msgs := []kafka.Message{first}
	deadline := time.Now().Add(s.window)
	for len(msgs) < s.maxRecords {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		fetchCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := s.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			// window elapsed or ctx cancelled; ship what we have
			break
		}
		msgs = append(msgs, msg)
	}

	trades := make([]trade.Trade, 0, len(msgs))
	offsets := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		offsets = append(offsets, msg.Offset)

		var t trade.Trade
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			slog.Error("undecodable trade record, skipping",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			if s.onCorrupt != nil {
				s.onCorrupt(ctx, msg, err)
			}
			continue
		}
		trades = append(trades, t)
	}

	batch := NewPollBatch(trades, first.Topic, first.Partition, offsets, s.group,
		func(ackCtx context.Context) error {
			return s.reader.CommitMessages(ackCtx, msgs...)
		})

	return batch, nil
}
