package intake

import "sync"

// Buffer is the bounded intake deque. "Bounded" is advisory: Offer always
// succeeds, and occupancy beyond the nominal capacity is the signal the
// controller uses to pause the source; the buffer itself never blocks
// producers. Concurrent Offer, single-consumer Poll/Peek.
type Buffer struct {
	mu       sync.Mutex
	items    []*PollBatch
	capacity int
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Offer appends a poll to the tail. Never blocks, never rejects.
func (b *Buffer) Offer(batch *PollBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, batch)
}

// PollFront removes and returns the head poll, or nil when empty.
func (b *Buffer) PollFront() *PollBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	head := b.items[0]
	b.items = b.items[1:]
	return head
}

// PeekFront returns the head poll without removing it, or nil when empty.
func (b *Buffer) PeekFront() *PollBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	return b.items[0]
}

// Restore pushes polls back onto the head in their original relative order,
// so a failed flush replays them exactly as they were dequeued.
func (b *Buffer) Restore(polls []*PollBatch) {
	if len(polls) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	restored := make([]*PollBatch, 0, len(polls)+len(b.items))
	restored = append(restored, polls...)
	restored = append(restored, b.items...)
	b.items = restored
}

// Len returns the number of buffered polls.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// TradeCount returns the total number of trades across all buffered polls.
func (b *Buffer) TradeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, poll := range b.items {
		total += len(poll.Trades)
	}
	return total
}

// Capacity is the configured nominal capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}
