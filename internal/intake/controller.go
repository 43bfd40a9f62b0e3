package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pms-org/pms-validation/internal/domain/trade"
	"github.com/pms-org/pms-validation/internal/infrastructure/postgres"
)

var (
	tradesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_trades_flushed_total",
		Help: "The total number of trades handed to the batch persister",
	})
	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intake_flush_duration_seconds",
		Help:    "Time taken by one flush cycle",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
	})
	bufferTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intake_buffer_trades",
		Help: "Trades currently held in the intake buffer",
	})
	consumerPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_consumer_pauses_total",
		Help: "The number of times the upstream consumer was paused",
	})
	consumerResumes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_consumer_resumes_total",
		Help: "The number of times the upstream consumer was resumed",
	})
)

// Source is the pausable upstream the controller applies backpressure to.
type Source interface {
	Pause()
	Resume()
}

// Persister commits a batch of trades in one transaction.
type Persister interface {
	PersistBatch(ctx context.Context, trades []trade.Trade) error
}

type ControllerConfig struct {
	// BatchSize is the flush trigger threshold and the per-flush trade cap.
	// A flush never splits a poll, so a single oversized poll may push the
	// batch past this value.
	BatchSize     int
	FlushInterval time.Duration
}

type controllerState int

const (
	stateNormal controllerState = iota
	stateRecovering
)

// Controller drains the intake buffer on a size threshold or a fixed timer,
// delegates to the batch persister, and pauses/resumes the upstream source
// based on buffer occupancy and storage health.
type Controller struct {
	buffer    *Buffer
	persister Persister
	source    Source
	monitor   *HealthMonitor
	cfg       ControllerConfig

	// mu guards the Normal/Recovering state machine.
	mu    sync.Mutex
	state controllerState

	// flushMu makes FlushBatch mutually exclusive; flushSlot is the
	// single-slot async executor for threshold-triggered flushes.
	flushMu   sync.Mutex
	flushSlot chan struct{}

	stopTimer chan struct{}
	timerDone chan struct{}
}

func NewController(buffer *Buffer, persister Persister, source Source, prober Prober, recoveryInterval time.Duration, cfg ControllerConfig) *Controller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}

	c := &Controller{
		buffer:    buffer,
		persister: persister,
		source:    source,
		cfg:       cfg,
		flushSlot: make(chan struct{}, 1),
		stopTimer: make(chan struct{}),
		timerDone: make(chan struct{}),
	}
	c.monitor = NewHealthMonitor(prober, recoveryInterval, c.recovered)
	return c
}

// Offer enqueues a poll. Never blocks.
func (c *Controller) Offer(batch *PollBatch) {
	c.buffer.Offer(batch)
	bufferTrades.Set(float64(c.buffer.TradeCount()))
}

// CheckAndFlush pauses the source when buffer occupancy crosses the nominal
// capacity, then schedules an asynchronous drain when the poll count reaches
// the batch threshold. The pause check runs first so saturation stops intake
// before any further work is queued.
func (c *Controller) CheckAndFlush(ctx context.Context) {
	if c.buffer.TradeCount() >= c.buffer.Capacity() {
		slog.Warn("intake buffer saturated, pausing consumer", "trades", c.buffer.TradeCount())
		c.pauseSource(ctx, false)
	}

	if c.buffer.Len() < c.cfg.BatchSize {
		return
	}

	select {
	case c.flushSlot <- struct{}{}:
		go func() {
			defer func() { <-c.flushSlot }()
			if err := c.FlushBatch(ctx); err != nil {
				c.failClosed(ctx, err)
			}
		}()
	default:
		// a flush is already queued or running
	}
}

// FlushBatch drains the buffer head into one persistence transaction. At most
// one flush executes at a time. On failure every dequeued poll is restored to
// the buffer head in original order; storage-unavailability additionally
// pauses the source and starts the recovery probe.
func (c *Controller) FlushBatch(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if c.buffer.Len() == 0 {
		return nil
	}

	var polls []*PollBatch
	var trades []trade.Trade
	count := 0

	for count < c.cfg.BatchSize {
		next := c.buffer.PeekFront()
		if next == nil {
			break
		}
		// Never split a poll across two flushes: stop early instead, unless
		// this poll would be the only one in the batch.
		if count+len(next.Trades) > c.cfg.BatchSize && len(polls) > 0 {
			break
		}
		poll := c.buffer.PollFront()
		if poll == nil {
			break
		}
		polls = append(polls, poll)
		trades = append(trades, poll.Trades...)
		count += len(poll.Trades)
	}

	if len(polls) == 0 {
		return nil
	}

	started := time.Now()
	err := c.persister.PersistBatch(ctx, trades)
	if err == nil {
		flushDuration.Observe(time.Since(started).Seconds())
		tradesFlushed.Add(float64(len(trades)))

		for _, poll := range polls {
			if ackErr := poll.Ack(ctx); ackErr != nil {
				slog.Warn("failed to acknowledge poll", "topic", poll.Topic, "partition", poll.Partition, "error", ackErr)
			}
		}

		remaining := c.buffer.TradeCount()
		bufferTrades.Set(float64(remaining))
		slog.Info("flushed trades", "count", len(trades), "remaining", remaining)

		c.maybeResume()
		return nil
	}

	// Restore everything we dequeued so no unacknowledged poll is lost,
	// regardless of the failure class.
	c.buffer.Restore(polls)
	bufferTrades.Set(float64(c.buffer.TradeCount()))

	if postgres.IsUnavailable(err) {
		slog.Error("storage unavailable, pausing consumer and replaying buffer", "error", err)
		c.pauseSource(ctx, true)
		return fmt.Errorf("flush batch: %w", err)
	}

	slog.Error("flush batch failed", "error", err)
	return fmt.Errorf("flush batch: %w", err)
}

// failClosed pauses the source after a non-storage flush failure. Favors no
// silent data loss over availability; an operator or the recovery path
// resumes consumption.
func (c *Controller) failClosed(ctx context.Context, err error) {
	if postgres.IsUnavailable(err) {
		// pauseSource already ran inside FlushBatch
		return
	}
	slog.Error("pausing consumer after flush failure", "error", err)
	c.pauseSource(ctx, false)
}

func (c *Controller) pauseSource(ctx context.Context, startDaemon bool) {
	c.mu.Lock()
	if c.state == stateRecovering {
		c.mu.Unlock()
		return
	}
	c.state = stateRecovering
	c.mu.Unlock()

	c.source.Pause()
	consumerPauses.Inc()
	slog.Warn("consumer paused")

	if startDaemon {
		c.monitor.Start(ctx)
	}
}

// maybeResume resumes the source once recovering and the buffer has drained
// to half of its nominal capacity.
func (c *Controller) maybeResume() {
	c.mu.Lock()
	if c.state != stateRecovering || c.buffer.TradeCount() > c.buffer.Capacity()/2 {
		c.mu.Unlock()
		return
	}
	c.state = stateNormal
	c.mu.Unlock()

	c.source.Resume()
	consumerResumes.Inc()
	slog.Info("buffer drained below watermark, consumer resumed", "polls", c.buffer.Len())
}

// recovered is the health monitor callback: storage is reachable again.
func (c *Controller) recovered() {
	c.mu.Lock()
	c.state = stateNormal
	c.mu.Unlock()

	c.source.Resume()
	consumerResumes.Inc()
}

// Recovering reports whether the controller is in the recovering state.
func (c *Controller) Recovering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRecovering
}

// Start launches the time-based flush loop, bounding worst-case latency for
// low-traffic periods.
func (c *Controller) Start(ctx context.Context) {
	slog.Info("backpressure controller starting", "flush_interval", c.cfg.FlushInterval)
	go func() {
		defer close(c.timerDone)
		ticker := time.NewTicker(c.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopTimer:
				return
			case <-ticker.C:
				if err := c.FlushBatch(ctx); err != nil {
					c.failClosed(ctx, err)
				}
			}
		}
	}()
}

// Stop halts the timer loop and performs one best-effort final flush, or
// returns early when ctx is cancelled.
func (c *Controller) Stop(ctx context.Context) error {
	close(c.stopTimer)

	select {
	case <-c.timerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		if c.buffer.Len() == 0 {
			done <- nil
			return
		}
		done <- c.FlushBatch(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("final flush: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
