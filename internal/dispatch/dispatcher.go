package dispatch

import (
	"context"
	"log/slog"
	"time"
)

type DispatcherConfig struct {
	Name         string
	EmptySleep   time.Duration
	FailureSleep time.Duration
	PanicSleep   time.Duration
}

// Dispatcher supervises one processor in an unbounded loop: it re-runs
// DispatchOnce immediately while there is work, backs off after empty cycles
// and failures, and terminates only when ctx is cancelled.
type Dispatcher struct {
	cfg   DispatcherConfig
	proc  *Processor
	sizer *Sizer
}

func NewDispatcher(cfg DispatcherConfig, proc *Processor, sizer *Sizer) *Dispatcher {
	if cfg.EmptySleep <= 0 {
		cfg.EmptySleep = 5 * time.Second
	}
	if cfg.FailureSleep <= 0 {
		cfg.FailureSleep = 2 * time.Second
	}
	if cfg.PanicSleep <= 0 {
		cfg.PanicSleep = 1 * time.Second
	}
	return &Dispatcher{cfg: cfg, proc: proc, sizer: sizer}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("outbox dispatcher started", "dispatcher", d.cfg.Name)

	for {
		if ctx.Err() != nil {
			slog.Info("outbox dispatcher stopped", "dispatcher", d.cfg.Name)
			return nil
		}

		result, err := d.runCycle(ctx)

		switch {
		case err == errCyclePanic:
			if !d.sleep(ctx, d.cfg.PanicSleep) {
				return nil
			}
		case err != nil || result.SystemFailure:
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				slog.Error("dispatch cycle failed", "dispatcher", d.cfg.Name, "error", err)
			}
			d.sizer.Reset()
			if !d.sleep(ctx, d.cfg.FailureSleep) {
				return nil
			}
		case result.Empty():
			if !d.sleep(ctx, d.cfg.EmptySleep) {
				return nil
			}
		default:
			// work was done; loop immediately
		}
	}
}

var errCyclePanic = &panicError{}

type panicError struct{}

func (*panicError) Error() string { return "dispatch cycle panicked" }

// runCycle isolates a panicking cycle so one bad row cannot kill the loop.
func (d *Dispatcher) runCycle(ctx context.Context) (result CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch cycle panic", "dispatcher", d.cfg.Name, "panic", r)
			result = CycleResult{}
			err = errCyclePanic
		}
	}()
	return d.proc.DispatchOnce(ctx)
}

func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
