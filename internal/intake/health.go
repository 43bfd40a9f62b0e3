package intake

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks storage liveness with a trivial read.
type Prober interface {
	Ping(ctx context.Context) error
}

// HealthMonitor is the single-flight storage recovery daemon: while the
// controller is recovering it probes storage on a fixed delay, and on the
// first successful probe fires onRecovered and cancels itself. Concurrent
// Start calls never spawn a second probe loop.
type HealthMonitor struct {
	prober      Prober
	interval    time.Duration
	onRecovered func()

	mu      sync.Mutex
	running bool
}

func NewHealthMonitor(prober Prober, interval time.Duration, onRecovered func()) *HealthMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthMonitor{
		prober:      prober,
		interval:    interval,
		onRecovered: onRecovered,
	}
}

// Start launches the probe loop unless one is already in flight.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	slog.Warn("starting storage recovery probe daemon", "interval", m.interval)
	go m.loop(ctx)
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.interval)
			err := m.prober.Ping(probeCtx)
			cancel()

			if err != nil {
				slog.Warn("storage still down, retrying", "error", err)
				continue
			}

			slog.Info("storage is back, resuming consumption")
			m.onRecovered()
			return
		}
	}
}

// Running reports whether a probe loop is currently in flight.
func (m *HealthMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
