package intake

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	failures int32
	probes   int32
}

func (p *scriptedProber) Ping(context.Context) error {
	n := atomic.AddInt32(&p.probes, 1)
	if n <= atomic.LoadInt32(&p.failures) {
		return errors.New("storage down")
	}
	return nil
}

func TestHealthMonitorFiresCallbackOnFirstSuccess(t *testing.T) {
	prober := &scriptedProber{failures: 2}
	recovered := make(chan struct{})

	m := NewHealthMonitor(prober, 5*time.Millisecond, func() { close(recovered) })
	m.Start(context.Background())

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never reported recovery")
	}

	require.Eventually(t, func() bool { return !m.Running() }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&prober.probes))
}

func TestHealthMonitorStartIsSingleFlight(t *testing.T) {
	prober := &scriptedProber{failures: 1 << 20}
	var fired atomic.Int32

	m := NewHealthMonitor(prober, time.Hour, func() { fired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for range 5 {
		m.Start(ctx)
	}
	assert.True(t, m.Running())

	cancel()
	require.Eventually(t, func() bool { return !m.Running() }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())
}

func TestHealthMonitorStopsWhenContextCancelled(t *testing.T) {
	prober := &scriptedProber{failures: 1 << 20}
	ctx, cancel := context.WithCancel(context.Background())

	m := NewHealthMonitor(prober, time.Millisecond, func() { t.Error("unexpected recovery") })
	m.Start(ctx)
	cancel()

	require.Eventually(t, func() bool { return !m.Running() }, time.Second, 5*time.Millisecond)
}
