package throttle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

func TestGateStartsOpen(t *testing.T) {
	g := NewGate()
	assert.False(t, g.Paused())
	require.NoError(t, g.Wait(context.Background()))
}

func TestGatePauseBlocksWait(t *testing.T) {
	g := NewGate()
	g.Pause()
	assert.True(t, g.Paused())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	g.Resume()
	require.NoError(t, g.Wait(context.Background()))
}

func TestGateIdempotent(t *testing.T) {
	g := NewGate()
	g.Pause()
	g.Pause()
	g.Resume()
	g.Resume()
	assert.False(t, g.Paused())
}

func TestGateReleasesAllWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)
	g := NewGate()
	g.Pause()

	var released atomic.Int64
	for i := 0; i < 5; i++ {
		go func() {
			if g.Wait(context.Background()) == nil {
				released.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), released.Load())

	g.Resume()
	assert.Eventually(t, func() bool { return released.Load() == 5 }, time.Second, 5*time.Millisecond)
}

func TestMonitorSamplesWithoutThresholds(t *testing.T) {
	o := &config.Options{RecordType: "event", Token: "T"}
	require.NoError(t, o.Validate())
	st := job.New(o, zerolog.Nop())
	g := NewGate()
	m := NewMonitor(o, st, g)

	m.sample = func() (int64, error) { return 900 << 20, nil }
	m.step()

	// Samples land in job state; the gate never moves without watermarks.
	assert.Equal(t, int64(900<<20), st.LastMemSample())
	assert.False(t, g.Paused())
}

func TestMonitorHysteresis(t *testing.T) {
	o := &config.Options{RecordType: "event", Token: "T", ThrottlePauseMB: 100, ThrottleResumeMB: 50}
	require.NoError(t, o.Validate())
	st := job.New(o, zerolog.Nop())
	g := NewGate()
	m := NewMonitor(o, st, g)
	require.NotNil(t, m)

	var rss atomic.Int64
	m.sample = func() (int64, error) { return rss.Load(), nil }

	rss.Store(120 << 20)
	m.step()
	assert.True(t, g.Paused())

	// Between the marks nothing changes.
	rss.Store(70 << 20)
	m.step()
	assert.True(t, g.Paused())

	rss.Store(40 << 20)
	m.step()
	assert.False(t, g.Paused())

	// Back up again.
	rss.Store(130 << 20)
	m.step()
	assert.True(t, g.Paused())

	assert.Equal(t, int64(130<<20), st.LastMemSample())
}

func TestMonitorRunResumesOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	o := &config.Options{RecordType: "event", Token: "T", ThrottlePauseMB: 100, ThrottleResumeMB: 50}
	require.NoError(t, o.Validate())
	st := job.New(o, zerolog.Nop())
	g := NewGate()
	m := NewMonitor(o, st, g)
	m.sample = func() (int64, error) { return 500 << 20, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, g.Paused, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.False(t, g.Paused())
}
