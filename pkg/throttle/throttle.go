// Package throttle applies backpressure to the decode side of a run when
// resident memory crosses the configured high-water mark. The reader blocks
// on the gate; the dispatcher keeps draining, so memory falls until the
// low-water mark reopens the gate.
package throttle

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

const sampleInterval = 250 * time.Millisecond

// Gate is a pausable barrier. It starts open.
type Gate struct {
	mu     sync.Mutex
	resume chan struct{} // closed while the gate is open
}

func NewGate() *Gate {
	g := &Gate{resume: make(chan struct{})}
	close(g.resume)
	return g
}

// Wait blocks while the gate is paused.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resume
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause closes the gate. Idempotent.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.resume:
		g.resume = make(chan struct{})
	default:
	}
}

// Resume opens the gate. Idempotent.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.resume:
	default:
		close(g.resume)
	}
}

// Paused reports the gate's current position.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.resume:
		return false
	default:
		return true
	}
}

// Monitor samples the process's resident set on a fixed cadence, feeding
// every sample into job state. When watermarks are configured it also
// drives the gate with hysteresis: pause above the high-water mark, resume
// below the low-water mark.
type Monitor struct {
	gate        *Gate
	st          *job.State
	pauseBytes  int64
	resumeBytes int64
	log         zerolog.Logger

	// sample is the RSS source, swapped out in tests.
	sample func() (int64, error)
}

// NewMonitor builds the sampler. Without a configured pause threshold the
// gate is never driven and the run stays ungated, but sampling still runs.
func NewMonitor(o *config.Options, st *job.State, g *Gate) *Monitor {
	m := &Monitor{
		gate:        g,
		st:          st,
		pauseBytes:  int64(o.ThrottlePauseMB) << 20,
		resumeBytes: int64(o.ThrottleResumeMB) << 20,
		log:         st.Log.With().Str("component", "throttle").Logger(),
	}
	m.sample = processRSS
	return m
}

// Run loops until the context is cancelled. Call it on its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	defer m.gate.Resume() // never leave the reader parked after shutdown
	// Runs shorter than one tick still get a sample.
	m.step()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.step()
		}
	}
}

func (m *Monitor) step() {
	rss, err := m.sample()
	if err != nil {
		m.log.Debug().Err(err).Msg("memory sample failed")
		return
	}
	m.st.RecordMemSample(rss)
	if m.pauseBytes <= 0 {
		return
	}
	switch {
	case rss > m.pauseBytes && !m.gate.Paused():
		m.gate.Pause()
		m.log.Warn().Int64("rss", rss).Int64("limit", m.pauseBytes).Msg("memory high-water mark reached, pausing reader")
	case rss < m.resumeBytes && m.gate.Paused():
		m.gate.Resume()
		m.log.Info().Int64("rss", rss).Msg("memory recovered, resuming reader")
	}
}

func processRSS() (int64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return int64(mi.RSS), nil
}
