// Package job owns the run-scoped aggregate: counters, bounded response and
// sample buffers, and the progress fan-out. A State is created per run and
// never shared across runs.
package job

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evtstream/mixetl/pkg/config"
)

const (
	// Caps on the abridged bad-record collection: distinct error messages,
	// and record samples retained per message. Eviction is FIFO.
	MaxBadRecordMessages   = 500
	MaxBadRecordsPerMsg    = 10
	batchLenRingSize       = 1000
	memSampleRingSize      = 500
	minProgressInterval    = 100 * time.Millisecond
	verboseResponsesBuffer = 5000
)

// State is the run-scoped aggregate. Counters are updated via atomic
// increments from every pipeline stage; the buffers are guarded by one
// short-critical-section lock each.
type State struct {
	Opts  *config.Options
	RunID string
	Log   zerolog.Logger

	start time.Time
	end   atomic.Int64 // unix nanos, 0 while running

	Processed    atomic.Int64
	Success      atomic.Int64
	Failed       atomic.Int64
	Retries      atomic.Int64
	Batches      atomic.Int64
	Requests     atomic.Int64
	RateLimited  atomic.Int64
	ServerErrors atomic.Int64
	ClientErrors atomic.Int64
	Empty        atomic.Int64
	Duplicates   atomic.Int64
	OutOfBounds  atomic.Int64
	AllowSkipped atomic.Int64
	DenySkipped  atomic.Int64
	Unparsable   atomic.Int64
	Oversize     atomic.Int64
	Bytes        atomic.Int64

	mu        sync.Mutex
	batchLens *intRing
	memRing   *intRing
	responses *ResponsesBuffer
	srcErrs   []string
	partial   bool

	progressMu   sync.Mutex
	lastProgress time.Time
}

// New constructs a fresh State for a validated set of options.
func New(o *config.Options, log zerolog.Logger) *State {
	return &State{
		Opts:      o,
		RunID:     uuid.NewString(),
		Log:       log,
		start:     time.Now(),
		batchLens: newIntRing(batchLenRingSize),
		memRing:   newIntRing(memSampleRingSize),
		responses: NewResponsesBuffer(o.Abridged),
	}
}

// RecordBatch notes an emitted batch's length for the summary statistics.
func (s *State) RecordBatch(n int) {
	s.Batches.Add(1)
	s.mu.Lock()
	s.batchLens.push(int64(n))
	s.mu.Unlock()
}

// RecordMemSample appends a resident-memory sample to the bounded ring.
func (s *State) RecordMemSample(bytes int64) {
	s.mu.Lock()
	s.memRing.push(bytes)
	s.mu.Unlock()
}

// LastMemSample returns the most recent memory sample, or 0.
func (s *State) LastMemSample() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memRing.last()
}

// Store records a per-request outcome from the dispatcher.
func (s *State) Store(resp map[string]any, success bool) {
	s.mu.Lock()
	s.responses.Add(resp, success)
	s.mu.Unlock()
}

// StoreBadRecords records per-record failure messages from a terminally
// failed batch.
func (s *State) StoreBadRecords(message string, records []any) {
	s.mu.Lock()
	s.responses.AddBad(message, records)
	s.mu.Unlock()
}

// SourceError surfaces a per-source failure without terminating the run.
func (s *State) SourceError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.srcErrs = append(s.srcErrs, err.Error())
	s.mu.Unlock()
}

// MarkPartial flags the summary as produced from a cancelled run.
func (s *State) MarkPartial() {
	s.mu.Lock()
	s.partial = true
	s.mu.Unlock()
}

// Progress invokes the caller's progress callback, at most once per call and
// no more often than the bounded cadence allows. The callback runs on its
// own goroutine; the engine never awaits it.
func (s *State) Progress() {
	cb := s.Opts.OnProgress
	if cb == nil {
		return
	}
	s.progressMu.Lock()
	if time.Since(s.lastProgress) < minProgressInterval {
		s.progressMu.Unlock()
		return
	}
	s.lastProgress = time.Now()
	s.progressMu.Unlock()

	snap := config.Progress{
		Kind:           string(s.Opts.Kind()),
		Processed:      s.Processed.Load(),
		Requests:       s.Requests.Load(),
		EPS:            s.eps(),
		MemoryBytes:    s.LastMemSample(),
		BytesProcessed: s.Bytes.Load(),
	}
	go cb(snap)
}

func (s *State) eps() float64 {
	elapsed := time.Since(s.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Processed.Load()) / elapsed
}

// Duration returns elapsed wall time, frozen once Finish has run.
func (s *State) Duration() time.Duration {
	if end := s.end.Load(); end != 0 {
		return time.Unix(0, end).Sub(s.start)
	}
	return time.Since(s.start)
}

// intRing is a fixed-capacity append-only ring of int64 samples.
type intRing struct {
	buf  []int64
	next int
	full bool
}

func newIntRing(n int) *intRing {
	return &intRing{buf: make([]int64, n)}
}

func (r *intRing) push(v int64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *intRing) last() int64 {
	if r.next == 0 {
		if !r.full {
			return 0
		}
		return r.buf[len(r.buf)-1]
	}
	return r.buf[r.next-1]
}

func (r *intRing) values() []int64 {
	if !r.full {
		out := make([]int64, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]int64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *intRing) avg() float64 {
	vals := r.values()
	if len(vals) == 0 {
		return 0
	}
	var sum int64
	for _, v := range vals {
		sum += v
	}
	return float64(sum) / float64(len(vals))
}
