package job_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

func newState(t *testing.T, mutate func(*config.Options)) *job.State {
	t.Helper()
	o := &config.Options{RecordType: "event", Token: "T"}
	if mutate != nil {
		mutate(o)
	}
	require.NoError(t, o.Validate())
	return job.New(o, zerolog.Nop())
}

func TestCountersSumInvariant(t *testing.T) {
	s := newState(t, nil)

	// processed = success + failed + empty + duplicates + outOfBounds +
	// whiteListSkipped + blackListSkipped + unparsable
	s.Success.Add(50)
	s.Failed.Add(10)
	s.Empty.Add(5)
	s.Duplicates.Add(3)
	s.OutOfBounds.Add(2)
	s.AllowSkipped.Add(1)
	s.DenySkipped.Add(4)
	s.Unparsable.Add(6)
	s.Processed.Add(81)

	sum := s.Finish()
	assert.Equal(t, sum.Processed, sum.Success+sum.Failed+sum.Empty+sum.Duplicates+
		sum.OutOfBounds+sum.AllowSkipped+sum.DenySkipped+sum.Unparsable)
}

func TestSummaryRates(t *testing.T) {
	s := newState(t, nil)
	s.Processed.Add(1000)
	s.Requests.Add(10)
	s.Bytes.Add(2 * 1024 * 1024)
	s.RecordBatch(100)
	s.RecordBatch(200)

	sum := s.Finish()
	assert.Greater(t, sum.EPS, 0.0)
	assert.Greater(t, sum.RPS, 0.0)
	assert.Greater(t, sum.MiBPerSec, 0.0)
	assert.Equal(t, 150.0, sum.AvgBatchLength)
	assert.Equal(t, int64(2), sum.Batches)
}

func TestVerboseResponses(t *testing.T) {
	s := newState(t, nil)
	s.Store(map[string]any{"status": "OK", "num_records_imported": 5}, true)
	s.Store(map[string]any{"error": "bad token"}, false)

	sum := s.Finish()
	require.Len(t, sum.Responses, 2)
	assert.Nil(t, sum.Errors)
}

func TestAbridgedResponses(t *testing.T) {
	s := newState(t, func(o *config.Options) { o.Abridged = true; o.KeepBadRecords = true })
	s.Store(map[string]any{"error": "bad token"}, false)
	s.Store(map[string]any{"error": "bad token"}, false)
	s.Store(map[string]any{"status": "OK"}, true) // successes not retained when abridged
	s.StoreBadRecords("invalid time", []any{map[string]any{"event": "x"}})

	sum := s.Finish()
	assert.Nil(t, sum.Responses)
	assert.Equal(t, 2, sum.Errors["bad token"])
	assert.Equal(t, 1, sum.Errors["invalid time"])
	require.Len(t, sum.BadRecords["invalid time"], 1)
}

func TestBadRecordBufferCaps(t *testing.T) {
	b := job.NewResponsesBuffer(true)
	for i := 0; i < job.MaxBadRecordMessages+10; i++ {
		b.AddBad(fmt.Sprintf("message %d", i), nil)
	}
	assert.Len(t, b.ErrorCounts(), job.MaxBadRecordMessages)
	// Oldest messages evicted first.
	assert.NotContains(t, b.ErrorCounts(), "message 0")
	assert.Contains(t, b.ErrorCounts(), fmt.Sprintf("message %d", job.MaxBadRecordMessages+9))

	for i := 0; i < job.MaxBadRecordsPerMsg+5; i++ {
		b.AddBad("repeat", []any{i})
	}
	samples := b.ErrorSamples()["repeat"]
	require.Len(t, samples, job.MaxBadRecordsPerMsg)
	assert.Equal(t, 5, samples[0]) // FIFO eviction of the earliest samples
}

func TestProgressCadence(t *testing.T) {
	var mu sync.Mutex
	var calls []config.Progress
	s := newState(t, func(o *config.Options) {
		o.OnProgress = func(p config.Progress) {
			mu.Lock()
			calls = append(calls, p)
			mu.Unlock()
		}
	})

	s.Processed.Add(10)
	for i := 0; i < 50; i++ {
		s.Progress() // cadence-bounded: only the first lands
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(10), calls[0].Processed)
	assert.Equal(t, "event", calls[0].Kind)
}

func TestMarkPartial(t *testing.T) {
	s := newState(t, nil)
	s.MarkPartial()
	assert.True(t, s.Finish().Partial)
}

func TestMemRing(t *testing.T) {
	s := newState(t, nil)
	s.RecordMemSample(100)
	s.RecordMemSample(200)
	assert.Equal(t, int64(200), s.LastMemSample())
	assert.Equal(t, []int64{100, 200}, s.Finish().MemSamples)
}
