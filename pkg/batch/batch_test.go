package batch_test

import (
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtstream/mixetl/pkg/batch"
	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
	"github.com/evtstream/mixetl/pkg/record"
)

func newState(t *testing.T) *job.State {
	t.Helper()
	o := &config.Options{RecordType: "event", Token: "T"}
	require.NoError(t, o.Validate())
	return job.New(o, zerolog.Nop())
}

// item returns a record that encodes to exactly n bytes.
func item(t *testing.T, n int) map[string]any {
	t.Helper()
	m := map[string]any{"d": strings.Repeat("x", n-8)}
	enc, err := jsoniter.Marshal(m)
	require.NoError(t, err)
	require.Len(t, enc, n)
	return m
}

func TestByteBoundSplit(t *testing.T) {
	st := newState(t)
	b := batch.New(record.KindEvent, 5, 1000, st)

	var emitted []*batch.Batch
	for i := 0; i < 10; i++ {
		out, err := b.Add(item(t, 300))
		require.NoError(t, err)
		if out != nil {
			emitted = append(emitted, out)
		}
	}
	if out := b.Flush(); out != nil {
		emitted = append(emitted, out)
	}

	// 300-byte items against a 1000-byte bound pack 3 per batch.
	require.Len(t, emitted, 4)
	assert.Equal(t, 3, emitted[0].Len())
	assert.Equal(t, 3, emitted[1].Len())
	assert.Equal(t, 3, emitted[2].Len())
	assert.Equal(t, 1, emitted[3].Len())
	assert.Equal(t, int64(4), st.Batches.Load())
}

func TestCountBoundSplit(t *testing.T) {
	st := newState(t)
	b := batch.New(record.KindEvent, 5, 1<<20, st)

	var emitted []*batch.Batch
	for i := 0; i < 10; i++ {
		out, err := b.Add(map[string]any{"i": i})
		require.NoError(t, err)
		if out != nil {
			emitted = append(emitted, out)
		}
	}
	if out := b.Flush(); out != nil {
		emitted = append(emitted, out)
	}

	require.Len(t, emitted, 2)
	assert.Equal(t, 5, emitted[0].Len())
	assert.Equal(t, 5, emitted[1].Len())
}

func TestOversizeDrop(t *testing.T) {
	st := newState(t)
	b := batch.New(record.KindEvent, 5, 1000, st)

	out, err := b.Add(item(t, 1100))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, b.Flush())
	assert.Equal(t, int64(1), st.Oversize.Load())
	assert.Equal(t, int64(0), st.Batches.Load())
}

func TestBodyShape(t *testing.T) {
	st := newState(t)
	b := batch.New(record.KindEvent, 10, 1<<20, st)

	_, err := b.Add(map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = b.Add(map[string]any{"b": 2})
	require.NoError(t, err)
	out := b.Flush()
	require.NotNil(t, out)

	var decoded []map[string]any
	require.NoError(t, jsoniter.Unmarshal(out.Body(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, float64(1), decoded[0]["a"])
	assert.Equal(t, float64(2), decoded[1]["b"])
}

func TestBoundsInvariant(t *testing.T) {
	st := newState(t)
	const maxRecords, maxBytes = 7, 2048
	b := batch.New(record.KindEvent, maxRecords, maxBytes, st)

	var emitted []*batch.Batch
	for i := 0; i < 200; i++ {
		out, err := b.Add(item(t, 100+(i%5)*50))
		require.NoError(t, err)
		if out != nil {
			emitted = append(emitted, out)
		}
	}
	if out := b.Flush(); out != nil {
		emitted = append(emitted, out)
	}

	for _, bt := range emitted {
		assert.LessOrEqual(t, bt.Len(), maxRecords)
		assert.LessOrEqual(t, len(bt.Body()), maxBytes+2) // array framing on top of the payload bound
	}
}
