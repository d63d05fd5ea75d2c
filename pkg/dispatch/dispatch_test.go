package dispatch

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtstream/mixetl/pkg/batch"
	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
	"github.com/evtstream/mixetl/pkg/record"
)

const ingestBase = "https://ingest.invalid"

func newRig(t *testing.T, mutate func(*config.Options)) (*Dispatcher, *job.State, *httpmock.MockTransport) {
	t.Helper()
	o := &config.Options{
		RecordType:       "event",
		Token:            "T",
		EndpointOverride: ingestBase,
		Workers:          2,
		MaxRetries:       5,
	}
	if mutate != nil {
		mutate(o)
	}
	require.NoError(t, o.Validate())

	st := job.New(o, zerolog.Nop())
	mt := httpmock.NewMockTransport()
	d := New(o, st, &http.Client{Transport: mt})
	d.boInitial = time.Millisecond
	return d, st, mt
}

func mkBatch(t *testing.T, n int) *batch.Batch {
	t.Helper()
	st := job.New(&config.Options{}, zerolog.Nop())
	b := batch.New(record.KindEvent, n+1, 1<<20, st)
	for i := 0; i < n; i++ {
		_, err := b.Add(map[string]any{"event": "e", "properties": map[string]any{"i": i}})
		require.NoError(t, err)
	}
	out := b.Flush()
	require.NotNil(t, out)
	return out
}

func dispatchOne(t *testing.T, d *Dispatcher, b *batch.Batch) {
	t.Helper()
	ch := make(chan *batch.Batch, 1)
	ch <- b
	close(ch)
	require.NoError(t, d.Run(context.Background(), ch))
}

func TestRateLimitedThenSuccess(t *testing.T) {
	d, st, mt := newRig(t, nil)

	var calls atomic.Int64
	mt.RegisterResponder("POST", ingestBase+"/import", func(*http.Request) (*http.Response, error) {
		if calls.Add(1) <= 2 {
			return httpmock.NewStringResponse(429, `{"error":"rate limited"}`), nil
		}
		return httpmock.NewStringResponse(200, `{"code":200,"num_records_imported":3}`), nil
	})

	dispatchOne(t, d, mkBatch(t, 3))

	assert.Equal(t, int64(3), st.Success.Load())
	assert.Equal(t, int64(0), st.Failed.Load())
	assert.Equal(t, int64(3), st.Requests.Load())
	assert.Equal(t, int64(2), st.Retries.Load())
	assert.Equal(t, int64(2), st.RateLimited.Load())
}

func TestClientErrorIsTerminal(t *testing.T) {
	d, st, mt := newRig(t, func(o *config.Options) {
		o.Abridged = true
		o.KeepBadRecords = true
	})

	mt.RegisterResponder("POST", ingestBase+"/import",
		httpmock.NewStringResponder(400, `{"code":400,"error":"some records invalid","failed_records":[{"index":0,"message":"invalid time"},{"index":1,"message":"invalid time"}]}`))

	dispatchOne(t, d, mkBatch(t, 2))

	assert.Equal(t, int64(2), st.Failed.Load())
	assert.Equal(t, int64(0), st.Success.Load())
	assert.Equal(t, int64(1), st.Requests.Load())
	assert.Equal(t, int64(0), st.Retries.Load())
	assert.Equal(t, int64(1), st.ClientErrors.Load())

	sum := st.Finish()
	assert.Equal(t, 2, sum.Errors["invalid time"])
	assert.Len(t, sum.BadRecords["invalid time"], 2)
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	d, st, mt := newRig(t, func(o *config.Options) { o.MaxRetries = 2 })

	mt.RegisterResponder("POST", ingestBase+"/import",
		httpmock.NewStringResponder(503, `{"error":"unavailable"}`))

	dispatchOne(t, d, mkBatch(t, 4))

	assert.Equal(t, int64(4), st.Failed.Load())
	assert.Equal(t, int64(3), st.Requests.Load()) // initial attempt plus two retries
	assert.Equal(t, int64(2), st.Retries.Load())
	assert.Equal(t, int64(3), st.ServerErrors.Load())
}

func TestRetryAfterHintWins(t *testing.T) {
	d, _, mt := newRig(t, nil)
	d.boInitial = time.Hour // only the server hint can make the retry happen in time

	var calls atomic.Int64
	mt.RegisterResponder("POST", ingestBase+"/import", func(*http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			resp := httpmock.NewStringResponse(429, `{"error":"rate limited"}`)
			resp.Header.Set("Retry-After", "1")
			return resp, nil
		}
		return httpmock.NewStringResponse(200, `{"code":200}`), nil
	})

	done := make(chan struct{})
	go func() {
		dispatchOne(t, d, mkBatch(t, 1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not honor the Retry-After hint")
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestCancelledRunFinishesInFlightRequest(t *testing.T) {
	d, st, mt := newRig(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mt.RegisterResponder("POST", ingestBase+"/import", func(*http.Request) (*http.Response, error) {
		// Cancel mid-request; the attempt must still complete.
		cancel()
		return httpmock.NewStringResponse(200, `{"code":200,"num_records_imported":2}`), nil
	})

	ch := make(chan *batch.Batch, 1)
	ch <- mkBatch(t, 2)
	close(ch)
	require.NoError(t, d.Run(ctx, ch))

	assert.Equal(t, int64(2), st.Success.Load())
	assert.Equal(t, int64(0), st.Failed.Load())
	assert.Equal(t, int64(1), st.Requests.Load())
}

func TestCompressedBody(t *testing.T) {
	d, st, mt := newRig(t, func(o *config.Options) { o.Compress = true })

	var encoding string
	mt.RegisterResponder("POST", ingestBase+"/import", func(r *http.Request) (*http.Response, error) {
		encoding = r.Header.Get("Content-Encoding")
		return httpmock.NewStringResponse(200, `{"code":200}`), nil
	})

	dispatchOne(t, d, mkBatch(t, 2))

	assert.Equal(t, "gzip", encoding)
	assert.Equal(t, int64(2), st.Success.Load())
}

func TestProfileBodyNotCompressed(t *testing.T) {
	d, _, mt := newRig(t, func(o *config.Options) {
		o.RecordType = "user"
		o.Compress = true
	})

	var encoding string
	mt.RegisterResponder("POST", ingestBase+"/engage", func(r *http.Request) (*http.Response, error) {
		encoding = r.Header.Get("Content-Encoding")
		return httpmock.NewStringResponse(200, `1`), nil
	})

	b := mkBatch(t, 1)
	b.Kind = record.KindUser
	dispatchOne(t, d, b)

	assert.Empty(t, encoding)
}

func TestSendRawTable(t *testing.T) {
	d, st, mt := newRig(t, func(o *config.Options) {
		o.RecordType = "table"
		o.LookupTableID = "lt-1"
		o.Secret = "S"
	})

	var contentType string
	mt.RegisterResponder("PUT", ingestBase+"/lookup-tables/lt-1", func(r *http.Request) (*http.Response, error) {
		contentType = r.Header.Get("Content-Type")
		return httpmock.NewStringResponse(200, `{"code":200}`), nil
	})

	require.NoError(t, d.SendRaw(context.Background(), []byte("id,name\n1,a\n2,b\n"), 2))
	assert.Equal(t, "text/csv", contentType)
	assert.Equal(t, int64(2), st.Success.Load())
}

func TestFetchStatusError(t *testing.T) {
	d, _, mt := newRig(t, func(o *config.Options) {
		o.RecordType = "export"
		o.Secret = "S"
	})

	mt.RegisterResponder("GET", ingestBase+"/api/2.0/export",
		httpmock.NewStringResponder(403, "forbidden"))

	_, err := d.Fetch(context.Background(), d.o.URL())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 403, se.Code)
}
