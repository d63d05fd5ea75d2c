// Package dispatch owns the HTTP side of a run: a bounded worker pool that
// serializes batches, optionally compresses them, and POSTs them to the
// ingest endpoint, with transient failures retried under jittered
// exponential backoff.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/evtstream/mixetl/pkg/batch"
	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const requestTimeout = 2 * time.Minute

// Dispatcher drains the batch queue across N concurrent workers.
type Dispatcher struct {
	o      *config.Options
	st     *job.State
	client *http.Client
	log    zerolog.Logger

	// backoff seed, overridable in tests
	boInitial time.Duration
}

// New builds a dispatcher. A nil client gets the default transport with the
// per-attempt timeout applied; tests inject their own.
func New(o *config.Options, st *job.State, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Dispatcher{o: o, st: st, client: client, log: st.Log.With().Str("component", "dispatch").Logger()}
}

// Run consumes batches until the channel closes or the context is
// cancelled. Each worker owns one batch at a time. Workers finish their
// current request on cancellation but skip further retries.
func (d *Dispatcher) Run(ctx context.Context, batches <-chan *batch.Batch) error {
	p := pool.New().WithContext(ctx).WithMaxGoroutines(d.o.Workers)
	for b := range batches {
		b := b
		p.Go(func(ctx context.Context) error {
			d.sendBatch(ctx, b)
			return nil
		})
		if ctx.Err() != nil {
			break
		}
	}
	return p.Wait()
}

// sendBatch serializes, compresses, and delivers one batch, then reports
// the outcome into job state. Transport errors never abort the run; they
// land in the counters and the responses buffer.
func (d *Dispatcher) sendBatch(ctx context.Context, b *batch.Batch) {
	body := b.Body()
	headers := map[string]string{"Content-Type": d.o.ContentType(), "Accept": "application/json"}

	if d.o.CompressBody() {
		compressed, err := gzipBytes(body, d.o.CompressionLevel)
		if err != nil {
			d.log.Error().Err(err).Msg("compressing batch failed, sending uncompressed")
		} else {
			body = compressed
			headers["Content-Encoding"] = "gzip"
		}
	}

	resp, err := d.send(ctx, d.o.Method(), d.o.URL(), body, headers)
	d.st.Bytes.Add(int64(b.Bytes))
	if err != nil {
		d.st.Failed.Add(int64(b.Len()))
		d.storeFailure(resp, err, b)
		d.st.Progress()
		return
	}
	d.st.Success.Add(int64(b.Len()))
	d.st.Store(resp, true)
	d.st.Progress()
}

// SendRaw delivers a pre-assembled body (lookup tables PUT the raw CSV).
func (d *Dispatcher) SendRaw(ctx context.Context, body []byte, count int) error {
	headers := map[string]string{"Content-Type": d.o.ContentType(), "Accept": "application/json"}
	resp, err := d.send(ctx, d.o.Method(), d.o.URL(), body, headers)
	d.st.Bytes.Add(int64(len(body)))
	if err != nil {
		d.st.Failed.Add(int64(count))
		d.st.Store(resp, false)
		return err
	}
	d.st.Success.Add(int64(count))
	d.st.Store(resp, true)
	return nil
}

// Fetch issues an export GET and hands the response body stream to the
// caller.
func (d *Dispatcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if h := d.o.AuthHeader(); h != "" {
		req.Header.Set("Authorization", h)
	}
	req.Header.Set("Accept", "application/json")
	d.st.Requests.Add(1)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	return resp.Body, nil
}

func (d *Dispatcher) storeFailure(resp map[string]any, err error, b *batch.Batch) {
	msg := err.Error()
	if resp != nil {
		if m, ok := resp["error"].(string); ok && m != "" {
			msg = m
		}
	}
	// The import API reports per-record failures with indices into the
	// batch; fold those back onto the records we still hold.
	perRecord := map[string][]any{}
	if resp != nil {
		if failed, ok := resp["failed_records"].([]any); ok {
			for _, f := range failed {
				fm, ok := f.(map[string]any)
				if !ok {
					continue
				}
				m, _ := fm["message"].(string)
				if m == "" {
					m = msg
				}
				if idx, ok := fm["index"].(float64); ok && int(idx) < len(b.Records) {
					perRecord[m] = append(perRecord[m], b.Records[int(idx)])
				} else {
					perRecord[m] = append(perRecord[m], nil)
				}
			}
		}
	}
	if len(perRecord) == 0 {
		d.st.StoreBadRecords(msg, nil)
	}
	for m, recs := range perRecord {
		d.st.StoreBadRecords(m, recs)
	}
	d.st.Store(resp, false)
	d.log.Warn().Str("error", msg).Int("records", b.Len()).Msg("batch failed")
}

func gzipBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
