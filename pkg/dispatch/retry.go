package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is a non-2xx response that survived (or was exempt from)
// retrying.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// retryAfterBackOff is jittered exponential backoff that defers to the
// server's Retry-After hint whenever one was seen on the last attempt.
type retryAfterBackOff struct {
	base backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if h := b.hint; h > 0 {
		b.hint = 0
		return h
	}
	return b.base.NextBackOff()
}

func (b *retryAfterBackOff) Reset() {
	b.hint = 0
	b.base.Reset()
}

func retryAfterHint(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// send delivers one body with retries. Rate limits and server errors are
// retried up to MaxRetries with jittered exponential backoff; other 4xx
// responses fail immediately. The parsed response body of the last attempt
// is returned either way. The run context governs the backoff waits, not
// the in-flight attempt.
func (d *Dispatcher) send(ctx context.Context, method, url string, body []byte, headers map[string]string) (map[string]any, error) {
	base := backoff.NewExponentialBackOff()
	if d.boInitial > 0 {
		base.InitialInterval = d.boInitial
	}
	bo := &retryAfterBackOff{base: base}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.o.MaxRetries)), ctx)

	var lastResp map[string]any
	attempt := func() error {
		// Each attempt runs to completion under its own timeout;
		// cancellation of the run only stops further retries.
		attemptCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(attemptCtx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if h := d.o.AuthHeader(); h != "" {
			req.Header.Set("Authorization", h)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		d.st.Requests.Add(1)
		resp, err := d.client.Do(req)
		if err != nil {
			// Connection-level failures are assumed transient.
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		lastResp = parseResponse(raw)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			d.st.RateLimited.Add(1)
			bo.hint = retryAfterHint(resp)
			return &StatusError{Code: resp.StatusCode, Body: string(raw)}
		case resp.StatusCode >= 500:
			d.st.ServerErrors.Add(1)
			bo.hint = retryAfterHint(resp)
			return &StatusError{Code: resp.StatusCode, Body: string(raw)}
		default:
			d.st.ClientErrors.Add(1)
			return backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: string(raw)})
		}
	}

	notify := func(err error, wait time.Duration) {
		d.st.Retries.Add(1)
		d.log.Debug().Err(err).Dur("wait", wait).Msg("retrying request")
	}

	err := backoff.RetryNotify(attempt, policy, notify)
	return lastResp, err
}

// parseResponse decodes an API response body, falling back to wrapping the
// raw text when it is not JSON.
func parseResponse(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{"error": string(bytes.TrimSpace(raw))}
}
