package job

// ResponsesBuffer is the bounded collection of per-request outcomes. In
// verbose mode it retains full response objects up to a cap; in abridged
// mode errors are aggregated by message with a bounded sample of offending
// records per message. Eviction is FIFO in both modes.
type ResponsesBuffer struct {
	abridged bool

	full []map[string]any

	errCounts  map[string]int
	errSamples map[string][]any
	errOrder   []string // FIFO eviction order for distinct messages
}

func NewResponsesBuffer(abridged bool) *ResponsesBuffer {
	return &ResponsesBuffer{
		abridged:   abridged,
		errCounts:  make(map[string]int),
		errSamples: make(map[string][]any),
	}
}

// Add records one request outcome.
func (b *ResponsesBuffer) Add(resp map[string]any, success bool) {
	if b.abridged {
		if success {
			return
		}
		msg, _ := resp["error"].(string)
		if msg == "" {
			msg = "unknown error"
		}
		b.AddBad(msg, nil)
		return
	}
	if len(b.full) >= verboseResponsesBuffer {
		b.full = b.full[1:]
	}
	b.full = append(b.full, resp)
}

// AddBad aggregates per-record failure messages.
func (b *ResponsesBuffer) AddBad(message string, records []any) {
	if _, seen := b.errCounts[message]; !seen {
		if len(b.errOrder) >= MaxBadRecordMessages {
			oldest := b.errOrder[0]
			b.errOrder = b.errOrder[1:]
			delete(b.errCounts, oldest)
			delete(b.errSamples, oldest)
		}
		b.errOrder = append(b.errOrder, message)
	}
	n := len(records)
	if n == 0 {
		n = 1
	}
	b.errCounts[message] += n
	if len(records) == 0 {
		return
	}
	samples := b.errSamples[message]
	for _, r := range records {
		if len(samples) >= MaxBadRecordsPerMsg {
			samples = samples[1:]
		}
		samples = append(samples, r)
	}
	b.errSamples[message] = samples
}

// Responses returns the verbose response log (nil in abridged mode).
func (b *ResponsesBuffer) Responses() []map[string]any {
	return b.full
}

// ErrorCounts returns the message→count aggregation.
func (b *ResponsesBuffer) ErrorCounts() map[string]int {
	out := make(map[string]int, len(b.errCounts))
	for k, v := range b.errCounts {
		out[k] = v
	}
	return out
}

// ErrorSamples returns the retained record samples per message.
func (b *ResponsesBuffer) ErrorSamples() map[string][]any {
	out := make(map[string][]any, len(b.errSamples))
	for k, v := range b.errSamples {
		out[k] = append([]any(nil), v...)
	}
	return out
}
