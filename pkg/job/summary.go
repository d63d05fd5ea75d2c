package job

import (
	"time"
)

// Summary is the frozen end-of-run report.
type Summary struct {
	RunID    string        `json:"runId"`
	Kind     string        `json:"recordType"`
	Start    time.Time     `json:"startTime"`
	End      time.Time     `json:"endTime"`
	Duration time.Duration `json:"duration"`
	Partial  bool          `json:"partial,omitempty"`

	Processed    int64 `json:"processed"`
	Success      int64 `json:"success"`
	Failed       int64 `json:"failed"`
	Retries      int64 `json:"retries"`
	Batches      int64 `json:"batches"`
	Requests     int64 `json:"requests"`
	RateLimited  int64 `json:"rateLimited"`
	ServerErrors int64 `json:"serverErrors"`
	ClientErrors int64 `json:"clientErrors"`
	Empty        int64 `json:"empty"`
	Duplicates   int64 `json:"duplicates"`
	OutOfBounds  int64 `json:"outOfBounds"`
	AllowSkipped int64 `json:"whiteListSkipped"`
	DenySkipped  int64 `json:"blackListSkipped"`
	Unparsable   int64 `json:"unparsable"`
	Oversize     int64 `json:"oversize"`
	Bytes        int64 `json:"bytesProcessed"`

	EPS            float64 `json:"eps"`
	RPS            float64 `json:"rps"`
	MiBPerSec      float64 `json:"mbps"`
	AvgBatchLength float64 `json:"avgBatchLength"`

	MemSamples []int64 `json:"memSamples,omitempty"`

	// Exactly one of Responses / Errors is populated, depending on mode.
	Responses  []map[string]any `json:"responses,omitempty"`
	Errors     map[string]int   `json:"errors,omitempty"`
	BadRecords map[string][]any `json:"badRecords,omitempty"`

	SourceErrors []string `json:"sourceErrors,omitempty"`
}

// Finish freezes the state and produces the summary. Counters keep their
// values; further mutation after Finish is a caller bug.
func (s *State) Finish() *Summary {
	now := time.Now()
	s.end.CompareAndSwap(0, now.UnixNano())

	dur := s.Duration()
	secs := dur.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum := &Summary{
		RunID:    s.RunID,
		Kind:     string(s.Opts.Kind()),
		Start:    s.start,
		End:      s.start.Add(dur),
		Duration: dur,
		Partial:  s.partial,

		Processed:    s.Processed.Load(),
		Success:      s.Success.Load(),
		Failed:       s.Failed.Load(),
		Retries:      s.Retries.Load(),
		Batches:      s.Batches.Load(),
		Requests:     s.Requests.Load(),
		RateLimited:  s.RateLimited.Load(),
		ServerErrors: s.ServerErrors.Load(),
		ClientErrors: s.ClientErrors.Load(),
		Empty:        s.Empty.Load(),
		Duplicates:   s.Duplicates.Load(),
		OutOfBounds:  s.OutOfBounds.Load(),
		AllowSkipped: s.AllowSkipped.Load(),
		DenySkipped:  s.DenySkipped.Load(),
		Unparsable:   s.Unparsable.Load(),
		Oversize:     s.Oversize.Load(),
		Bytes:        s.Bytes.Load(),

		AvgBatchLength: s.batchLens.avg(),
		MemSamples:     s.memRing.values(),
		SourceErrors:   append([]string(nil), s.srcErrs...),
	}

	sum.EPS = float64(sum.Processed) / secs
	sum.RPS = float64(sum.Requests) / secs
	sum.MiBPerSec = float64(sum.Bytes) / (1024 * 1024) / secs

	if s.Opts.Abridged {
		sum.Errors = s.responses.ErrorCounts()
		if s.Opts.KeepBadRecords {
			sum.BadRecords = s.responses.ErrorSamples()
		}
	} else {
		sum.Responses = s.responses.Responses()
		if s.Opts.KeepBadRecords {
			sum.BadRecords = s.responses.ErrorSamples()
		}
	}
	return sum
}
