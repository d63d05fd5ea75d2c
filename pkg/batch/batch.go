// Package batch groups records into batches bounded by both count and
// encoded byte size. Records are encoded exactly once, on entry; the
// dispatcher assembles the wire body from the retained encodings.
package batch

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/evtstream/mixetl/pkg/job"
	"github.com/evtstream/mixetl/pkg/record"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Batch is an ordered, non-empty sequence of records of one kind. After the
// batcher emits it, exactly one dispatcher worker owns it.
type Batch struct {
	Kind    record.Kind
	Encoded [][]byte // one JSON encoding per record, in order
	Records []map[string]any
	Bytes   int // encoded payload size, excluding array framing
}

// Len returns the record count.
func (b *Batch) Len() int { return len(b.Encoded) }

// Body assembles the wire payload: a top-level JSON array of the encoded
// records.
func (b *Batch) Body() []byte {
	out := make([]byte, 0, b.Bytes+b.Len()+2)
	out = append(out, '[')
	for i, enc := range b.Encoded {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, enc...)
	}
	return append(out, ']')
}

// Batcher accumulates records until either bound would be exceeded by the
// next record, then emits. Single-stream: the caller owns synchronization.
type Batcher struct {
	kind       record.Kind
	maxRecords int
	maxBytes   int
	st         *job.State

	cur      *Batch
	curBytes int
}

// New constructs a batcher for one run. maxBytes bounds the encoded
// payload including separators; Body adds the two bracket bytes on top.
func New(kind record.Kind, maxRecords, maxBytes int, st *job.State) *Batcher {
	return &Batcher{kind: kind, maxRecords: maxRecords, maxBytes: maxBytes, st: st}
}

// Add encodes the record and either appends it to the current batch or
// emits the full batch first. A record whose own encoding exceeds the byte
// bound is dropped with a counter bump and never retried. The returned
// batch is nil when nothing was emitted.
func (b *Batcher) Add(m map[string]any) (*Batch, error) {
	enc, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(enc) > b.maxBytes {
		b.st.Oversize.Add(1)
		b.st.Empty.Add(1) // oversize records leave the run as silent drops
		b.st.Log.Warn().Int("size", len(enc)).Int("limit", b.maxBytes).Msg("record exceeds batch byte limit, dropping")
		return nil, nil
	}

	var emitted *Batch
	if b.cur != nil && (b.cur.Len() >= b.maxRecords || b.curBytes+len(enc)+1 > b.maxBytes) {
		emitted = b.flush()
	}
	if b.cur == nil {
		b.cur = &Batch{Kind: b.kind}
		b.curBytes = 0
	}
	b.cur.Encoded = append(b.cur.Encoded, enc)
	b.cur.Records = append(b.cur.Records, m)
	b.curBytes += len(enc) + 1 // separator accounted
	b.cur.Bytes = b.curBytes
	return emitted, nil
}

// Flush emits whatever is buffered, or nil.
func (b *Batcher) Flush() *Batch {
	return b.flush()
}

func (b *Batcher) flush() *Batch {
	if b.cur == nil || b.cur.Len() == 0 {
		return nil
	}
	out := b.cur
	b.cur = nil
	b.curBytes = 0
	b.st.RecordBatch(out.Len())
	return out
}
