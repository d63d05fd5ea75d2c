package decode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

const parquetBatchSize = 1024

// parquetRecords decodes a Parquet stream. Parquet needs random access, so
// the stream is buffered in full; column batches are converted row-by-row
// through the arrow JSON bridge and re-enter the NDJSON path.
func parquetRecords(ctx context.Context, r io.Reader, st *job.State, o *config.Options, emit Emit) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("buffering parquet stream: %w", err)
	}

	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("opening parquet: %w", err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: parquetBatchSize}, memory.DefaultAllocator)
	if err != nil {
		return fmt.Errorf("parquet arrow reader: %w", err)
	}
	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("parquet record reader: %w", err)
	}
	defer rr.Release()

	var buf bytes.Buffer
	for rr.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		buf.Reset()
		if err := array.RecordToJSON(rr.Record(), &buf); err != nil {
			return fmt.Errorf("parquet batch to json: %w", err)
		}
		if err := jsonLines(ctx, bufio.NewReader(&buf), st, o, emit); err != nil {
			return err
		}
	}
	if err := rr.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading parquet batches: %w", err)
	}
	return nil
}
