package decode

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

func collect(t *testing.T, input string, name string, o *config.Options) ([]map[string]any, *job.State) {
	t.Helper()
	if o == nil {
		o = &config.Options{}
	}
	base := &config.Options{RecordType: "event", Token: "T"}
	require.NoError(t, base.Validate())
	st := job.New(base, zerolog.Nop())

	var out []map[string]any
	err := Records(context.Background(), strings.NewReader(input), name, o, st, func(m map[string]any) error {
		out = append(out, m)
		return nil
	})
	require.NoError(t, err)
	return out, st
}

func TestJSONLines(t *testing.T) {
	out, st := collect(t, "{\"a\":1}\n\n{\"b\":2}\n", "events.jsonl", nil)
	require.Len(t, out, 2)
	assert.Equal(t, float64(1), out[0]["a"])
	assert.Equal(t, float64(2), out[1]["b"])
	assert.Equal(t, int64(0), st.Unparsable.Load())
}

func TestJSONArrayStreams(t *testing.T) {
	out, _ := collect(t, `  [{"a":1},{"b":2},{"c":3}]`, "events.json", nil)
	require.Len(t, out, 3)
	assert.Equal(t, float64(3), out[2]["c"])
}

func TestJSONArrayBadElementRecovered(t *testing.T) {
	handled := 0
	o := &config.Options{
		ParseError: func(line []byte, err error) map[string]any {
			handled++
			return nil
		},
	}
	out, st := collect(t, `[{"a":1}, 5, {"b":2}]`, "events.json", o)
	require.Len(t, out, 2)
	assert.Equal(t, float64(1), out[0]["a"])
	assert.Equal(t, float64(2), out[1]["b"])
	assert.Equal(t, 1, handled)
	assert.Equal(t, int64(1), st.Unparsable.Load())
	assert.Equal(t, int64(1), st.Processed.Load())
}

func TestJSONArrayBadElementSubstituted(t *testing.T) {
	o := &config.Options{
		ParseError: func(line []byte, err error) map[string]any {
			return map[string]any{"rescued": string(line)}
		},
	}
	out, st := collect(t, `[{"a":1},"stray",{"b":2}]`, "events.json", o)
	require.Len(t, out, 3)
	assert.Equal(t, `"stray"`, out[1]["rescued"])
	assert.Equal(t, int64(1), st.Unparsable.Load())
}

func TestJSONExtensionWithObjectLinesFallsBack(t *testing.T) {
	out, _ := collect(t, "{\"a\":1}\n{\"b\":2}\n", "events.json", nil)
	assert.Len(t, out, 2)
}

func TestCSVHeaderMapping(t *testing.T) {
	out, _ := collect(t, "event,distinct_id,time\nclick,u1,1704067200\nview,u2,1704067260\n", "events.csv", nil)
	require.Len(t, out, 2)
	assert.Equal(t, map[string]any{"event": "click", "distinct_id": "u1", "time": "1704067200"}, out[0])
}

func TestTSV(t *testing.T) {
	out, _ := collect(t, "event\tdistinct_id\nclick\tu1\n", "events.tsv", nil)
	require.Len(t, out, 1)
	assert.Equal(t, "u1", out[0]["distinct_id"])
}

func TestShortRowTolerated(t *testing.T) {
	out, _ := collect(t, "a,b,c\n1,2\n", "x.csv", nil)
	require.Len(t, out, 1)
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, out[0])
}

func TestGzipSniffed(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("{\"a\":1}\n{\"b\":2}\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, _ := collect(t, buf.String(), "events.jsonl.gz", nil)
	assert.Len(t, out, 2)
}

func TestParseErrorCountsAndSubstitutes(t *testing.T) {
	o := &config.Options{
		ParseError: func(line []byte, err error) map[string]any {
			if bytes.Contains(line, []byte("rescue")) {
				return map[string]any{"rescued": true}
			}
			return nil
		},
	}
	out, st := collect(t, "{\"a\":1}\nnot json rescue\nbroken{\n", "x.jsonl", o)
	require.Len(t, out, 2)
	assert.Equal(t, true, out[1]["rescued"])
	assert.Equal(t, int64(2), st.Unparsable.Load())
}

func TestParseErrorWithoutHandlerDrops(t *testing.T) {
	out, st := collect(t, "garbage\n{\"a\":1}\n", "x.jsonl", nil)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), st.Unparsable.Load())
}

func TestExplicitFormatBeatsExtension(t *testing.T) {
	out, _ := collect(t, "a,b\n1,2\n", "data.jsonl", &config.Options{StreamFormat: "csv"})
	require.Len(t, out, 1)
	assert.Equal(t, "1", out[0]["a"])
}

func TestFormatInference(t *testing.T) {
	for name, want := range map[string]string{
		"a.jsonl":    "jsonl",
		"a.ndjson":   "jsonl",
		"a.json":     "json",
		"a.json.gz":  "json",
		"a.csv":      "csv",
		"a.tsv.gz":   "tsv",
		"a.parquet":  "parquet",
		"mystery":    "jsonl",
	} {
		assert.Equal(t, want, format("", name), name)
	}
	assert.Equal(t, "jsonl", format("ndjson", "a.csv"))
}

func TestParquetRoundTrip(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "event", Type: arrow.BinaryTypes.String},
		{Name: "time", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()
	rb.Field(0).(*array.StringBuilder).AppendValues([]string{"click", "view"}, nil)
	rb.Field(1).(*array.Int64Builder).AppendValues([]int64{1704067200000, 1704067260000}, nil)
	rec := rb.NewRecord()
	defer rec.Release()

	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	var buf bytes.Buffer
	require.NoError(t, pqarrow.WriteTable(tbl, &buf, 1024, nil, pqarrow.DefaultWriterProps()))

	out, _ := collect(t, buf.String(), "events.parquet", nil)
	require.Len(t, out, 2)
	assert.Equal(t, "click", out[0]["event"])
	assert.Equal(t, float64(1704067200000), out[0]["time"])
}
