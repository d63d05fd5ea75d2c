// Package decode turns a byte stream into a lazy sequence of records. The
// format comes from the configured stream format or the stream name's
// extension; gzip is sniffed from the magic bytes. Per-record parse errors
// invoke the configured handler and never abort the stream.
package decode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Single NDJSON lines up to this size are tolerated.
	maxLineBytes = 32 << 20

	scannerBuffer = 1 << 20
)

// Emit receives each decoded record in stream order. A non-nil return stops
// the stream.
type Emit func(map[string]any) error

// Records decodes one stream. The name carries the extension used for
// format inference when no explicit format is configured.
func Records(ctx context.Context, r io.Reader, name string, o *config.Options, st *job.State, emit Emit) error {
	br := bufio.NewReaderSize(r, scannerBuffer)

	zipped, err := sniffGzip(br)
	if err != nil {
		return err
	}
	if zipped || o.ForceGzip {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		br = bufio.NewReaderSize(zr, scannerBuffer)
	}

	switch format(o.StreamFormat, name) {
	case "csv":
		return delimited(ctx, br, ',', st, o, emit)
	case "tsv":
		return delimited(ctx, br, '\t', st, o, emit)
	case "parquet":
		return parquetRecords(ctx, br, st, o, emit)
	case "json":
		return jsonAuto(ctx, br, st, o, emit)
	default:
		return jsonLines(ctx, br, st, o, emit)
	}
}

func sniffGzip(br *bufio.Reader) (bool, error) {
	magic, err := br.Peek(2)
	if err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	return magic[0] == 0x1f && magic[1] == 0x8b, nil
}

// format resolves the effective stream format: explicit option first, then
// the name's extension with a trailing .gz stripped.
func format(explicit, name string) string {
	switch explicit {
	case "jsonl", "ndjson":
		return "jsonl"
	case "json", "csv", "tsv", "parquet":
		return explicit
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".gz" {
		name = strings.TrimSuffix(name, filepath.Ext(name))
		ext = strings.ToLower(filepath.Ext(name))
	}
	switch ext {
	case ".json":
		return "json"
	case ".csv":
		return "csv"
	case ".tsv":
		return "tsv"
	case ".parquet":
		return "parquet"
	default:
		return "jsonl"
	}
}

// jsonAuto peeks past leading whitespace: a top-level array streams
// element-by-element, anything else decodes as NDJSON.
func jsonAuto(ctx context.Context, br *bufio.Reader, st *job.State, o *config.Options, emit Emit) error {
	for {
		b, err := br.Peek(1)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := br.Discard(1); err != nil {
				return err
			}
			continue
		case '[':
			return jsonArray(ctx, br, st, o, emit)
		default:
			return jsonLines(ctx, br, st, o, emit)
		}
	}
}

// jsonArray streams a top-level array element by element. A non-object
// element goes through the parse-error handler and the stream continues;
// only a syntax error in the array itself aborts.
func jsonArray(ctx context.Context, br *bufio.Reader, st *job.State, o *config.Options, emit Emit) error {
	iter := jsoniter.Parse(json, br, scannerBuffer)
	var emitErr error
	iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
		if ctx.Err() != nil {
			emitErr = ctx.Err()
			return false
		}
		raw := it.SkipAndReturnBytes()
		if it.Error != nil && it.Error != io.EOF {
			return false
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			if sub := handleParseError(bytes.TrimSpace(raw), err, st, o); sub != nil {
				if emitErr = emit(sub); emitErr != nil {
					return false
				}
			}
			return true
		}
		if m == nil {
			return true
		}
		if emitErr = emit(m); emitErr != nil {
			return false
		}
		return true
	})
	if emitErr != nil {
		return emitErr
	}
	if err := iter.Error; err != nil && err != io.EOF {
		return fmt.Errorf("decoding json array: %w", err)
	}
	return nil
}

func jsonLines(ctx context.Context, br *bufio.Reader, st *job.State, o *config.Options, emit Emit) error {
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, scannerBuffer), maxLineBytes)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			if sub := handleParseError(line, err, st, o); sub != nil {
				if err := emit(sub); err != nil {
					return err
				}
			}
			continue
		}
		if err := emit(m); err != nil {
			return err
		}
	}
	return sc.Err()
}

// handleParseError counts the failure and gives the configured handler a
// chance to substitute a record. The bad line counts as one processed record
// with outcome unparsable; a substitute is a fresh record with its own
// outcome.
func handleParseError(line []byte, err error, st *job.State, o *config.Options) map[string]any {
	st.Processed.Add(1)
	st.Unparsable.Add(1)
	if o.ParseError == nil {
		st.Log.Debug().Err(err).Msg("dropping unparsable record")
		return nil
	}
	sub := o.ParseError(line, err)
	if len(sub) == 0 {
		return nil
	}
	return sub
}

// delimited decodes CSV/TSV keyed by the header row. Cell values stay
// strings; downstream fix-data stages own coercion.
func delimited(ctx context.Context, br *bufio.Reader, comma rune, st *job.State, o *config.Options, emit Emit) error {
	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("reading header row: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if sub := handleParseError(nil, err, st, o); sub != nil {
				if err := emit(sub); err != nil {
					return err
				}
			}
			continue
		}
		m := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		if err := emit(m); err != nil {
			return err
		}
	}
}
