// Package source classifies a run's input into an ordered list of openable
// byte streams. Local paths, directories, s3:// and gs:// prefixes,
// io.Readers, and raw bytes all resolve to the same Stream shape; in-memory
// record slices bypass the byte path entirely.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

// Stream is one openable byte stream. Open may be called at most once.
type Stream struct {
	Name string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// knownExts are the stream formats the decoder understands. A trailing .gz
// is transparent.
var knownExts = map[string]struct{}{
	".json": {}, ".jsonl": {}, ".ndjson": {}, ".csv": {}, ".tsv": {}, ".parquet": {}, ".txt": {},
}

// Records reports whether the input is an in-memory record sequence, which
// skips the resolver and decoder. Non-map elements of an []any input are
// dropped; the returned count lets the caller account for them.
func Records(in any) (recs []map[string]any, dropped int, ok bool) {
	switch in := in.(type) {
	case []map[string]any:
		return in, 0, true
	case []any:
		out := make([]map[string]any, 0, len(in))
		for _, v := range in {
			m, isMap := v.(map[string]any)
			if !isMap {
				dropped++
				continue
			}
			out = append(out, m)
		}
		return out, dropped, true
	default:
		return nil, 0, false
	}
}

// Resolve classifies the input. Directory and prefix listings are lexical;
// an empty listing resolves to an empty slice, not an error.
func Resolve(ctx context.Context, in any, o *config.Options, st *job.State) ([]Stream, error) {
	switch in := in.(type) {
	case string:
		switch {
		case strings.HasPrefix(in, "s3://"), strings.HasPrefix(in, "gs://"):
			return resolveObjectStore(ctx, in, o, st)
		default:
			return resolveLocal(in, o, st)
		}
	case io.Reader:
		return []Stream{readerStream("reader", in)}, nil
	case []byte:
		return []Stream{readerStream("bytes", bytes.NewReader(in))}, nil
	default:
		return nil, fmt.Errorf("unsupported input type %T", in)
	}
}

func readerStream(name string, r io.Reader) Stream {
	return Stream{Name: name, Open: func(context.Context) (io.ReadCloser, error) {
		if rc, ok := r.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(r), nil
	}}
}

func fileStream(path string) Stream {
	return Stream{Name: path, Open: func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}}
}

func resolveLocal(path string, o *config.Options, st *job.State) ([]Stream, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	if !info.IsDir() {
		return []Stream{fileStream(path)}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	streams := make([]Stream, 0, len(names))
	for _, name := range names {
		// forceStream trusts the configured format over the extension.
		if !o.ForceStream && !decodableName(name) {
			st.Log.Warn().Str("file", name).Msg("skipping file with unrecognized extension")
			continue
		}
		streams = append(streams, fileStream(filepath.Join(path, name)))
	}
	return streams, nil
}

func decodableName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".gz" {
		ext = strings.ToLower(filepath.Ext(strings.TrimSuffix(name, filepath.Ext(name))))
	}
	_, ok := knownExts[ext]
	return ok
}
