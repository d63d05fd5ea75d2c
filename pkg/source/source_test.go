package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

func newState(t *testing.T) *job.State {
	t.Helper()
	o := &config.Options{RecordType: "event", Token: "T"}
	require.NoError(t, o.Validate())
	return job.New(o, zerolog.Nop())
}

func TestResolveSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"event":"a"}`+"\n"), 0o644))

	streams, err := Resolve(context.Background(), path, &config.Options{}, newState(t))
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, path, streams[0].Name)

	rc, err := streams[0].Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"a"`)
}

func TestResolveDirLexicalAndSkips(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jsonl", "a.csv", "notes.md", "c.json.gz", "z.parquet"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	streams, err := Resolve(context.Background(), dir, &config.Options{}, newState(t))
	require.NoError(t, err)

	var names []string
	for _, s := range streams {
		names = append(names, filepath.Base(s.Name))
	}
	// Lexical order, unknown extensions and subdirectories skipped.
	assert.Equal(t, []string{"a.csv", "b.jsonl", "c.json.gz", "z.parquet"}, names)
}

func TestResolveDirForceStream(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jsonl", "dump.dat"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	streams, err := Resolve(context.Background(), dir, &config.Options{ForceStream: true}, newState(t))
	require.NoError(t, err)

	var names []string
	for _, s := range streams {
		names = append(names, filepath.Base(s.Name))
	}
	assert.Equal(t, []string{"a.jsonl", "dump.dat"}, names)
}

func TestResolveEmptyDir(t *testing.T) {
	streams, err := Resolve(context.Background(), t.TempDir(), &config.Options{}, newState(t))
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestResolveMissingPath(t *testing.T) {
	_, err := Resolve(context.Background(), filepath.Join(t.TempDir(), "absent"), &config.Options{}, newState(t))
	assert.Error(t, err)
}

func TestResolveReaderAndBytes(t *testing.T) {
	st := newState(t)

	streams, err := Resolve(context.Background(), strings.NewReader("abc"), &config.Options{}, st)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	rc, err := streams[0].Open(context.Background())
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(data))

	streams, err = Resolve(context.Background(), []byte("xyz"), &config.Options{}, st)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	rc, err = streams[0].Open(context.Background())
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	assert.Equal(t, "xyz", string(data))
}

func TestRecordsDetection(t *testing.T) {
	recs, dropped, ok := Records([]map[string]any{{"a": 1}})
	require.True(t, ok)
	assert.Len(t, recs, 1)
	assert.Zero(t, dropped)

	recs, dropped, ok = Records([]any{map[string]any{"a": 1}, "noise", 5, map[string]any{"b": 2}})
	require.True(t, ok)
	assert.Len(t, recs, 2)
	assert.Equal(t, 2, dropped)

	_, _, ok = Records("path")
	assert.False(t, ok)
}

func TestResolveUnsupportedType(t *testing.T) {
	_, err := Resolve(context.Background(), 42, &config.Options{}, newState(t))
	assert.Error(t, err)
}

func TestParseObjectURI(t *testing.T) {
	u, err := parseObjectURI("s3://bucket/prefix/file.jsonl")
	require.NoError(t, err)
	assert.Equal(t, objectURI{scheme: "s3", bucket: "bucket", key: "prefix/file.jsonl"}, u)

	u, err = parseObjectURI("gs://b/data/")
	require.NoError(t, err)
	assert.Equal(t, "gs", u.scheme)
	assert.Equal(t, "b", u.bucket)
	assert.Equal(t, "data/", u.key)

	_, err = parseObjectURI("s3://")
	assert.Error(t, err)
}

func TestDecodableName(t *testing.T) {
	for name, want := range map[string]bool{
		"a.jsonl":      true,
		"a.ndjson":     true,
		"a.json":       true,
		"a.csv":        true,
		"a.tsv":        true,
		"a.parquet":    true,
		"a.json.gz":    true,
		"a.csv.GZ":     true,
		"a.md":         false,
		"a.gz":         false,
		"readme":       false,
		"weird.tar.gz": false,
	} {
		assert.Equal(t, want, decodableName(name), name)
	}
}
