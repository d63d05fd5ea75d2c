// Package sink writes the post-transform record stream as NDJSON to a local
// path or an s3:// / gs:// object. A ".gz" suffix on the destination
// compresses the output.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/source"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Writer emits newline-delimited JSON records to one destination. Write is
// safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	w    io.Writer
	zw   *gzip.Writer
	base io.Closer

	// wait blocks Close until a background upload settles.
	wait func() error
}

// New opens the destination named by OutputPath.
func New(ctx context.Context, o *config.Options) (*Writer, error) {
	path := o.OutputPath
	if path == "" {
		return nil, fmt.Errorf("no output path configured")
	}
	if strings.HasPrefix(path, "s3://") || strings.HasPrefix(path, "gs://") {
		return newObjectWriter(ctx, path, o)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	w := &Writer{w: f, base: f}
	if strings.HasSuffix(path, ".gz") {
		w.zw = gzip.NewWriter(f)
		w.w = w.zw
	}
	return w, nil
}

func newObjectWriter(ctx context.Context, path string, o *config.Options) (*Writer, error) {
	scheme, bucket, key, err := source.SplitURI(path)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("output URI %q has no object key", path)
	}
	client, err := source.ObjectClient(o, scheme)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	uploader := s3manager.NewUploaderWithClient(client)
	done := make(chan error, 1)
	go func() {
		_, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		if err != nil {
			pr.CloseWithError(err)
		}
		done <- err
	}()

	w := &Writer{w: pw, base: pw, wait: func() error { return <-done }}
	if strings.HasSuffix(key, ".gz") {
		w.zw = gzip.NewWriter(pw)
		w.w = w.zw
	}
	return w, nil
}

// Write appends one record as a JSON line.
func (w *Writer) Write(m map[string]any) error {
	enc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return w.WriteRaw(append(enc, '\n'))
}

// WriteRaw appends pre-encoded bytes unchanged. Export pages land here.
func (w *Writer) WriteRaw(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(b)
	return err
}

// Close flushes compression, closes the destination, and waits for any
// in-flight upload.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return err
		}
	}
	if err := w.base.Close(); err != nil {
		return err
	}
	if w.wait != nil {
		return w.wait()
	}
	return nil
}
