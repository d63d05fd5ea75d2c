// Package pipeline drives a complete run: resolve sources, decode, map
// vendor schemas, transform, batch, and dispatch, with bounded handoffs
// between stages and cancellation propagated end to end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/evtstream/mixetl/pkg/batch"
	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/decode"
	"github.com/evtstream/mixetl/pkg/dispatch"
	"github.com/evtstream/mixetl/pkg/job"
	"github.com/evtstream/mixetl/pkg/record"
	"github.com/evtstream/mixetl/pkg/sink"
	"github.com/evtstream/mixetl/pkg/source"
	"github.com/evtstream/mixetl/pkg/throttle"
	"github.com/evtstream/mixetl/pkg/transform"
	"github.com/evtstream/mixetl/pkg/vendors"
)

// Run executes one run over the input and returns the frozen summary. The
// summary is returned even on error; cancellation marks it partial.
func Run(ctx context.Context, in any, o *config.Options, log zerolog.Logger) (*job.Summary, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	st := job.New(o, log)
	st.Log = st.Log.With().Str("run_id", st.RunID).Logger()
	for _, w := range o.Warnings() {
		st.Log.Warn().Msg(w)
	}
	if o.Metrics != nil {
		if err := st.RegisterMetrics(o.Metrics); err != nil {
			st.Log.Warn().Err(err).Msg("metrics registration failed")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gate := throttle.NewGate()
	mon := throttle.NewMonitor(o, st, gate)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(ctx)
	}()

	var runErr error
	switch kind := o.Kind(); {
	case kind == record.KindTable:
		runErr = runTable(ctx, in, o, st)
	case kind.IsExport():
		runErr = runExport(ctx, o, st)
	case kind == record.KindExportEvents, kind == record.KindExportProfiles:
		runErr = runExportImport(ctx, o, st, gate)
	default:
		runErr = runIngest(ctx, in, o, st, gate)
	}

	if errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
		st.MarkPartial()
	}
	cancel()
	<-monDone
	return st.Finish(), runErr
}

// runIngest is the main path: source → decode → vendor → chain → batch →
// dispatch, with the sink tee when configured.
func runIngest(ctx context.Context, in any, o *config.Options, st *job.State, gate *throttle.Gate) error {
	kind := o.Kind()

	adapter, err := vendors.New(o.Vendor, o)
	if err != nil {
		return err
	}
	chain := transform.New(o, st)

	var out *sink.Writer
	if o.OutputPath != "" {
		out, err = sink.New(ctx, o)
		if err != nil {
			return err
		}
	}

	records := make(chan map[string]any, o.HighWater)
	batches := make(chan *batch.Batch, o.HighWater)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(records)
		return produce(ctx, in, o, st, gate, records)
	})

	g.Go(func() error {
		defer close(batches)
		b := batch.New(kind, o.RecordsPerBatch, o.BytesPerBatch, st)
		for m := range records {
			mapped, err := adapter.Apply(kind, m)
			if err != nil {
				return err
			}
			if len(mapped) == 0 {
				st.Empty.Add(1)
				continue
			}
			for i, r := range mapped {
				if i > 0 {
					// one-to-many vendors grow the run
					st.Processed.Add(1)
				}
				t, ok := chain.Apply(r)
				if !ok {
					continue
				}
				if out != nil {
					if err := out.Write(t); err != nil {
						return fmt.Errorf("writing output: %w", err)
					}
				}
				if o.DryRun {
					st.Success.Add(1)
					continue
				}
				bt, err := b.Add(t)
				if err != nil {
					return err
				}
				if bt != nil {
					select {
					case batches <- bt:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
		if bt := b.Flush(); bt != nil {
			select {
			case batches <- bt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	if o.DryRun {
		g.Go(func() error {
			for range batches {
			}
			return nil
		})
	} else {
		d := dispatch.New(o, st, nil)
		g.Go(func() error {
			return d.Run(ctx, batches)
		})
	}

	err = g.Wait()
	if out != nil {
		err = multierr.Append(err, out.Close())
	}
	return err
}

// produce feeds decoded records into the bounded channel, honoring the
// throttle gate. Per-source failures surface in the summary; the run moves
// on to the remaining sources.
func produce(ctx context.Context, in any, o *config.Options, st *job.State, gate *throttle.Gate, records chan<- map[string]any) error {
	emit := func(m map[string]any) error {
		if err := gate.Wait(ctx); err != nil {
			return err
		}
		st.Processed.Add(1)
		select {
		case records <- m:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if recs, dropped, ok := source.Records(in); ok {
		if dropped > 0 {
			st.Processed.Add(int64(dropped))
			st.Unparsable.Add(int64(dropped))
		}
		for _, m := range recs {
			if err := emit(m); err != nil {
				return err
			}
		}
		return nil
	}

	streams, err := source.Resolve(ctx, in, o, st)
	if err != nil {
		return err
	}
	for _, s := range streams {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc, err := s.Open(ctx)
		if err != nil {
			st.SourceError(fmt.Errorf("%s: %w", s.Name, err))
			st.Log.Warn().Err(err).Str("source", s.Name).Msg("skipping unreadable source")
			continue
		}
		err = decode.Records(ctx, rc, s.Name, o, st, emit)
		rc.Close()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			st.SourceError(fmt.Errorf("%s: %w", s.Name, err))
			st.Log.Warn().Err(err).Str("source", s.Name).Msg("source failed mid-stream, continuing")
		}
	}
	return nil
}

// runTable PUTs the raw CSV body; the lookup-table endpoint replaces the
// whole table per request.
func runTable(ctx context.Context, in any, o *config.Options, st *job.State) error {
	streams, err := source.Resolve(ctx, in, o, st)
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		return errors.New("no lookup table source found")
	}
	d := dispatch.New(o, st, nil)
	for _, s := range streams {
		rc, err := s.Open(ctx)
		if err != nil {
			st.SourceError(fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			st.SourceError(fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		rows := csvRowCount(data)
		st.Processed.Add(int64(rows))
		if o.DryRun {
			st.Success.Add(int64(rows))
			continue
		}
		// transport failures are already on the counters
		_ = d.SendRaw(ctx, data, rows)
	}
	return nil
}

// csvRowCount counts data rows, excluding the header.
func csvRowCount(data []byte) int {
	rows := 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			if len(line) > 0 && !(len(line) == 1 && line[0] == '\r') {
				rows++
			}
			start = i + 1
		}
	}
	if rows > 0 {
		rows--
	}
	return rows
}

// runExport pulls raw export pages into the sink.
func runExport(ctx context.Context, o *config.Options, st *job.State) error {
	if o.OutputPath == "" {
		return errors.New("export runs require outputPath")
	}
	w, err := sink.New(ctx, o)
	if err != nil {
		return err
	}
	d := dispatch.New(o, st, nil)

	body, err := d.Fetch(ctx, exportURL(o, o.Kind()))
	if err != nil {
		return multierr.Append(err, w.Close())
	}
	defer body.Close()

	buf := make([]byte, 1<<20)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			st.Bytes.Add(int64(n))
			if werr := w.WriteRaw(buf[:n]); werr != nil {
				return multierr.Append(werr, w.Close())
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return multierr.Append(rerr, w.Close())
		}
	}
	return w.Close()
}

// runExportImport chains an export GET into the ingest pipeline: the export
// response body becomes the record stream.
func runExportImport(ctx context.Context, o *config.Options, st *job.State, gate *throttle.Gate) error {
	from := record.KindExport
	if o.Kind() == record.KindExportProfiles {
		from = record.KindProfileExport
	}
	d := dispatch.New(o, st, nil)
	body, err := d.Fetch(ctx, exportURL(o, from))
	if err != nil {
		return err
	}
	defer body.Close()
	return runIngest(ctx, body, o, st, gate)
}

// exportURL attaches the epoch window as the export API's date range.
func exportURL(o *config.Options, kind record.Kind) string {
	u := o.URLFor(kind)
	q := url.Values{}
	if o.EpochStart > 0 {
		q.Set("from_date", time.Unix(o.EpochStart, 0).UTC().Format("2006-01-02"))
	}
	if o.EpochEnd > 0 {
		q.Set("to_date", time.Unix(o.EpochEnd, 0).UTC().Format("2006-01-02"))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
