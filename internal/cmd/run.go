package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/evtstream/mixetl/internal/logging"
	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/pipeline"
)

type runParams struct {
	optionsPath string
	input       string
	logLevel    string
	metricsAddr string

	recordType string
	region     string
	vendor     string
	token      string
	secret     string
	outputPath string
	workers    int
	dryRun     bool
}

func initRun() *cobra.Command {
	p := &runParams{}
	cmd := &cobra.Command{
		Use:   "run [flags] INPUT",
		Short: "Run one ETL job over a file, directory, or object-store prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if len(args) > 0 {
				p.input = args[0]
			}
			return run(c, p)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&p.optionsPath, "options", "", "YAML options file")
	fs.StringVar(&p.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&p.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the run is active")
	fs.StringVar(&p.recordType, "record-type", "", "record type override")
	fs.StringVar(&p.region, "region", "", "region override (us, eu, in)")
	fs.StringVar(&p.vendor, "vendor", "", "vendor adapter override")
	fs.StringVar(&p.token, "token", "", "project token override")
	fs.StringVar(&p.secret, "secret", "", "API secret override")
	fs.StringVar(&p.outputPath, "output", "", "write the normalized stream to this path or object URI")
	fs.IntVar(&p.workers, "workers", 0, "dispatcher worker count override")
	fs.BoolVar(&p.dryRun, "dry-run", false, "transform without sending")
	return cmd
}

func loadOptions(p *runParams, flags *cobra.Command) (*config.Options, error) {
	o := &config.Options{}
	if p.optionsPath != "" {
		raw, err := os.ReadFile(p.optionsPath)
		if err != nil {
			return nil, fmt.Errorf("reading options file: %w", err)
		}
		if err := yaml.Unmarshal(raw, o); err != nil {
			return nil, fmt.Errorf("parsing options file: %w", err)
		}
	}

	set := flags.Flags().Changed
	if set("record-type") {
		o.RecordType = p.recordType
	}
	if set("region") {
		o.Region = p.region
	}
	if set("vendor") {
		o.Vendor = p.vendor
	}
	if set("token") {
		o.Token = p.token
	}
	if set("secret") {
		o.Secret = p.secret
	}
	if set("output") {
		o.OutputPath = p.outputPath
	}
	if set("workers") {
		o.Workers = p.workers
	}
	if set("dry-run") {
		o.DryRun = p.dryRun
	}
	return o, nil
}

func run(c *cobra.Command, p *runParams) error {
	log := logging.New(p.logLevel, os.Stderr)

	o, err := loadOptions(p, c)
	if err != nil {
		return err
	}
	if p.input == "" {
		return fmt.Errorf("no input given")
	}
	o.OnProgress = func(pr config.Progress) {
		log.Debug().
			Int64("processed", pr.Processed).
			Int64("requests", pr.Requests).
			Float64("eps", pr.EPS).
			Msg("progress")
	}

	var metricsSrv *http.Server
	if p.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		o.Metrics = reg
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: p.metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("metrics server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, runErr := pipeline.Run(ctx, p.input, o, log)
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if sum != nil {
		enc, err := jsoniter.MarshalIndent(sum, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(enc))
	}
	if runErr != nil {
		return runErr
	}
	if sum != nil && sum.Failed > 0 {
		return fmt.Errorf("%d records failed", sum.Failed)
	}
	return nil
}
