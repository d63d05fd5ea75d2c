package job

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes the run counters on a Prometheus registerer.
// Optional; meant for callers that embed the engine in a long-lived
// service.
func (s *State) RegisterMetrics(reg prometheus.Registerer) error {
	gauges := map[string]*atomic.Int64{
		"processed":     &s.Processed,
		"success":       &s.Success,
		"failed":        &s.Failed,
		"retries":       &s.Retries,
		"batches":       &s.Batches,
		"requests":      &s.Requests,
		"rate_limited":  &s.RateLimited,
		"server_errors": &s.ServerErrors,
		"client_errors": &s.ClientErrors,
		"unparsable":    &s.Unparsable,
		"bytes":         &s.Bytes,
	}
	for name, src := range gauges {
		src := src
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "mixetl",
			Subsystem:   "run",
			Name:        name + "_total",
			Help:        "mixetl run counter " + name,
			ConstLabels: prometheus.Labels{"run_id": s.RunID},
		}, func() float64 { return float64(src.Load()) })
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
