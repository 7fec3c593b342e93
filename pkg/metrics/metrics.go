// Package metrics exposes the Prometheus metrics of a sync run.
// All metrics are defined in their respective packages (auth, client,
// ratelimit, checkpoint, sink, exporter) via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry all packages register with.
var Registry = prometheus.DefaultRegisterer

// Path is where Serve exposes metrics.
const Path = "/metrics"

const shutdownTimeout = 5 * time.Second

// Handler returns the metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves /metrics until its context ends.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr (for example ":9090") without serving yet.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(Path, Handler())
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	logger := log.With().Str("component", "metrics").Logger()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()
	logger.Info().Str("addr", s.Addr()).Msg("Serving metrics")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Metrics Documentation
//
// Auth (pkg/auth):
//   - greyfinch_logins_total{result} (Counter): Login attempts by result
//
// Requests (pkg/client):
//   - greyfinch_requests_total{status} (Counter): Requests by HTTP status
//   - greyfinch_request_duration_seconds (Histogram): Request duration
//   - greyfinch_errors_total{class} (Counter): Errors by class
//   - greyfinch_retries_total{error_class} (Counter): Retry attempts
//   - greyfinch_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//   - greyfinch_retry_exhausted_total{error_class} (Counter): Requests that ran out of retries
//
// Rate limit (pkg/ratelimit):
//   - greyfinch_rate_limit_remaining (Gauge): Requests left in the upstream window
//   - greyfinch_rate_limit_waits_total{reason} (Counter): Self-throttle waits
//   - greyfinch_rate_limit_wait_seconds_total (Counter): Time spent waiting
//
// Export (pkg/exporter, pkg/checkpoint, pkg/sink):
//   - greyfinch_export_records_total{entity} (Counter): New records written
//   - greyfinch_export_duplicates_total{entity} (Counter): Records dropped as duplicates
//   - greyfinch_export_rejected_total{entity} (Counter): Records without an id
//   - greyfinch_export_batches_total{entity} (Counter): Checkpointed batches
//   - greyfinch_checkpoint_saves_total{result} (Counter): Checkpoint writes
//   - greyfinch_checkpoint_offset{entity} (Gauge): Last saved offset
//   - greyfinch_sink_lines_written_total{entity} (Counter): Output lines
//   - greyfinch_sink_bytes_written_total (Counter): Output bytes
//
// Example Prometheus Queries:
//
//   # Export throughput
//   sum by (entity) (rate(greyfinch_export_records_total[5m]))
//
//   # Rate-limit pressure
//   greyfinch_rate_limit_remaining < 5
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(greyfinch_request_duration_seconds_bucket[5m]))
