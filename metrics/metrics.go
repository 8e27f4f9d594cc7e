// Package metrics runs the Prometheus-format metrics sidecar server and
// declares the counters tracked across the allocator pipeline.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Submission outcome counters, incremented by the orchestrator.
var (
	SubmissionsAccepted = metrics.NewCounter(`allocator_submissions_total{outcome="accepted"}`)
	SubmissionsRejected = metrics.NewCounter(`allocator_submissions_total{outcome="rejected"}`)
)

// MetricsServer serves /metrics on its own listener, separate from the API.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given listen address.
func New(serviceName, listenAddr string) (*MetricsServer, error) {
	if listenAddr == "" {
		return &MetricsServer{}, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "# service %s\n", serviceName)
		metrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until Shutdown is called.
func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
