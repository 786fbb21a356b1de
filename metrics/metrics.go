// Package metrics serves Prometheus-compatible metrics for the coordinator.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	vmetrics "github.com/VictoriaMetrics/metrics"
)

// MetricsServer exposes the process metric set on its own listener, separate
// from the API server so scrapes survive API drains.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given address. An empty address
// returns a no-op server.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	if namespace == "" {
		return nil, fmt.Errorf("metrics namespace must not be empty")
	}
	if listenAddr == "" {
		return &MetricsServer{}, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		vmetrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:    listenAddr,
			Handler: mux,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until Shutdown.
func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
