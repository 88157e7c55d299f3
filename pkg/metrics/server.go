package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsPath = "/metrics"
	HealthPath  = "/health"
	ReadyPath   = "/ready"

	readHeaderTimeout = 10 * time.Second
)

// ReadinessFunc reports why the process cannot serve, or nil when it can.
type ReadinessFunc func() error

// Server exposes the pipeline's metrics and its liveness and readiness checks.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a server on addr. A nil ready always reports ready, so
// readiness only drops when the restart controller stops retrying.
func NewServer(addr string, gatherer prometheus.Gatherer, ready ReadinessFunc) *Server {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc(HealthPath, statusHandler(nil))
	mux.HandleFunc(ReadyPath, statusHandler(ready))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// statusHandler answers 200 "ok" while check passes and 503 with the reason otherwise.
func statusHandler(check ReadinessFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status, body := http.StatusOK, "ok"
		if check != nil {
			if err := check(); err != nil {
				status, body = http.StatusServiceUnavailable, err.Error()
			}
		}
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck // status responses are best effort
	}
}

// Start serves in the background. The returned channel yields a listen
// failure, if any, and is closed when the server stops.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server on %s: %w", s.httpServer.Addr, err)
		}
	}()
	return errCh
}

// Shutdown stops accepting health checks and scrapes and waits for in-flight
// requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
