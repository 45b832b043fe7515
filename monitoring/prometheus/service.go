// Package prometheus exposes the worker's metrics and health over HTTP.
package prometheus

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/runtime"
)

var log = logrus.WithField("prefix", "prometheus")

// Service serves /metrics from the default Prometheus registerer and a
// plain-text /healthz report built from the node's service registry.
type Service struct {
	server   *http.Server
	registry *runtime.ServiceRegistry
	failed   error
}

// NewService configures the listener for the given host:port address. An
// empty host binds every interface, so ":8080" is acceptable.
func NewService(addr string, registry *runtime.ServiceRegistry) *Service {
	s := &Service{registry: registry}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.server = &http.Server{Addr: addr, Handler: mux}

	return s
}

// handleHealthz writes one line per registered service, sorted by type so
// the output is stable, and returns 503 when any service reports unhealthy.
func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	statuses := s.registry.Statuses()
	lines := make([]string, 0, len(statuses))
	healthy := true
	for kind, err := range statuses {
		if err == nil {
			lines = append(lines, fmt.Sprintf("%s: OK", kind))
		} else {
			healthy = false
			lines = append(lines, fmt.Sprintf("%s: ERROR %s", kind, err))
		}
	}
	sort.Strings(lines)

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			log.WithError(err).Error("Could not write healthz response")
			return
		}
	}
}

// Start begins serving in the background. Listen failures surface through
// Status rather than aborting the node.
func (s *Service) Start() {
	log.WithField("endpoint", s.server.Addr).Info("Starting monitoring service")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("Could not listen on %s", s.server.Addr)
			s.failed = err
		}
	}()
}

// Stop shuts the listener down, letting in-flight scrapes finish.
func (s *Service) Stop() error {
	log.Info("Stopping monitoring service")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status reports a failed listener.
func (s *Service) Status() error {
	return s.failed
}
