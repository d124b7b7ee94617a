// Package tracker serves the AM's one contractual HTTP endpoint — the
// live resource report — plus a couple of additive operational routes.
// It binds an ephemeral port so it can start before the resource manager
// handshake; the chosen address is then handed to ResourceManagerClient.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"weave/internal/common"
	"weave/internal/metrics"
)

// ReportSource is the slice of registry.Registry the tracker needs.
type ReportSource interface {
	GetResourceReport(appID string, am common.AppMasterResourceEntry) common.ResourceReport
}

// Service is the tracker's HTTP server.
type Service struct {
	listener net.Listener
	server   *http.Server
	logger   *zap.Logger

	source  ReportSource
	metrics *metrics.Registry

	appID    string
	amEntry  common.AppMasterResourceEntry
}

// New constructs a tracker bound to an ephemeral port on the given host
// (empty host binds all interfaces). Call Addr after New to learn the
// chosen port before calling Start.
func New(bindHost string, source ReportSource, metricsReg *metrics.Registry, appID string, amEntry common.AppMasterResourceEntry) (*Service, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:0", bindHost))
	if err != nil {
		return nil, fmt.Errorf("binding tracker listener: %w", err)
	}

	s := &Service{
		listener: ln,
		logger:   common.ComponentLogger("tracker"),
		source:   source,
		metrics:  metricsReg,
		appID:    appID,
		amEntry:  amEntry,
	}

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleReport).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if metricsReg != nil {
		router.Handle("/metrics", promhttp.HandlerFor(metricsReg.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.server = &http.Server{Handler: router}
	return s, nil
}

// Addr is the host:port the tracker is bound to.
func (s *Service) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background; errors other than a clean Stop are
// logged, not returned, since Start is called once during AM startup and
// has no caller left to hand a late error to.
func (s *Service) Start() {
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tracker server failed", zap.Error(err))
		}
	}()
	s.logger.Info("tracker started", zap.String("addr", s.Addr()))
}

// Stop shuts the server down gracefully within the given timeout.
func (s *Service) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	report := s.source.GetResourceReport(s.appID, s.amEntry)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Error("failed to encode resource report", zap.Error(err))
	}
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}
