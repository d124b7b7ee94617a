// Package am wires every other AM component together and drives the
// startup and shutdown sequences: the orchestrator the rest of the
// system is built to serve.
package am

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"weave/internal/common"
	"weave/internal/credentials"
	"weave/internal/eventhandler"
	"weave/internal/instancechange"
	"weave/internal/launcher"
	"weave/internal/logbroker"
	"weave/internal/messagebus"
	"weave/internal/metadata"
	"weave/internal/metrics"
	"weave/internal/provisioning"
	"weave/internal/registry"
	"weave/internal/rmclient"
	"weave/internal/spec"
	"weave/internal/tracker"
)

const logBrokerTopic = "weave-container-lifecycle"

// Config is everything the orchestrator needs that isn't owned by a
// sub-component: identity of the AM's own container, where the external
// collaborators (metadata store, resource manager, log broker) live, and
// the AM's own tunables.
type Config struct {
	App        *spec.Application
	Arguments  spec.Arguments
	LocalFiles []spec.LocalizedFile

	// JVMOpts and LogbackTemplate are opaque passthrough blobs: the AM
	// never interprets them, only forwards them to every launched
	// container via the base launch environment.
	JVMOpts         string
	LogbackTemplate string

	AppID         string
	AMHost        string
	AMRPCPort     int32
	AMContainerID string
	AMVCores      int32
	AMMemoryMB    int64

	CredentialsPath string

	ZKConnect        string
	ZKSessionTimeout time.Duration
	ZKRoot           string

	RMAddress string

	LogBrokerAddress string

	TrackerBindHost string

	ProvisionTickInterval time.Duration
	DefaultTimeout        time.Duration
	DrainTimeout          time.Duration
}

// Service is the running ApplicationMasterService.
type Service struct {
	cfg    Config
	logger *zap.Logger

	credentials *credentials.Store
	registry    *registry.Registry
	rm          *rmclient.Client
	metadata    *metadata.Client
	logBroker   *logbroker.Broker
	tracker     *tracker.Service
	handler     eventhandler.Handler
	metrics     *metrics.Registry

	provisioning   *provisioning.Loop
	instanceChange *instancechange.Worker
	messageBus     *messagebus.Bus

	finalStatus string
	diagnostics string
}

// New constructs the orchestrator. Nothing external is touched until
// Start.
func New(cfg Config) *Service {
	return &Service{
		cfg:         cfg,
		logger:      common.ComponentLogger("am"),
		finalStatus: "SUCCEEDED",
	}
}

// Start runs the AM's startup sequence. A returned error is always
// fatal: the caller should exit non-zero without calling Run (which runs
// the shutdown sequence), since Start failures happen before enough of
// the system is wired up for a clean shutdown to make sense.
func (s *Service) Start(ctx context.Context) error {
	s.credentials = credentials.Load(s.cfg.CredentialsPath)

	s.registry = registry.New()
	s.metrics = metrics.NewRegistry()
	s.registry.SetMetrics(s.metrics)

	handlerRegistry := eventhandler.NewRegistry()
	handler, err := handlerRegistry.Build(s.cfg.App.EventHandler.Classname, s.cfg.App.EventHandler.Config)
	if err != nil {
		return fmt.Errorf("building event handler: %w", err)
	}
	s.handler = handler

	s.logBroker, err = logbroker.Start(s.cfg.LogBrokerAddress, logBrokerTopic)
	if err != nil {
		return fmt.Errorf("starting log broker: %w", err)
	}
	s.registry.SetLogBroker(s.logBroker)

	amEntry := common.AppMasterResourceEntry{
		VCores:      s.cfg.AMVCores,
		MemoryMB:    s.cfg.AMMemoryMB,
		Host:        s.cfg.AMHost,
		ContainerID: s.cfg.AMContainerID,
		InstanceID:  0,
	}
	s.tracker, err = tracker.New(s.cfg.TrackerBindHost, s.registry, s.metrics, s.cfg.AppID, amEntry)
	if err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}
	s.tracker.Start()

	s.rm = rmclient.New(s.cfg.RMAddress)
	trackingURL := "http://" + s.tracker.Addr()
	if _, err := s.rm.Start(ctx, s.cfg.AMHost, s.cfg.AMRPCPort, trackingURL); err != nil {
		return fmt.Errorf("registering with resource manager: %w", err)
	}
	if err := s.rm.SetTracker(ctx, s.tracker.Addr(), trackingURL); err != nil {
		s.logger.Warn("failed to set tracker URL", zap.Error(err))
	}

	s.metadata, err = metadata.Connect(s.cfg.ZKConnect, s.cfg.ZKSessionTimeout, s.cfg.ZKRoot)
	if err != nil {
		return fmt.Errorf("connecting to metadata store: %w", err)
	}
	if err := s.metadata.EnsureNode("runnables"); err != nil {
		return fmt.Errorf("creating runnables metadata node: %w", err)
	}
	if err := s.metadata.EnsureNode("kafka"); err != nil {
		return fmt.Errorf("creating kafka metadata node: %w", err)
	}
	liveData := LiveNodeData{
		YarnAppID:   s.cfg.AppID,
		ContainerID: s.cfg.AMContainerID,
	}
	if _, err := s.metadata.CreateEphemeral(ctx, "live", liveData.marshal()); err != nil {
		s.logger.Warn("failed to create liveness node", zap.Error(err))
	}

	baseEnv := map[string]string{
		"WEAVE_ZK_CONNECT":   s.cfg.ZKConnect,
		"WEAVE_LOG_KAFKA_ZK": s.logBroker.Address(),
		"LOG_BROKER_ADDR":    s.logBroker.Address(),
	}
	if s.cfg.JVMOpts != "" {
		baseEnv["WEAVE_JVM_OPTS"] = s.cfg.JVMOpts
	}
	if s.cfg.LogbackTemplate != "" {
		baseEnv["WEAVE_LOGBACK_TEMPLATE"] = s.cfg.LogbackTemplate
	}
	for k, v := range s.credentials.ForContainers() {
		baseEnv[k] = v
	}
	httpLauncher := launcher.NewHTTPLauncher(s.cfg.Arguments, baseEnv)

	s.provisioning = provisioning.New(provisioning.Dependencies{
		App:            s.cfg.App,
		Registry:       s.registry,
		RM:             s.rm,
		Launcher:       httpLauncher,
		Handler:        s.handler,
		Metrics:        s.metrics,
		TickInterval:   s.cfg.ProvisionTickInterval,
		DefaultTimeout: s.cfg.DefaultTimeout,
	})

	s.instanceChange = instancechange.New(s.registry, s.provisioning)

	runnableNames := make([]string, 0, len(s.cfg.App.Runnables))
	for name := range s.cfg.App.Runnables {
		runnableNames = append(runnableNames, name)
	}
	s.messageBus = messagebus.New(s.metadata, s.registry, s.instanceChange, s.provisioning, s.metrics, runnableNames, s.invalidateCredentialCache)
	s.messageBus.Start()

	s.logger.Info("application master started",
		zap.String("appId", s.cfg.AppID), zap.String("trackerUrl", trackingURL))
	return nil
}

func (s *Service) invalidateCredentialCache() {
	s.credentials = credentials.Load(s.cfg.CredentialsPath)
	s.logger.Info("credential cache invalidated after secureStoreUpdated")
}

// Run drives the provisioning loop and instance-change worker until ctx
// is cancelled or the application itself decides to stop (drained, or
// the event handler requested shutdown), then runs the shutdown
// sequence.
func (s *Service) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.provisioning.Run(ctx) }()
	go s.instanceChange.Run(ctx)

	select {
	case <-parent.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			s.logger.Info("provisioning loop exited", zap.Error(err))
		}
	}
	cancel()

	return s.shutdown()
}

// shutdown runs the spec's nine-step shutdown sequence. Every step is
// best-effort: a failure in one does not skip the rest.
func (s *Service) shutdown() error {
	s.handler.Destroy()

	containerIDs := s.registry.GetContainerIds()
	s.logger.Info("stopping all containers", zap.Int("count", len(containerIDs)))
	s.registry.StopAll(context.Background())

	s.drainCompletions()

	if err := s.tracker.Stop(5 * time.Second); err != nil {
		s.logger.Warn("tracker shutdown failed", zap.Error(err))
	}

	s.logger.Info("skipping staging directory cleanup: filesystem abstraction is an external collaborator")

	common.Sync()
	time.Sleep(500 * time.Millisecond)

	if err := s.logBroker.Stop(); err != nil {
		s.logger.Warn("log broker shutdown failed", zap.Error(err))
	}

	if err := s.rm.Stop(context.Background(), s.finalStatus, s.diagnostics, "http://"+s.tracker.Addr()); err != nil {
		s.logger.Warn("failed to deregister from resource manager", zap.Error(err))
	}

	if s.metadata != nil {
		s.metadata.Close()
	}

	s.logger.Info("application master shut down", zap.String("finalStatus", s.finalStatus))
	return nil
}

// drainCompletions polls allocate for up to DrainTimeout so completion
// notifications for just-stopped containers aren't left stranded at the
// resource manager.
func (s *Service) drainCompletions() {
	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if err := s.rm.Allocate(context.Background(), 1.0, s.provisioning); err != nil {
			s.logger.Warn("drain allocate failed", zap.Error(err))
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// LiveNodeData is the payload of the AM's ephemeral liveness node.
type LiveNodeData struct {
	YarnAppID   string `json:"yarnAppId"`
	ClusterTime int64  `json:"clusterTime"`
	ContainerID string `json:"containerId"`
}

func (d LiveNodeData) marshal() []byte {
	data, _ := json.Marshal(d)
	return data
}
