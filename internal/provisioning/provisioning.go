// Package provisioning drives the AM's single top-level control loop:
// requesting containers in spec order, launching what the resource
// manager grants, re-requesting on abnormal exit, and invoking the
// event handler when a runnable falls behind its desired count.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"weave/internal/common"
	"weave/internal/eventhandler"
	"weave/internal/metrics"
	"weave/internal/registry"
	"weave/internal/rmclient"
	"weave/internal/spec"
)

// ErrDrained is returned by Run when the loop's own exit condition is
// reached: no outstanding requests, no pending batches, no running
// containers. Long-running applications never see this; it exists for
// one-shot or fully-scaled-to-zero applications.
var ErrDrained = errors.New("provisioning loop drained")

// ErrShutdownRequested is returned by Run once the event handler has
// asked for a clean shutdown on a provisioning timeout.
var ErrShutdownRequested = errors.New("event handler requested shutdown")

// provisionRequest is one outstanding ask: count containers of
// Capability requested on behalf of RunnableName, Remaining still
// unmatched.
type provisionRequest struct {
	RunnableName string
	Capability   common.Resource
	RequestID    string
	Remaining    int
}

type resourceGroup struct {
	Capability common.Resource
	Runnables  []string
}

// Loop is the provisioning loop. Exactly one goroutine calls Run; a
// separate goroutine (instancechange.Worker) may concurrently call
// SetDesired and EnqueueBatch, so those and the fields they touch are
// guarded by mu.
type Loop struct {
	app      *spec.Application
	registry *registry.Registry
	rm       *rmclient.Client
	launcher registry.Launcher
	handler  eventhandler.Handler
	metrics  *metrics.Registry
	logger   *zap.Logger

	tickInterval   time.Duration
	defaultTimeout time.Duration

	mu                 sync.Mutex
	expected           map[string]*common.ExpectedCount
	capability         map[string]common.Resource
	pendingBatches     [][]string
	currentGroups      []resourceGroup
	queue              []*provisionRequest
	shutdownRequested  bool

	nextTimeoutCheck time.Time
}

// Dependencies bundles everything the loop needs that is owned by other
// components.
type Dependencies struct {
	App      *spec.Application
	Registry *registry.Registry
	RM       *rmclient.Client
	Launcher registry.Launcher
	Handler  eventhandler.Handler
	Metrics  *metrics.Registry

	TickInterval   time.Duration
	DefaultTimeout time.Duration
}

func New(deps Dependencies) *Loop {
	l := &Loop{
		app:            deps.App,
		registry:       deps.Registry,
		rm:             deps.RM,
		launcher:       deps.Launcher,
		handler:        deps.Handler,
		metrics:        deps.Metrics,
		logger:         common.ComponentLogger("provisioning"),
		tickInterval:   deps.TickInterval,
		defaultTimeout: deps.DefaultTimeout,
		expected:       make(map[string]*common.ExpectedCount),
		capability:     make(map[string]common.Resource),
	}

	for name, rs := range deps.App.Runnables {
		l.expected[name] = &common.ExpectedCount{Desired: rs.Resource.Instances}
		l.capability[name] = rs.Resource.Capability()
	}
	for _, order := range deps.App.Orders {
		l.pendingBatches = append(l.pendingBatches, append([]string(nil), order.Names...))
	}

	l.nextTimeoutCheck = time.Now().Add(deps.DefaultTimeout)

	return l
}

// Run drives the loop at the configured tick interval until ctx is
// cancelled or the loop drains. A nil return means ctx was cancelled
// (normal shutdown trigger); ErrDrained means the application has
// nothing left to do.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				if errors.Is(err, ErrDrained) || errors.Is(err, ErrShutdownRequested) {
					return err
				}
				l.logger.Error("provisioning tick failed", zap.Error(err))
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	if err := l.rm.Allocate(ctx, 0.0, l); err != nil {
		return fmt.Errorf("allocate: %w", err)
	}
	if l.metrics != nil {
		l.metrics.ProvisionLoopTicks.Inc()
	}

	if l.drained() {
		return ErrDrained
	}

	l.advanceQueue(ctx)

	if l.nextTimeoutCheck.IsZero() || !time.Now().Before(l.nextTimeoutCheck) {
		l.checkTimeouts(ctx)
	}
	if l.ShutdownRequested() {
		return ErrShutdownRequested
	}
	return nil
}

func (l *Loop) drained() bool {
	l.mu.Lock()
	empty := len(l.queue) == 0 && len(l.currentGroups) == 0 && len(l.pendingBatches) == 0
	l.mu.Unlock()
	return empty && l.registry.CountAll() == 0
}

// advanceQueue dispatches the next resource group once the outstanding
// request queue has fully drained, pulling a new batch when the current
// one is exhausted.
func (l *Loop) advanceQueue(ctx context.Context) {
	l.mu.Lock()
	if len(l.queue) != 0 {
		l.mu.Unlock()
		return
	}
	if len(l.currentGroups) == 0 {
		if len(l.pendingBatches) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.pendingBatches[0]
		l.pendingBatches = l.pendingBatches[1:]
		l.currentGroups = groupByCapability(batch, l.capability)
	}
	if len(l.currentGroups) == 0 {
		l.mu.Unlock()
		return
	}
	group := l.currentGroups[0]
	l.currentGroups = l.currentGroups[1:]
	l.mu.Unlock()

	l.dispatchGroup(ctx, group)
}

func groupByCapability(runnables []string, capability map[string]common.Resource) []resourceGroup {
	order := []common.Resource{}
	byCap := map[common.Resource][]string{}
	for _, name := range runnables {
		cap := capability[name]
		if _, seen := byCap[cap]; !seen {
			order = append(order, cap)
		}
		byCap[cap] = append(byCap[cap], name)
	}
	groups := make([]resourceGroup, 0, len(order))
	for _, cap := range order {
		groups = append(groups, resourceGroup{Capability: cap, Runnables: byCap[cap]})
	}
	return groups
}

func (l *Loop) dispatchGroup(ctx context.Context, group resourceGroup) {
	for _, name := range group.Runnables {
		l.mu.Lock()
		desired := l.expected[name].Desired
		l.mu.Unlock()
		running := l.registry.Count(name)
		newContainers := desired - running
		if newContainers <= 0 {
			continue
		}

		requestID, err := l.rm.AddContainerRequest(ctx, group.Capability, int32(newContainers))
		if err != nil {
			l.logger.Error("failed to add container request", zap.String("runnable", name), zap.Error(err))
			continue
		}
		if l.metrics != nil {
			l.metrics.ContainersRequested.WithLabelValues(name).Add(float64(newContainers))
		}

		l.mu.Lock()
		l.queue = append(l.queue, &provisionRequest{
			RunnableName: name,
			Capability:   group.Capability,
			RequestID:    requestID,
			Remaining:    newContainers,
		})
		l.expected[name].RequestedAt = time.Now()
		l.mu.Unlock()
	}
}

// Acquired implements rmclient.AllocationHandler. Each grant is matched
// to the head of the provisioning queue; a grant with nothing queued
// behind it was speculative and is dropped.
func (l *Loop) Acquired(containers []rmclient.AllocatedContainer) {
	for _, c := range containers {
		l.acquireOne(c)
	}
}

func (l *Loop) acquireOne(c rmclient.AllocatedContainer) {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		l.logger.Warn("dropping speculative container acquisition", zap.String("containerId", c.ContainerID))
		return
	}
	head := l.queue[0]
	l.mu.Unlock()

	ctx := context.Background()
	info := registry.ContainerInfo{ContainerID: c.ContainerID, Host: c.Host, VCores: c.VCores, MemoryMB: c.MemoryMB}
	runtimeSpec := l.app.Runnables[head.RunnableName]
	if _, err := l.registry.Start(ctx, head.RunnableName, info, runtimeSpec, l.launcher); err != nil {
		l.logger.Error("failed to launch acquired container", zap.String("runnable", head.RunnableName), zap.Error(err))
		return
	}
	if l.metrics != nil {
		l.metrics.ContainersAcquired.WithLabelValues(head.RunnableName).Inc()
	}

	l.mu.Lock()
	head.Remaining--
	done := head.Remaining <= 0
	if done {
		l.queue = l.queue[1:]
	}
	requestID := head.RequestID
	l.mu.Unlock()

	if done {
		if err := l.rm.CompleteContainerRequest(ctx, requestID); err != nil {
			l.logger.Warn("failed to complete container request", zap.String("requestId", requestID), zap.Error(err))
		}
	}
}

// Completed implements rmclient.AllocationHandler. Every completion is
// handed to the registry; abnormal exits are re-queued as a fresh
// single-runnable batch.
func (l *Loop) Completed(completions []rmclient.CompletedContainer) {
	restart := map[string]int{}
	for _, c := range completions {
		abnormal := c.ExitStatus != 0
		runnableName, found := l.registry.HandleCompleted(c.ContainerID, abnormal, restart)
		if !found {
			continue
		}
		if l.metrics != nil {
			exitClass := "clean"
			if abnormal {
				exitClass = "abnormal"
			}
			l.metrics.ContainersCompleted.WithLabelValues(runnableName, exitClass).Inc()
		}
	}

	for name, n := range restart {
		if l.metrics != nil {
			l.metrics.ContainersRestarted.WithLabelValues(name).Add(float64(n))
		}
		l.mu.Lock()
		l.expected[name].RequestedAt = time.Now()
		l.pendingBatches = append(l.pendingBatches, []string{name})
		l.mu.Unlock()
	}
}

func (l *Loop) checkTimeouts(ctx context.Context) {
	var events []eventhandler.TimeoutEvent
	l.mu.Lock()
	for name, exp := range l.expected {
		running := l.registry.Count(name)
		if running != exp.Desired {
			events = append(events, eventhandler.TimeoutEvent{
				RunnableName: name,
				Expected:     exp.Desired,
				Actual:       running,
				RequestedAt:  exp.RequestedAt,
			})
		}
	}
	l.mu.Unlock()

	action, err := l.handler.LaunchTimeout(events)
	if err != nil {
		l.logger.Error("event handler failed on launch timeout", zap.Error(err))
		l.nextTimeoutCheck = time.Now().Add(l.defaultTimeout)
		return
	}

	for _, ev := range events {
		if l.metrics != nil {
			l.metrics.ProvisionTimeouts.WithLabelValues(ev.RunnableName).Inc()
		}
	}

	if action.Timeout < 0 {
		l.logger.Info("event handler requested shutdown on provisioning timeout")
		l.nextTimeoutCheck = time.Now()
		l.requestShutdown()
		return
	}
	l.nextTimeoutCheck = time.Now().Add(action.Timeout)
}

// shutdownRequested is set by checkTimeouts and observed by the AM
// orchestrator via ShutdownRequested.
func (l *Loop) requestShutdown() {
	l.mu.Lock()
	l.shutdownRequested = true
	l.mu.Unlock()
}

// ShutdownRequested reports whether the event handler has asked for a
// clean shutdown.
func (l *Loop) ShutdownRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdownRequested
}

// SetDesired is the thread-safe entry point instancechange.Worker uses
// to mutate a runnable's desired count.
func (l *Loop) SetDesired(runnableName string, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.expected[runnableName]
	if !ok {
		exp = &common.ExpectedCount{}
		l.expected[runnableName] = exp
	}
	exp.Desired = count
	exp.RequestedAt = time.Now()
}

func (l *Loop) Desired(runnableName string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.expected[runnableName]; ok {
		return exp.Desired
	}
	return 0
}

// EnqueueBatch appends a fresh request batch (used by instancechange.Worker
// for scale-ups) to the pending batch queue, behind whatever is already
// in flight.
func (l *Loop) EnqueueBatch(runnableNames ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingBatches = append(l.pendingBatches, append([]string(nil), runnableNames...))
}
