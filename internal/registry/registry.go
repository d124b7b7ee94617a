// Package registry is the in-memory source of truth for live containers:
// which instances of which runnables are running, what they're reachable
// at, and in what order they were started. All state lives behind one
// mutex and one condition variable rather than per-runnable locks, so a
// waiter blocked on one runnable's count is woken (and recheck its own
// condition) on any change anywhere in the registry.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"weave/internal/common"
	"weave/internal/identity"
	"weave/internal/logbroker"
	"weave/internal/metrics"
	"weave/internal/spec"
)

// ContainerInfo is what the resource manager told the provisioning loop
// about a freshly acquired container.
type ContainerInfo struct {
	ContainerID string
	Host        string
	VCores      int32
	MemoryMB    int64
}

// Controller is the handle through which the AM reaches a running
// instance: send it a control message, or ask it to stop. Launcher
// implementations return one per launched process.
type Controller interface {
	Send(msg []byte) error
	Stop(ctx context.Context) error
}

// Launcher turns an acquired container into a running process. The
// default implementation (internal/launcher) speaks to the in-container
// runnable host over HTTP; tests use a fake.
type Launcher interface {
	Launch(ctx context.Context, runnableName string, instanceID int, runID identity.RunId, info ContainerInfo, runtimeSpec spec.RuntimeSpec) (Controller, error)
}

type instance struct {
	RunnableName string
	InstanceID   int
	RunID        identity.RunId
	Info         ContainerInfo
	Controller   Controller
	StartedAt    time.Time
}

// Registry is the thread-safe container registry. All public operations
// take the single lock; WaitForCount releases it while parked on the
// shared condition variable.
type Registry struct {
	mu   sync.Mutex
	cond *sync.Cond

	bitmaps map[string]*bitset // runnable -> instance id allocator
	running map[string]map[int]*instance
	byCID   map[string]*instance // containerId -> instance

	startSequence []string // start order; a runnable is appended unless it is already the last entry

	logger *zap.Logger

	// broker and metricsReg are wired once during AM startup via
	// SetLogBroker/SetMetrics, before the registry is reachable
	// concurrently, so they're read below without the lock.
	broker     *logbroker.Broker
	metricsReg *metrics.Registry
}

func New() *Registry {
	r := &Registry{
		bitmaps: make(map[string]*bitset),
		running: make(map[string]map[int]*instance),
		byCID:   make(map[string]*instance),
		logger:  common.ComponentLogger("registry"),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// SetLogBroker wires the lifecycle-event publisher. Called once during
// startup, before the registry sees concurrent use.
func (r *Registry) SetLogBroker(b *logbroker.Broker) {
	r.broker = b
}

// SetMetrics wires the Prometheus collectors. Called once during
// startup, before the registry sees concurrent use.
func (r *Registry) SetMetrics(m *metrics.Registry) {
	r.metricsReg = m
}

// publishLifecycle sends a container lifecycle record if a log broker is
// wired; publish failures are logged, not propagated, matching
// logbroker.Broker.Publish's own hot-path guidance.
func (r *Registry) publishLifecycle(runnableName string, instanceID int, containerID, event string) {
	if r.broker == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ev := logbroker.LifecycleEvent{
			RunnableName: runnableName,
			InstanceID:   instanceID,
			ContainerID:  containerID,
			Event:        event,
			Timestamp:    time.Now(),
		}
		if err := r.broker.Publish(ctx, ev); err != nil {
			r.logger.Warn("failed to publish lifecycle event",
				zap.String("runnable", runnableName), zap.Int("instance", instanceID),
				zap.String("event", event), zap.Error(err))
		}
	}()
}

// updateRunningInstancesMetricLocked sets the running-instance gauge for
// runnableName from current state. Callers must hold r.mu.
func (r *Registry) updateRunningInstancesMetricLocked(runnableName string) {
	if r.metricsReg == nil {
		return
	}
	r.metricsReg.RunningInstances.WithLabelValues(runnableName).Set(float64(len(r.running[runnableName])))
}

func (r *Registry) bitmapFor(name string) *bitset {
	b, ok := r.bitmaps[name]
	if !ok {
		b = newBitset()
		r.bitmaps[name] = b
	}
	return b
}

// currentBase returns the RunId base shared by any currently-running
// instance of name, or a fresh one if none is running.
func (r *Registry) currentBase(name string) identity.RunId {
	for _, inst := range r.running[name] {
		return inst.RunID.Base()
	}
	return identity.NewBase()
}

// Start allocates the lowest unused instance id for runnableName, derives
// its RunId, invokes the launcher, and records the resulting controller.
// runtimeSpec is the runnable's own spec entry (local files, opaque
// runnable config), folded into the launch context by launcher.
func (r *Registry) Start(ctx context.Context, runnableName string, info ContainerInfo, runtimeSpec spec.RuntimeSpec, launcher Launcher) (common.RunningContainer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bm := r.bitmapFor(runnableName)
	instanceID := bm.lowestFree()
	base := r.currentBase(runnableName)
	runID := base.WithInstance(instanceID)

	ctrl, err := launcher.Launch(ctx, runnableName, instanceID, runID, info, runtimeSpec)
	if err != nil {
		return common.RunningContainer{}, fmt.Errorf("launching %s instance %d: %w", runnableName, instanceID, err)
	}

	bm.set(instanceID)
	inst := &instance{
		RunnableName: runnableName,
		InstanceID:   instanceID,
		RunID:        runID,
		Info:         info,
		Controller:   ctrl,
		StartedAt:    time.Now(),
	}
	if r.running[runnableName] == nil {
		r.running[runnableName] = make(map[int]*instance)
	}
	r.running[runnableName][instanceID] = inst
	r.byCID[info.ContainerID] = inst

	if len(r.startSequence) == 0 || r.startSequence[len(r.startSequence)-1] != runnableName {
		r.startSequence = append(r.startSequence, runnableName)
	}

	r.logger.Info("started instance",
		zap.String("runnable", runnableName),
		zap.Int("instance", instanceID),
		zap.String("containerId", info.ContainerID))

	r.updateRunningInstancesMetricLocked(runnableName)
	r.publishLifecycle(runnableName, instanceID, info.ContainerID, logbroker.EventStarted)

	r.cond.Broadcast()
	return r.reportEntryLocked(inst), nil
}

func (r *Registry) reportEntryLocked(inst *instance) common.RunningContainer {
	return common.RunningContainer{
		RunnableName: inst.RunnableName,
		InstanceID:   inst.InstanceID,
		RunID:        inst.RunID.String(),
		ContainerID:  inst.Info.ContainerID,
		Host:         inst.Info.Host,
		VCores:       inst.Info.VCores,
		MemoryMB:     inst.Info.MemoryMB,
		StartedAt:    inst.StartedAt,
	}
}

// RemoveLast stops the highest-indexed running instance of runnableName
// and releases its id.
func (r *Registry) RemoveLast(ctx context.Context, runnableName string) error {
	r.mu.Lock()
	insts := r.running[runnableName]
	if len(insts) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: no running instances of %s", common.ErrNotFound, runnableName)
	}
	bm := r.bitmapFor(runnableName)
	top := bm.max()
	inst := insts[top]
	r.mu.Unlock()

	err := inst.Controller.Stop(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running[runnableName], top)
	delete(r.byCID, inst.Info.ContainerID)
	bm.clear(top)
	r.updateRunningInstancesMetricLocked(runnableName)
	r.publishLifecycle(runnableName, top, inst.Info.ContainerID, logbroker.EventStopped)
	r.cond.Broadcast()

	if err != nil {
		r.logger.Warn("stop failed during removeLast",
			zap.String("runnable", runnableName), zap.Int("instance", top), zap.Error(err))
		return err
	}
	r.logger.Info("removed instance", zap.String("runnable", runnableName), zap.Int("instance", top))
	return nil
}

// Count returns the number of running instances of runnableName.
func (r *Registry) Count(runnableName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running[runnableName])
}

func (r *Registry) CountAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, m := range r.running {
		total += len(m)
	}
	return total
}

func (r *Registry) IsEmpty() bool {
	return r.CountAll() == 0
}

func (r *Registry) GetContainerIds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.byCID))
	for id := range r.byCID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WaitForCount blocks until runnableName has exactly count running
// instances, or ctx is cancelled. The shared condition variable wakes
// every waiter on every add/remove; each waiter rechecks its own
// condition, so spurious wakeups just loop back to sleep.
func (r *Registry) WaitForCount(ctx context.Context, runnableName string, count int) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.running[runnableName]) != count {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.cond.Wait()
	}
	return nil
}

// SendToAll delivers msg to every running controller; onComplete fires
// exactly once after every per-controller send attempt terminates.
func (r *Registry) SendToAll(msg []byte, onComplete func()) {
	r.sendTo(r.snapshotAll(), msg, onComplete)
}

// SendToRunnable delivers msg to every instance of runnableName.
func (r *Registry) SendToRunnable(runnableName string, msg []byte, onComplete func()) {
	r.sendTo(r.snapshotRunnable(runnableName), msg, onComplete)
}

func (r *Registry) snapshotAll() []*instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*instance
	for _, m := range r.running {
		for _, inst := range m {
			out = append(out, inst)
		}
	}
	return out
}

func (r *Registry) snapshotRunnable(name string) []*instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*instance
	for _, inst := range r.running[name] {
		out = append(out, inst)
	}
	return out
}

func (r *Registry) sendTo(targets []*instance, msg []byte, onComplete func()) {
	if len(targets) == 0 {
		if onComplete != nil {
			onComplete()
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, inst := range targets {
		go func(inst *instance) {
			defer wg.Done()
			if err := inst.Controller.Send(msg); err != nil {
				r.logger.Warn("send failed",
					zap.String("runnable", inst.RunnableName), zap.Int("instance", inst.InstanceID), zap.Error(err))
			}
		}(inst)
	}
	go func() {
		wg.Wait()
		if onComplete != nil {
			onComplete()
		}
	}()
}

// StopAll stops every running container in reverse-startSequence order: a
// later-started runnable is always fully stopped before an earlier one.
// Within a runnable, stops run in parallel with best-effort semantics — a
// failed stop does not abort the sequence. All state is cleared at the
// end.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	order := make([]string, len(r.startSequence))
	copy(order, r.startSequence)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		targets := r.snapshotRunnable(name)
		if len(targets) == 0 {
			continue
		}
		var wg sync.WaitGroup
		wg.Add(len(targets))
		for _, inst := range targets {
			go func(inst *instance) {
				defer wg.Done()
				if err := inst.Controller.Stop(ctx); err != nil {
					r.logger.Warn("stop failed during stopAll",
						zap.String("runnable", inst.RunnableName), zap.Int("instance", inst.InstanceID), zap.Error(err))
				}
			}(inst)
		}
		wg.Wait()
	}

	r.mu.Lock()
	r.bitmaps = make(map[string]*bitset)
	r.running = make(map[string]map[int]*instance)
	r.byCID = make(map[string]*instance)
	r.startSequence = nil
	r.cond.Broadcast()
	r.mu.Unlock()
}

// HandleCompleted reconciles a resource-manager completion notification:
// it frees the instance id and, for an abnormal exit, records the
// runnable for re-request. A container no longer tracked (it was
// intentionally removed via RemoveLast) is a silent no-op.
func (r *Registry) HandleCompleted(containerID string, abnormal bool, restartSet map[string]int) (runnableName string, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byCID[containerID]
	if !ok {
		return "", false
	}

	delete(r.running[inst.RunnableName], inst.InstanceID)
	delete(r.byCID, containerID)
	r.bitmapFor(inst.RunnableName).clear(inst.InstanceID)
	r.updateRunningInstancesMetricLocked(inst.RunnableName)
	r.publishLifecycle(inst.RunnableName, inst.InstanceID, containerID, logbroker.EventCompleted)
	r.cond.Broadcast()

	if abnormal && restartSet != nil {
		restartSet[inst.RunnableName]++
	}
	r.logger.Info("container completed",
		zap.String("runnable", inst.RunnableName),
		zap.Int("instance", inst.InstanceID),
		zap.Bool("abnormal", abnormal))
	return inst.RunnableName, true
}

// GetResourceReport renders the current state as the tracker's contract
// shape.
func (r *Registry) GetResourceReport(appID string, am common.AppMasterResourceEntry) common.ResourceReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := common.ResourceReport{
		AppID:              appID,
		AppMasterResources: am,
		Resources:          make(map[string][]common.RunningContainer),
	}
	for name, insts := range r.running {
		list := make([]common.RunningContainer, 0, len(insts))
		for _, inst := range insts {
			list = append(list, r.reportEntryLocked(inst))
		}
		sort.Slice(list, func(i, j int) bool { return list[i].InstanceID < list[j].InstanceID })
		report.Resources[name] = list
	}
	return report
}
