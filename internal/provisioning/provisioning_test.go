package provisioning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"weave/internal/common"
	"weave/internal/eventhandler"
	"weave/internal/launcher"
	"weave/internal/registry"
	"weave/internal/rmclient"
	"weave/internal/spec"
)

type noopHandler struct{}

func (noopHandler) Initialize(json.RawMessage) error { return nil }
func (noopHandler) LaunchTimeout(events []eventhandler.TimeoutEvent) (eventhandler.TimeoutAction, error) {
	return eventhandler.TimeoutAction{Timeout: time.Hour}, nil
}
func (noopHandler) Destroy() {}

func newTestApp(instances int) *spec.Application {
	return &spec.Application{
		Name: "test-app",
		Runnables: map[string]spec.RuntimeSpec{
			"echo": {Resource: spec.ResourceSpec{VCores: 1, MemoryMB: 1024, Instances: instances}},
		},
		Orders: []spec.Order{{Names: []string{"echo"}, Type: spec.OrderStarted}},
	}
}

func newTestLoop(t *testing.T, instances int) (*Loop, *registry.Registry, *launcher.Fake) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ws/v1/cluster/apps/requests":
			json.NewEncoder(w).Encode(struct {
				RequestID string `json:"requestId"`
			}{RequestID: "req-1"})
		default:
			json.NewEncoder(w).Encode(struct{}{})
		}
	}))
	t.Cleanup(srv.Close)

	reg := registry.New()
	fakeLauncher := launcher.NewFake()
	rm := rmclient.New(srv.URL)

	l := New(Dependencies{
		App:            newTestApp(instances),
		Registry:       reg,
		RM:             rm,
		Launcher:       fakeLauncher,
		Handler:        noopHandler{},
		TickInterval:   10 * time.Millisecond,
		DefaultTimeout: time.Second,
	})
	return l, reg, fakeLauncher
}

func TestGroupByCapabilityGroupsIdenticalCapabilitiesTogether(t *testing.T) {
	capability := map[string]common.Resource{
		"a": {VCores: 1, MemoryMB: 512},
		"b": {VCores: 1, MemoryMB: 512},
		"c": {VCores: 2, MemoryMB: 1024},
	}
	groups := groupByCapability([]string{"a", "b", "c"}, capability)

	require.Len(t, groups, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, groups[0].Runnables)
	assert.Equal(t, []string{"c"}, groups[1].Runnables)
}

func TestDispatchGroupAddsRequestAndQueuesIt(t *testing.T) {
	l, _, _ := newTestLoop(t, 2)

	l.advanceQueue(context.Background())

	l.mu.Lock()
	require.Len(t, l.queue, 1)
	assert.Equal(t, "echo", l.queue[0].RunnableName)
	assert.Equal(t, 2, l.queue[0].Remaining)
	l.mu.Unlock()
}

func TestAcquiredMatchesFIFOHeadAndLaunches(t *testing.T) {
	l, reg, _ := newTestLoop(t, 2)
	l.advanceQueue(context.Background())

	l.Acquired([]rmclient.AllocatedContainer{{ContainerID: "c0", Host: "n1", VCores: 1, MemoryMB: 1024}})
	assert.Equal(t, 1, reg.Count("echo"))

	l.Acquired([]rmclient.AllocatedContainer{{ContainerID: "c1", Host: "n1", VCores: 1, MemoryMB: 1024}})
	assert.Equal(t, 2, reg.Count("echo"))

	l.mu.Lock()
	assert.Empty(t, l.queue, "queue must drain once remaining reaches zero")
	l.mu.Unlock()
}

func TestAcquiredDropsSpeculativeGrantWithEmptyQueue(t *testing.T) {
	reg := registry.New()
	l := &Loop{registry: reg, logger: zap.NewNop()}

	assert.NotPanics(t, func() {
		l.Acquired([]rmclient.AllocatedContainer{{ContainerID: "orphan"}})
	})
	assert.Equal(t, 0, reg.CountAll())
}

func TestCompletedRestartsAbnormalExitAsFreshBatch(t *testing.T) {
	l, reg, fakeLauncher := newTestLoop(t, 1)
	ctx := context.Background()

	l.advanceQueue(ctx)
	l.Acquired([]rmclient.AllocatedContainer{{ContainerID: "c0", Host: "n1", VCores: 1, MemoryMB: 1024}})
	require.Equal(t, 1, reg.Count("echo"))

	l.Completed([]rmclient.CompletedContainer{{ContainerID: "c0", ExitStatus: 137}})
	assert.Equal(t, 0, reg.Count("echo"))

	l.mu.Lock()
	require.Len(t, l.pendingBatches, 1)
	assert.Equal(t, []string{"echo"}, l.pendingBatches[0])
	l.mu.Unlock()

	l.advanceQueue(ctx)
	l.Acquired([]rmclient.AllocatedContainer{{ContainerID: "c1", Host: "n1", VCores: 1, MemoryMB: 1024}})
	assert.Equal(t, 1, reg.Count("echo"))
	assert.Len(t, fakeLauncher.Launches, 2)
}

func TestCompletedCleanExitDoesNotRestart(t *testing.T) {
	l, reg, _ := newTestLoop(t, 1)
	ctx := context.Background()
	l.advanceQueue(ctx)
	l.Acquired([]rmclient.AllocatedContainer{{ContainerID: "c0", Host: "n1"}})
	require.Equal(t, 1, reg.Count("echo"))

	l.Completed([]rmclient.CompletedContainer{{ContainerID: "c0", ExitStatus: 0}})

	l.mu.Lock()
	assert.Empty(t, l.pendingBatches)
	l.mu.Unlock()
}

func TestSetDesiredAndEnqueueBatchUpdateLoopState(t *testing.T) {
	l, _, _ := newTestLoop(t, 1)
	l.SetDesired("echo", 5)
	assert.Equal(t, 5, l.Desired("echo"))

	l.EnqueueBatch("echo")
	l.mu.Lock()
	assert.Len(t, l.pendingBatches, 2) // the original order plus the new batch
	l.mu.Unlock()
}

func TestDrainedIsFalseWhileRunnablesAreRunning(t *testing.T) {
	l, reg, _ := newTestLoop(t, 1)
	ctx := context.Background()
	l.advanceQueue(ctx)
	l.Acquired([]rmclient.AllocatedContainer{{ContainerID: "c0", Host: "n1"}})
	require.Equal(t, 1, reg.Count("echo"))

	assert.False(t, l.drained())
}

func TestDrainedWithNoRunnablesAndEmptyQueues(t *testing.T) {
	l := &Loop{registry: registry.New()}
	assert.True(t, l.drained())
}
