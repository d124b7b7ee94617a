package launcher

import (
	"context"
	"sync"

	"weave/internal/identity"
	"weave/internal/registry"
	"weave/internal/spec"
)

// Fake is an in-memory Launcher for tests: it never makes a network
// call, just records what it was asked to do.
type Fake struct {
	mu        sync.Mutex
	Launches  []FakeLaunch
	Instances map[string]*FakeController
}

type FakeLaunch struct {
	RunnableName string
	InstanceID   int
	RunID        identity.RunId
	Info         registry.ContainerInfo
	RuntimeSpec  spec.RuntimeSpec
}

func NewFake() *Fake {
	return &Fake{Instances: make(map[string]*FakeController)}
}

func (f *Fake) Launch(ctx context.Context, runnableName string, instanceID int, runID identity.RunId, info registry.ContainerInfo, runtimeSpec spec.RuntimeSpec) (registry.Controller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Launches = append(f.Launches, FakeLaunch{runnableName, instanceID, runID, info, runtimeSpec})
	ctrl := &FakeController{}
	f.Instances[info.ContainerID] = ctrl
	return ctrl, nil
}

// FakeController records every message it receives and whether Stop was
// called.
type FakeController struct {
	mu       sync.Mutex
	Messages [][]byte
	Stopped  bool
}

func (c *FakeController) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, msg)
	return nil
}

func (c *FakeController) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Stopped = true
	return nil
}
