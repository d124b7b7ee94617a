// Package common holds the value types shared by every AM component:
// resource shapes, node/container addressing, and the derived resource
// report served by the tracker.
package common

import (
	"fmt"
	"time"
)

// Resource is a (vcores, memory) capability, matched by the resource
// manager against acquisitions.
type Resource struct {
	VCores   int32 `json:"vcores" yaml:"vcores"`
	MemoryMB int64 `json:"memoryMB" yaml:"memoryMB"`
}

func (r Resource) Equals(o Resource) bool {
	return r.VCores == o.VCores && r.MemoryMB == o.MemoryMB
}

func (r Resource) String() string {
	return fmt.Sprintf("%dx%dMB", r.VCores, r.MemoryMB)
}

// NodeID addresses the host running a container.
type NodeID struct {
	Host string `json:"host"`
	Port int32  `json:"port"`
}

// ExpectedCount is the per-runnable desired instance count and the time
// it was last bumped, used to drive provisioning timeouts.
type ExpectedCount struct {
	Desired     int       `json:"desired"`
	RequestedAt time.Time `json:"requestedAt"`
}

// RunningContainer is everything the registry knows about one live
// instance of a runnable.
type RunningContainer struct {
	RunnableName string    `json:"runnableName"`
	InstanceID   int       `json:"instanceId"`
	RunID        string    `json:"runId"`
	ContainerID  string    `json:"containerId"`
	Host         string    `json:"host"`
	VCores       int32     `json:"vcores"`
	MemoryMB     int64     `json:"memoryMB"`
	StartedAt    time.Time `json:"startedAt"`
}

// ResourceReport is the live snapshot served by the tracker.
type ResourceReport struct {
	AppID              string                        `json:"appId"`
	AppMasterResources AppMasterResourceEntry         `json:"appMasterResources"`
	Resources          map[string][]RunningContainer `json:"resources"`
}

// AppMasterResourceEntry describes the AM's own container, in the same
// shape as a runnable's entries so clients can render them uniformly.
type AppMasterResourceEntry struct {
	VCores      int32  `json:"vcores"`
	MemoryMB    int64  `json:"memoryMB"`
	Host        string `json:"host"`
	ContainerID string `json:"containerId"`
	InstanceID  int    `json:"instanceId"`
}
