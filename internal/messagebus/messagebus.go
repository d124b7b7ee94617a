// Package messagebus dispatches control messages posted into the
// metadata store under the AM's namespace. Messages arrive as
// sequence-numbered child nodes of either the application-wide messages
// node or a runnable's own messages node; the bus watches both, decodes
// each new node, routes it to the right destination, and deletes the
// node only once delivery has been attempted.
package messagebus

import (
	"encoding/json"
	"path"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"weave/internal/common"
	"weave/internal/instancechange"
	"weave/internal/metadata"
	"weave/internal/metrics"
)

// Type distinguishes operator-issued commands from ones the cluster
// itself generates (credential rotation, liveness probes).
type Type string

const (
	TypeUser   Type = "USER"
	TypeSystem Type = "SYSTEM"
)

// Scope says who should receive a message.
type Scope string

const (
	ScopeApplication Scope = "APPLICATION"
	ScopeAllRunnable Scope = "ALL_RUNNABLE"
	ScopeRunnable    Scope = "RUNNABLE"
)

// Command is the opaque instruction carried by a Message; Options values
// are decoded loosely (JSON numbers arrive as float64) since the AM only
// ever needs a handful of well-known keys out of them.
type Command struct {
	Name    string                 `json:"command"`
	Options map[string]interface{} `json:"options"`
}

// Message is the wire shape of a control-message node's data.
type Message struct {
	Type         Type   `json:"type"`
	Scope        Scope  `json:"scope"`
	RunnableName string `json:"runnableName,omitempty"`
	Command      Command `json:"command"`
}

const instancesCommand = "instances"

// MetadataStore is the slice of metadata.Client the bus needs.
type MetadataStore interface {
	Children(p string) ([]string, error)
	GetData(p string) ([]byte, error)
	Delete(p string) error
	WatchChildren(p string, handler metadata.WatchHandler) error
}

// ContainerRegistry is the slice of registry.Registry the bus needs for
// broadcast/targeted delivery.
type ContainerRegistry interface {
	SendToAll(msg []byte, onComplete func())
	SendToRunnable(runnableName string, msg []byte, onComplete func())
}

// InstanceChangeSubmitter is the slice of instancechange.Worker the bus
// needs to hand off scaling requests without blocking message dispatch.
type InstanceChangeSubmitter interface {
	Submit(req instancechange.Request)
}

// DesiredLookup is the slice of provisioning.Loop the bus needs to learn
// a runnable's current desired count before submitting a scale request.
type DesiredLookup interface {
	Desired(runnableName string) int
}

// Bus watches the metadata store's message nodes and routes decoded
// messages to the registry, the instance-change worker, or a
// credential-cache invalidation hook.
type Bus struct {
	store    MetadataStore
	registry ContainerRegistry
	changes  InstanceChangeSubmitter
	desired  DesiredLookup
	metrics  *metrics.Registry
	logger   *zap.Logger

	runnables            []string
	onSecureStoreUpdated func()
}

func New(store MetadataStore, registry ContainerRegistry, changes InstanceChangeSubmitter, desired DesiredLookup, metricsReg *metrics.Registry, runnables []string, onSecureStoreUpdated func()) *Bus {
	return &Bus{
		store:                store,
		registry:             registry,
		changes:              changes,
		desired:              desired,
		metrics:              metricsReg,
		logger:               common.ComponentLogger("messagebus"),
		runnables:            runnables,
		onSecureStoreUpdated: onSecureStoreUpdated,
	}
}

// Start arms watches on the application-wide messages node and every
// runnable's own messages node. Each watch re-arms itself after firing,
// so this is a one-time call.
func (b *Bus) Start() {
	b.watch(applicationMessagesPath())
	for _, name := range b.runnables {
		b.watch(runnableMessagesPath(name))
	}
}

func applicationMessagesPath() string {
	return "messages"
}

func runnableMessagesPath(runnableName string) string {
	return path.Join("runnables", runnableName, "messages")
}

func (b *Bus) watch(nodePath string) {
	var handler metadata.WatchHandler
	handler = func(p string) {
		b.handleChildrenChanged(p)
		if err := b.store.WatchChildren(nodePath, handler); err != nil {
			b.logger.Error("failed to re-arm message watch", zap.String("path", nodePath), zap.Error(err))
		}
	}
	if err := b.store.WatchChildren(nodePath, handler); err != nil {
		b.logger.Error("failed to arm message watch", zap.String("path", nodePath), zap.Error(err))
	}
}

func (b *Bus) handleChildrenChanged(nodePath string) {
	children, err := b.store.Children(nodePath)
	if err != nil {
		b.logger.Error("failed to list message nodes", zap.String("path", nodePath), zap.Error(err))
		return
	}
	sort.Strings(children) // msg<seq> names sort lexically in sequence order
	for _, child := range children {
		full := path.Join(nodePath, child)
		b.processNode(full)
	}
}

func (b *Bus) processNode(nodePath string) {
	data, err := b.store.GetData(nodePath)
	if err != nil {
		b.logger.Warn("failed to read message node", zap.String("path", nodePath), zap.Error(err))
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Error("malformed message, acking without action", zap.String("path", nodePath), zap.Error(err))
		b.ack(nodePath)
		return
	}

	b.dispatch(msg, data, nodePath)
}

func (b *Bus) ack(nodePath string) {
	if err := b.store.Delete(nodePath); err != nil {
		b.logger.Warn("failed to ack message node", zap.String("path", nodePath), zap.Error(err))
	}
}

func (b *Bus) dispatch(msg Message, raw []byte, nodePath string) {
	if b.metrics != nil {
		b.metrics.MessagesDispatched.WithLabelValues(string(msg.Scope)).Inc()
	}

	switch {
	case msg.Type == TypeSystem && msg.Scope == ScopeRunnable && msg.Command.Name == instancesCommand:
		b.handleInstanceChange(msg, raw, nodePath)

	case msg.Command.Name == "secureStoreUpdated":
		if b.onSecureStoreUpdated != nil {
			b.onSecureStoreUpdated()
		}
		b.registry.SendToAll(raw, func() { b.ack(nodePath) })

	case msg.Scope == ScopeAllRunnable:
		b.registry.SendToAll(raw, func() { b.ack(nodePath) })

	case msg.Scope == ScopeRunnable:
		b.registry.SendToRunnable(msg.RunnableName, raw, func() { b.ack(nodePath) })

	default:
		b.logger.Warn("unrecognized message, acking without action",
			zap.String("type", string(msg.Type)), zap.String("scope", string(msg.Scope)), zap.String("command", msg.Command.Name))
		b.ack(nodePath)
	}
}

func (b *Bus) handleInstanceChange(msg Message, raw []byte, nodePath string) {
	newCount, ok := optionInt(msg.Command.Options, "count")
	if !ok {
		b.logger.Warn("instances command missing integer count, acking without action",
			zap.String("runnable", msg.RunnableName))
		b.ack(nodePath)
		return
	}

	oldCount := b.desired.Desired(msg.RunnableName)
	b.changes.Submit(instancechange.Request{
		RunnableName: msg.RunnableName,
		OldCount:     oldCount,
		NewCount:     newCount,
		OriginalMsg:  raw,
		OnComplete:   func() { b.ack(nodePath) },
	})
}

func optionInt(options map[string]interface{}, key string) (int, bool) {
	v, ok := options[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
