// Package logbroker manages the AM's connection to the cluster's log
// broker: a Kafka topic every container's log-shipping sidecar publishes
// to. The AM does not run the broker itself (out of scope — an external
// collaborator) but owns the lifecycle of its own producer, used to
// publish container lifecycle records (start/stop/exit) that the
// log-shipping pipeline correlates against the raw log stream.
package logbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"weave/internal/common"
)

// LifecycleEvent is one container lifecycle record published to the
// broker; the log-shipping sidecar joins these against raw log lines by
// containerId.
type LifecycleEvent struct {
	RunnableName string    `json:"runnable"`
	InstanceID   int       `json:"instanceId"`
	ContainerID  string    `json:"containerId"`
	Event        string    `json:"event"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	EventStarted   = "started"
	EventStopped   = "stopped"
	EventCompleted = "completed"
)

// Broker owns a Kafka producer targeting the cluster's shared log-broker
// topic. Address is what gets injected into every container's
// environment so its log sidecar knows where to ship to.
type Broker struct {
	address string
	topic   string
	writer  *kafka.Writer
	logger  *zap.Logger
}

// Start prepares a writer for topic against address (comma-separated
// broker list) without dialing it. It does not block on broker availability: kafka-go
// writers connect lazily on first write, matching the 1 Hz control
// loop's tolerance for transient unavailability.
func Start(address, topic string) (*Broker, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: log broker address is empty", common.ErrInvalidParameter)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(splitAddresses(address)...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	b := &Broker{
		address: address,
		topic:   topic,
		writer:  w,
		logger:  common.ComponentLogger("logbroker"),
	}
	b.logger.Info("log broker producer started", zap.String("address", address), zap.String("topic", topic))
	return b, nil
}

func splitAddresses(address string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(address); i++ {
		if i == len(address) || address[i] == ',' {
			if i > start {
				out = append(out, address[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Address is the broker connect string, injected into container
// environments as WEAVE_LOG_KAFKA_ZK / LOG_BROKER_ADDR.
func (b *Broker) Address() string {
	return b.address
}

// Publish writes a lifecycle record; failures are non-fatal to the
// caller's own operation (provisioning continues whether or not the log
// pipeline is healthy), so callers should log, not propagate, a returned
// error if they're on a hot path.
func (b *Broker) Publish(ctx context.Context, ev LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling lifecycle event: %w", err)
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ContainerID),
		Value: data,
		Time:  ev.Timestamp,
	})
}

// Stop flushes and closes the producer.
func (b *Broker) Stop() error {
	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("closing log broker producer: %w", err)
	}
	b.logger.Info("log broker producer stopped")
	return nil
}
