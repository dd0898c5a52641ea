// internal/event/nats.go
// Package event provides NATS JetStream implementation for configuration
// change notifications. Admin writes publish change events; serving nodes
// subscribe and hand them to the restart coordinator.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Stream and subject layout for configuration change events.
const (
	streamName     = "PXG_CONFIG"
	subjectPattern = "pxg.config.*"
	SubjectChanged = "pxg.config.changed"
)

// ConfigChange is the payload of a configuration change event.
type ConfigChange struct {
	RecordType string `json:"recordType"` // origin, mapping, or policy
	RecordID   string `json:"recordId"`
	Action     string `json:"action"` // created, updated, or deleted
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Publisher publishes configuration change events.
type Publisher interface {
	PublishConfigChanged(ctx context.Context, change ConfigChange) error
	Close() error
}

// Subscriber delivers configuration change events to a handler.
type Subscriber interface {
	// SubscribeConfigChanged invokes handler for every change event until
	// Close is called. Delivery is at-least-once.
	SubscribeConfigChanged(handler func(ConfigChange)) error
	Close() error
}

// noop is used when NATS is not configured. The service functions without
// change notifications; configuration then only applies on manual restart.
type noop struct{}

func (n *noop) Close() error { return nil }

func (n *noop) PublishConfigChanged(ctx context.Context, change ConfigChange) error { return nil }

func (n *noop) SubscribeConfigChanged(handler func(ConfigChange)) error { return nil }

// Bus is the NATS JetStream implementation of Publisher and Subscriber.
type Bus struct {
	nc *nats.Conn
	js nats.JetStreamContext

	mutex sync.Mutex
	subs  []*nats.Subscription
}

// Connect creates a bus from a NATS URL. An empty URL or a failed connection
// yields a no-op bus so the service can run without event streaming.
func Connect(url string) interface {
	Publisher
	Subscriber
} {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop bus", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop bus", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStream(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop bus", "error", err)
		nc.Close()
		return &noop{}
	}

	return &Bus{nc: nc, js: js}
}

// initStream creates the configuration change stream if it does not exist.
func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPattern},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", streamName, err)
	}
	return nil
}

// Close drains subscriptions and closes the NATS connection.
func (b *Bus) Close() error {
	b.mutex.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mutex.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

// PublishConfigChanged publishes a configuration change event wrapped in the
// standard envelope.
func (b *Bus) PublishConfigChanged(ctx context.Context, change ConfigChange) error {
	envelope := EventEnvelope{
		Type:          SubjectChanged,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       change,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(SubjectChanged, payload)
	return err
}

// SubscribeConfigChanged subscribes to change events and decodes each
// envelope before handing the payload to the handler. Undecodable messages
// are logged and dropped rather than redelivered forever.
func (b *Bus) SubscribeConfigChanged(handler func(ConfigChange)) error {
	sub, err := b.js.Subscribe(SubjectChanged, func(msg *nats.Msg) {
		defer msg.Ack()

		change, err := decodeChange(msg.Data)
		if err != nil {
			slog.Warn("dropping undecodable config change event", "error", err)
			return
		}
		handler(change)
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectChanged, err)
	}

	b.mutex.Lock()
	b.subs = append(b.subs, sub)
	b.mutex.Unlock()

	return nil
}

// decodeChange unwraps a change event from its envelope.
func decodeChange(data []byte) (ConfigChange, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ConfigChange{}, err
	}

	raw, err := json.Marshal(envelope.Payload)
	if err != nil {
		return ConfigChange{}, err
	}
	var change ConfigChange
	if err := json.Unmarshal(raw, &change); err != nil {
		return ConfigChange{}, err
	}
	return change, nil
}
