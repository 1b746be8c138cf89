// Package kafka publishes relay lifecycle events to an optional Kafka
// pipeline for downstream analytics. Everything here is best-effort: the
// relay never blocks on, or fails because of, event delivery.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Topic carrying relay session and stream status events.
const EventsTopic = "relay_events"

// Event types published by the relay
const (
	EventConnectionOpen  = "connection-open"
	EventConnectionClose = "connection-close"
	EventStreamStatus    = "stream-status"
)

// RelayEvent is the wire format of a relay lifecycle event.
type RelayEvent struct {
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	Source       string                 `json:"source"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	LineID       int64                  `json:"line_id,omitempty"`
	StreamID     int64                  `json:"stream_id,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Producer publishes relay events via franz-go.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
	source string
}

// NewProducer creates a producer against the given brokers.
func NewProducer(brokers []string, clientID, source string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		source: source,
	}, nil
}

// Publish sends one relay event. Errors are returned for metrics but the
// caller treats delivery as best-effort.
func (p *Producer) Publish(event *RelayEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Source == "" {
		event.Source = p.source
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	record := &kgo.Record{
		Topic: EventsTopic,
		Key:   []byte(event.EventID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "source", Value: []byte(event.Source)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// HealthCheck pings the brokers.
func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks.
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}

// Close shuts the producer down.
func (p *Producer) Close() error {
	p.client.Close()
	return nil
}
