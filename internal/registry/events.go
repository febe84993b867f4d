package registry

import (
	"context"
	"time"
)

// EventKind names a registry mutation.
type EventKind string

const (
	EventValidatorAdded   EventKind = "validator_added"
	EventValidatorRemoved EventKind = "validator_removed"
	EventThresholdChanged EventKind = "threshold_changed"
)

// Event is the audit record of one registry mutation.
type Event struct {
	// Sequence orders events by mutation. It starts at 1 for each registry.
	Sequence     uint64    `json:"sequence"`
	Kind         EventKind `json:"kind"`
	Identity     string    `json:"identity,omitempty"`
	Power        uint64    `json:"power,omitempty"`
	TotalPower   uint64    `json:"total_power"`
	ThresholdNum uint64    `json:"threshold_num"`
	ThresholdDen uint64    `json:"threshold_den"`
	At           time.Time `json:"at"`
}

// EventSink receives audit events after the mutation is applied.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// NopSink drops events. The registry still logs them.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(context.Context, Event) error { return nil }

// JSONPublisher is the slice of the Kafka client the sink needs.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// TopicSink publishes events as JSON keyed by validator identity.
type TopicSink struct {
	pub   JSONPublisher
	topic string
}

// NewTopicSink returns a sink writing to topic.
func NewTopicSink(pub JSONPublisher, topic string) *TopicSink {
	return &TopicSink{pub: pub, topic: topic}
}

// Emit implements EventSink.
func (s *TopicSink) Emit(ctx context.Context, ev Event) error {
	key := ev.Identity
	if key == "" {
		key = string(ev.Kind)
	}
	return s.pub.PublishJSON(ctx, s.topic, key, ev)
}
