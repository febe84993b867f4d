package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
)

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, nil)

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}
	if client.logger == nil {
		t.Error("Logger should default to a no-op logger")
	}
	if client.writers == nil || client.readers == nil {
		t.Error("Connection maps should be initialized")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	producer1 := client.GetProducer(TopicTransferEvents)
	if producer1.Topic != TopicTransferEvents {
		t.Errorf("Expected topic %s, got %s", TopicTransferEvents, producer1.Topic)
	}

	if producer2 := client.GetProducer(TopicTransferEvents); producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}
	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	consumer1 := client.GetConsumer(TopicShares, "poold")
	if consumer2 := client.GetConsumer(TopicShares, "poold"); consumer1 != consumer2 {
		t.Error("Expected same consumer instance from cache")
	}
	if consumer3 := client.GetConsumer(TopicShares, "audit"); consumer1 == consumer3 {
		t.Error("Expected different consumer for different group")
	}
	if len(client.readers) != 2 {
		t.Errorf("Expected 2 readers in map, got %d", len(client.readers))
	}
	_ = client.Close()
}

func TestKafkaClient_PublishJSON_Unmarshalable(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	err := client.PublishJSON(context.Background(), TopicAlerts, "k", map[string]any{"bad": make(chan int)})
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Expected validation error for unmarshalable value, got %v", err)
	}
	if len(client.writers) != 0 {
		t.Error("Expected no producer to be created for a rejected message")
	}
}

func TestKafkaClient_PublishProto(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())
	defer func() { _ = client.Close() }()

	payload, err := structpb.NewStruct(map[string]any{"severity": "critical", "transfer_id": "ab"})
	if err != nil {
		t.Fatalf("structpb: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.PublishProto(ctx, TopicAlerts, "ab", payload); err != nil {
		t.Logf("Publish failed (expected without Kafka): %v", err)
	}
}

func TestDecodeJSON(t *testing.T) {
	var got *ShareMessage
	handler := DecodeJSON(func(_ context.Context, key string, v *ShareMessage) error {
		if key != "miner-1" {
			t.Errorf("unexpected key %q", key)
		}
		got = v
		return nil
	})

	raw, _ := json.Marshal(ShareMessage{MinerID: "miner-1", JobID: "j1", Nonce: 7, Difficulty: 16})
	if err := handler(context.Background(), "miner-1", raw); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got == nil || got.Nonce != 7 || got.JobID != "j1" {
		t.Errorf("unexpected decoded share %+v", got)
	}

	if err := handler(context.Background(), "miner-1", []byte("{not json")); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Expected validation error for malformed payload, got %v", err)
	}
}

func TestStructPayloadRoundTrip(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{"period_id": 12.0, "reason": "payer unavailable"})
	if err != nil {
		t.Fatalf("structpb: %v", err)
	}
	data, err := proto.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := &structpb.Struct{}
	if err := proto.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["reason"].GetStringValue() != "payer unavailable" {
		t.Errorf("unexpected payload %v", out)
	}
}

func TestKafkaClient_StartConsumer_Cancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	calls := 0
	err := client.StartConsumer(ctx, TopicShares, "test-group", func(context.Context, string, []byte) error {
		calls++
		return nil
	})
	if err == nil {
		t.Error("Expected consumer to stop with a context error")
	}
	t.Logf("consumer stopped after %d messages: %v", calls, err)
}

func TestKafkaClient_Close(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	_ = client.GetProducer("topic1")
	_ = client.GetProducer("topic2")
	_ = client.GetConsumer("topic1", "group1")

	if err := client.Close(); err != nil {
		t.Logf("Close returned error (expected without Kafka): %v", err)
	}
	if len(client.writers) != 0 || len(client.readers) != 0 {
		t.Error("Expected connection maps to be cleared after close")
	}
}

func BenchmarkKafkaClient_GetProducer(b *testing.B) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = client.GetProducer(TopicShareResults)
	}
}
