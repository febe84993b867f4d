package bridge

import (
	"context"

	"github.com/bardlex/bridgepool/internal/messaging"
	"github.com/bardlex/bridgepool/pkg/log"
)

// JSONPublisher is the slice of the Kafka client used by TopicObserver.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// TopicObserver publishes every status change to a Kafka topic, keyed by
// transfer id so one transfer's events stay ordered on a partition.
type TopicObserver struct {
	pub    JSONPublisher
	topic  string
	logger *log.Logger
}

// NewTopicObserver creates an observer writing to topic.
func NewTopicObserver(pub JSONPublisher, topic string, logger *log.Logger) *TopicObserver {
	return &TopicObserver{pub: pub, topic: topic, logger: logger.WithComponent("transfer-events")}
}

// TransferChanged implements Observer.
func (o *TopicObserver) TransferChanged(ctx context.Context, t Transfer, from Status) {
	msg := EventMessage(t, from)
	if err := o.pub.PublishJSON(ctx, o.topic, t.ID, msg); err != nil {
		o.logger.WithTransfer(t.ID, t.SourceChain, t.DestChain).WithError(err).
			Error("failed to publish transfer event", "status", string(t.Status))
	}
}

// EventMessage converts a transfer change to its wire form.
func EventMessage(t Transfer, from Status) *messaging.TransferEventMessage {
	reason := t.RejectReason
	if reason == "" {
		reason = t.ReviewReason
	}
	return &messaging.TransferEventMessage{
		TransferID:  t.ID,
		SourceChain: t.SourceChain,
		DestChain:   t.DestChain,
		Nonce:       t.Nonce,
		Amount:      t.Amount,
		From:        string(from),
		To:          string(t.Status),
		Receipt:     t.Receipt,
		Reason:      reason,
		At:          t.UpdatedAt.UTC(),
	}
}

// Observers fans a change out to several observers in order.
type Observers []Observer

// TransferChanged implements Observer.
func (os Observers) TransferChanged(ctx context.Context, t Transfer, from Status) {
	for _, o := range os {
		o.TransferChanged(ctx, t, from)
	}
}
