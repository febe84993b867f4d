// Package alert delivers operator-facing alerts for failures that need a
// human: exhausted destination retries, manual review flags and payout errors.
package alert

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/bridgepool/pkg/log"
)

// Severity of an alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity
	Source   string // "bridge", "relayer", "payout"
	Subject  string // transfer id, period id
	Message  string
	Fields   map[string]any
	At       time.Time
}

// Sink receives alerts. Implementations must not block for long.
type Sink interface {
	Raise(ctx context.Context, a Alert)
}

// ProtoPublisher is the slice of the Kafka client used by TopicSink.
type ProtoPublisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// TopicSink publishes alerts as structpb.Struct payloads keyed by subject.
// Publish failures are logged; the alert is also always logged.
type TopicSink struct {
	pub    ProtoPublisher
	topic  string
	logger *log.Logger
}

// NewTopicSink creates a Kafka backed sink.
func NewTopicSink(pub ProtoPublisher, topic string, logger *log.Logger) *TopicSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &TopicSink{pub: pub, topic: topic, logger: logger.WithComponent("alert")}
}

// Raise implements Sink.
func (s *TopicSink) Raise(ctx context.Context, a Alert) {
	logAlert(s.logger, a)

	payload, err := Payload(a)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode alert", "subject", a.Subject)
		return
	}
	if err := s.pub.PublishProto(ctx, s.topic, a.Subject, payload); err != nil {
		s.logger.WithError(err).Error("failed to publish alert", "subject", a.Subject)
	}
}

// Payload converts an alert into its wire form.
func Payload(a Alert) (*structpb.Struct, error) {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	fields := map[string]any{
		"severity": string(a.Severity),
		"source":   a.Source,
		"subject":  a.Subject,
		"message":  a.Message,
		"at":       at.UTC().Format(time.RFC3339Nano),
	}
	if len(a.Fields) > 0 {
		extra := make(map[string]any, len(a.Fields))
		for k, v := range a.Fields {
			extra[k] = normalize(v)
		}
		fields["fields"] = extra
	}
	return structpb.NewStruct(fields)
}

// structpb only accepts JSON-like scalars.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case error:
		return t.Error()
	case time.Duration:
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// LogSink only logs. Used when Kafka is not configured.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a logging sink.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogSink{logger: logger.WithComponent("alert")}
}

// Raise implements Sink.
func (s *LogSink) Raise(_ context.Context, a Alert) {
	logAlert(s.logger, a)
}

func logAlert(logger *log.Logger, a Alert) {
	args := []any{"severity", a.Severity, "source", a.Source, "subject", a.Subject}
	for k, v := range a.Fields {
		args = append(args, k, v)
	}
	if a.Severity == SeverityCritical {
		logger.Error(a.Message, args...)
		return
	}
	logger.Warn(a.Message, args...)
}

// Recorder keeps alerts in memory. Tests use it to assert on raised alerts.
type Recorder struct {
	ch chan Alert
}

// NewRecorder buffers up to size alerts.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Alert, size)}
}

// Raise implements Sink. Drops the alert when the buffer is full.
func (r *Recorder) Raise(_ context.Context, a Alert) {
	select {
	case r.ch <- a:
	default:
	}
}

// Alerts returns the channel of recorded alerts.
func (r *Recorder) Alerts() <-chan Alert { return r.ch }
