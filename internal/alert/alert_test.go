package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/bridgepool/pkg/log"
)

type fakePublisher struct {
	topic, key string
	msg        proto.Message
	err        error
}

func (p *fakePublisher) PublishProto(_ context.Context, topic, key string, msg proto.Message) error {
	p.topic, p.key, p.msg = topic, key, msg
	return p.err
}

func TestPayload(t *testing.T) {
	require := require.New(t)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p, err := Payload(Alert{
		Severity: SeverityCritical,
		Source:   "relayer",
		Subject:  "abcd",
		Message:  "destination retries exhausted",
		Fields: map[string]any{
			"attempts":  5,
			"dest":      uint32(2),
			"cause":     errors.New("rpc down"),
			"backoff":   2 * time.Second,
			"recipient": "bcrt1q",
		},
		At: at,
	})
	require.NoError(err)
	require.Equal("critical", p.Fields["severity"].GetStringValue())
	require.Equal("2026-01-02T03:04:05Z", p.Fields["at"].GetStringValue())

	fields := p.Fields["fields"].GetStructValue().Fields
	require.Equal(5.0, fields["attempts"].GetNumberValue())
	require.Equal(2.0, fields["dest"].GetNumberValue())
	require.Equal("rpc down", fields["cause"].GetStringValue())
	require.Equal("2s", fields["backoff"].GetStringValue())
}

func TestTopicSink(t *testing.T) {
	require := require.New(t)
	pub := &fakePublisher{}
	sink := NewTopicSink(pub, "ops.alerts", log.Nop())

	sink.Raise(context.Background(), Alert{Severity: SeverityWarning, Source: "bridge", Subject: "t1", Message: "manual review"})

	require.Equal("ops.alerts", pub.topic)
	require.Equal("t1", pub.key)
	st, ok := pub.msg.(*structpb.Struct)
	require.True(ok)
	require.Equal("manual review", st.Fields["message"].GetStringValue())

	// publish failures are swallowed after logging
	pub.err = errors.New("broker down")
	require.NotPanics(func() {
		sink.Raise(context.Background(), Alert{Severity: SeverityCritical, Subject: "t2"})
	})
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(1)
	r.Raise(context.Background(), Alert{Subject: "a"})
	r.Raise(context.Background(), Alert{Subject: "b"})

	got := <-r.Alerts()
	require.Equal(t, "a", got.Subject)
	require.Len(t, r.Alerts(), 0)
}
