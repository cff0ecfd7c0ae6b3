package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublisherWritesKeyedEnvelope(t *testing.T) {
	w := &recordingWriter{}
	p := NewKafkaPublisher(w, zap.NewNop())

	evt := Event{
		ID:         "1",
		Type:       EventPaymentRequestPaid,
		Key:        "pr_001",
		OccurredAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Payload:    map[string]any{"payment_request_id": "pr_001"},
	}
	require.NoError(t, p.Publish(context.Background(), evt))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "pr_001", string(msg.Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, EventPaymentRequestPaid, decoded.Type)
	assert.Equal(t, "pr_001", decoded.Payload["payment_request_id"])

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, EventPaymentRequestPaid, headers["event_type"])
	assert.NotEmpty(t, headers["correlation_id"])
}

func TestKafkaPublisherSurfacesWriteErrors(t *testing.T) {
	p := NewKafkaPublisher(&recordingWriter{err: errors.New("broker down")}, zap.NewNop())
	err := p.Publish(context.Background(), Event{Type: EventOrderRecorded})
	assert.EqualError(t, err, "broker down")
}

func TestLogPublisherNeverFails(t *testing.T) {
	assert.NoError(t, NewLogPublisher(zap.NewNop()).Publish(context.Background(), Event{Type: EventOrderRecorded}))
}
