package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/lemonsync/internal/observability/logger"
	"github.com/smallbiznis/lemonsync/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	EventPaymentRequestPaid  = "payment_request.paid"
	EventOrderRecorded       = "lemonsqueezy.order.recorded"
	EventSubscriptionChanged = "lemonsqueezy.subscription.changed"
)

// Event is the JSON envelope published for downstream consumers.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Key        string         `json:"key"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer Writer
	log    *zap.Logger
}

func NewKafkaPublisher(writer Writer, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, log: log.Named("events.kafka")}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	headers := []kafka.Header{{Key: "event_type", Value: []byte(evt.Type)}}
	for key, val := range correlation.Headers(ctx) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(val)})
	}

	msg := kafka.Message{
		Key:     []byte(evt.Key),
		Value:   value,
		Headers: headers,
		Time:    evt.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.WithContext(ctx, p.log).Warn("kafka publish failed",
			zap.String("event_type", evt.Type),
			zap.String("event_id", evt.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the structured log when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("events.log")}
}

func (p *LogPublisher) Publish(ctx context.Context, evt Event) error {
	logger.WithContext(ctx, p.log).Info("event published",
		zap.String("event_type", evt.Type),
		zap.String("event_id", evt.ID),
		zap.String("key", evt.Key),
		zap.Any("payload", evt.Payload),
	)
	return nil
}
