package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes notifications to a Kafka topic for an external
// delivery service (email/SMS/push) to consume. Keyed by recipient so
// all notifications for one patient land in order on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

type kafkaEnvelope struct {
	RecipientID string         `json:"recipient_id"`
	Template    string         `json:"template"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (s *KafkaSink) Deliver(ctx context.Context, n Notification) error {
	value, err := json.Marshal(kafkaEnvelope{
		RecipientID: n.RecipientID.String(),
		Template:    n.Template,
		Payload:     n.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.RecipientID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "template", Value: []byte(n.Template)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
