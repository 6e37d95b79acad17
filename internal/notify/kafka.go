package notify

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"

	"bus-monitor/alerting/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes alerts keyed by bus id, so all alerts of one bus
// land on the same partition in order.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) PublishAlert(ctx context.Context, rec *domain.AlertRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal alert")
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.BusID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "alert_type", Value: []byte(rec.Type)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "kafka write failed for alert %s", rec.ID)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
