package notify

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"bus-monitor/alerting/internal/domain"
)

// amqpChannel is the part of *amqp.Channel the publisher needs.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitMQPublisher struct {
	ch       amqpChannel
	exchange string
}

// NewRabbitMQPublisher declares a durable fanout exchange and binds a
// durable queue to it so alerts survive until a consumer picks them up.
func NewRabbitMQPublisher(conn *amqp.Connection, exchange, queue string) (*RabbitMQPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "rabbitmq channel")
	}
	p, err := newRabbitMQPublisher(ch, exchange, queue)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return p, nil
}

func newRabbitMQPublisher(ch amqpChannel, exchange, queue string) (*RabbitMQPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare exchange")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare queue")
	}
	if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
		return nil, errors.Wrap(err, "bind queue")
	}
	return &RabbitMQPublisher{ch: ch, exchange: exchange}, nil
}

func (p *RabbitMQPublisher) PublishAlert(ctx context.Context, rec *domain.AlertRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal alert")
	}

	return p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Timestamp:    rec.Timestamp,
		Type:         string(rec.Type),
		Body:         body,
	})
}

func (p *RabbitMQPublisher) Close() error {
	return p.ch.Close()
}
