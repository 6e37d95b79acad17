package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bus-monitor/alerting/internal/domain"
)

func testAlert() *domain.AlertRecord {
	return &domain.AlertRecord{
		ID:        "a1",
		BusID:     "B1",
		Type:      domain.AlertOverspeed,
		SpeedKmph: 72,
		Timestamp: time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
		Location:  &domain.GeoPoint{Lat: 26.14, Lng: 91.73},
	}
}

type mockSink struct {
	publishAlertFn func(ctx context.Context, rec *domain.AlertRecord) error
}

func (m *mockSink) PublishAlert(ctx context.Context, rec *domain.AlertRecord) error {
	return m.publishAlertFn(ctx, rec)
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	var got []string
	f := NewFanout(zaptest.NewLogger(t))
	f.Add("first", &mockSink{publishAlertFn: func(context.Context, *domain.AlertRecord) error {
		got = append(got, "first")
		return errors.New("unreachable")
	}})
	f.Add("second", &mockSink{publishAlertFn: func(context.Context, *domain.AlertRecord) error {
		got = append(got, "second")
		return nil
	}})

	err := f.PublishAlert(context.Background(), testAlert())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink first")
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, 2, f.Len())
}

func TestFanoutNoSinks(t *testing.T) {
	f := NewFanout(zaptest.NewLogger(t))
	assert.NoError(t, f.PublishAlert(context.Background(), testAlert()))
}

type fakeChannel struct {
	declared  []string
	bound     [][2]string
	published []amqp.Publishing
	exchange  string

	exchangeErr error
	publishErr  error
	closed      bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.declared = append(c.declared, "exchange:"+name+":"+kind)
	return c.exchangeErr
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.declared = append(c.declared, "queue:"+name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, _, exchange string, _ bool, _ amqp.Table) error {
	c.bound = append(c.bound, [2]string{name, exchange})
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, _ string, _, _ bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.exchange = exchange
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestRabbitMQPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newRabbitMQPublisher(ch, "bus.alerts", "driver_alerts")
	require.NoError(t, err)

	assert.Equal(t, []string{"exchange:bus.alerts:fanout", "queue:driver_alerts"}, ch.declared)
	assert.Equal(t, [][2]string{{"driver_alerts", "bus.alerts"}}, ch.bound)

	require.NoError(t, p.PublishAlert(context.Background(), testAlert()))
	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "bus.alerts", ch.exchange)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "a1", msg.MessageId)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, "B1", body["busId"])
	assert.Equal(t, "OVERSPEED", body["type"])
	assert.Equal(t, 72.0, body["speed_kmph"])
	assert.Equal(t, false, body["resolved"])

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestRabbitMQPublisherDeclareError(t *testing.T) {
	_, err := newRabbitMQPublisher(&fakeChannel{exchangeErr: errors.New("access refused")}, "bus.alerts", "driver_alerts")
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs     []kafka.Message
	writeErr error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}

	require.NoError(t, p.PublishAlert(context.Background(), testAlert()))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "B1", string(w.msgs[0].Key))
	assert.Equal(t, "alert_type", w.msgs[0].Headers[0].Key)

	var got domain.AlertRecord
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "a1", got.ID)
}

func TestKafkaPublisherError(t *testing.T) {
	p := &KafkaPublisher{w: &fakeWriter{writeErr: errors.New("leader not available")}}

	err := p.PublishAlert(context.Background(), testAlert())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert a1")
}
