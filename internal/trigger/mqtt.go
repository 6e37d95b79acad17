package trigger

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"bus-monitor/alerting/internal/metrics"
)

const (
	sourceMQTT = "mqtt"
	mqttQoS    = 1
)

// MQTTTrigger subscribes to per-bus change topics such as
// bus_locations/{busId}/changes. Messages are acked only after they were
// handled (or found undecodable). A failed message stays unacked in the
// persistent session and is redelivered when the session reconnects, not
// on a timer.
type MQTTTrigger struct {
	client  mqtt.Client
	topic   string
	handler ChangeHandler
	timeout time.Duration
	logger  *zap.Logger
}

func NewMQTTTrigger(broker, clientID, topic string, handler ChangeHandler, timeout time.Duration, logger *zap.Logger) *MQTTTrigger {
	t := &MQTTTrigger{
		topic:   topic,
		handler: handler,
		timeout: timeout,
		logger:  logger.With(zap.String("source", sourceMQTT)),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetAutoAckDisabled(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			if err := t.subscribe(c); err != nil {
				t.logger.Error("mqtt subscribe failed", zap.Error(err))
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.logger.Warn("mqtt connection lost", zap.Error(err))
		})
	t.client = mqtt.NewClient(opts)
	return t
}

// Start connects to the broker. Subscription happens in the connect
// handler so it is restored after every reconnect.
func (t *MQTTTrigger) Start() error {
	token := t.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connect")
	}
	return nil
}

func (t *MQTTTrigger) Stop() {
	t.client.Disconnect(250)
}

func (t *MQTTTrigger) subscribe(c mqtt.Client) error {
	token := c.Subscribe(t.topic, mqttQoS, t.handleMessage)
	token.Wait()
	return token.Error()
}

func (t *MQTTTrigger) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	busID, ok := busIDFromTopic(t.topic, msg.Topic())
	if !ok {
		metrics.TriggerInvocations.WithLabelValues(sourceMQTT, metrics.OutcomeInvalid).Inc()
		t.logger.Warn("message on unexpected topic", zap.String("topic", msg.Topic()))
		msg.Ack()
		return
	}

	ev, err := DecodeChangeEvent(msg.Payload(), busID)
	if err != nil {
		metrics.TriggerInvocations.WithLabelValues(sourceMQTT, metrics.OutcomeInvalid).Inc()
		t.logger.Warn("dropping invalid change event", zap.String("topic", msg.Topic()), zap.Error(err))
		msg.Ack()
		return
	}
	// The topic is authoritative for the document the change belongs to.
	ev.BusID = busID

	ctx := context.Background()
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	if _, err := t.handler.HandleChange(ctx, ev.BusID, ev.Change()); err != nil {
		metrics.TriggerInvocations.WithLabelValues(sourceMQTT, metrics.OutcomeFailed).Inc()
		t.logger.Error("change handling failed",
			zap.String("bus_id", ev.BusID),
			zap.Bool("duplicate", msg.Duplicate()),
			zap.Error(err),
		)
		return
	}

	outcome := metrics.OutcomeHandled
	if ev.After == nil {
		outcome = metrics.OutcomeNoop
	}
	metrics.TriggerInvocations.WithLabelValues(sourceMQTT, outcome).Inc()
	msg.Ack()
}

// busIDFromTopic returns the topic level matched by the single-level
// wildcard in pattern.
func busIDFromTopic(pattern, topic string) (string, bool) {
	p := strings.Split(pattern, "/")
	parts := strings.Split(topic, "/")
	if len(p) != len(parts) {
		return "", false
	}
	busID := ""
	for i, level := range p {
		switch level {
		case "+":
			busID = parts[i]
		default:
			if level != parts[i] {
				return "", false
			}
		}
	}
	return busID, busID != ""
}
