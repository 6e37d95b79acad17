package trigger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"bus-monitor/alerting/internal/metrics"
)

const sourceKafka = "kafka"

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RetryPolicy bounds how often a failed change is redelivered to the
// handler before it is given up on.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

// KafkaTrigger consumes change events from a topic. The bus id is taken
// from the event body, or the message key when the body has none. Offsets
// are committed only once an event has been handled or given up on.
type KafkaTrigger struct {
	reader  messageReader
	handler ChangeHandler
	policy  RetryPolicy
	logger  *zap.Logger
}

func NewKafkaTrigger(brokers []string, topic, groupID string, handler ChangeHandler, policy RetryPolicy, logger *zap.Logger) *KafkaTrigger {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return newKafkaTrigger(reader, handler, policy, logger)
}

func newKafkaTrigger(reader messageReader, handler ChangeHandler, policy RetryPolicy, logger *zap.Logger) *KafkaTrigger {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &KafkaTrigger{
		reader:  reader,
		handler: handler,
		policy:  policy,
		logger:  logger.With(zap.String("source", sourceKafka)),
	}
}

// Run consumes until ctx is cancelled.
func (t *KafkaTrigger) Run(ctx context.Context) error {
	for {
		msg, err := t.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Error("failed to fetch message", zap.Error(err))
			if !sleepCtx(ctx, t.policy.Backoff) {
				return nil
			}
			continue
		}

		if !t.process(ctx, msg) {
			return nil
		}

		if err := t.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Error("failed to commit message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

func (t *KafkaTrigger) Close() error {
	return t.reader.Close()
}

// process handles one message and reports whether its offset may be
// committed. It is false only when ctx ended before the event was handled.
func (t *KafkaTrigger) process(ctx context.Context, msg kafka.Message) bool {
	ev, err := DecodeChangeEvent(msg.Value, string(msg.Key))
	if err != nil {
		metrics.TriggerInvocations.WithLabelValues(sourceKafka, metrics.OutcomeInvalid).Inc()
		t.logger.Warn("dropping invalid change event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return true
	}

	log := t.logger.With(zap.String("bus_id", ev.BusID), zap.Int64("offset", msg.Offset))
	for attempt := 1; ; attempt++ {
		err = t.invoke(ctx, ev)
		if err == nil {
			return true
		}
		if attempt >= t.policy.MaxAttempts || ctx.Err() != nil {
			break
		}
		metrics.TriggerInvocations.WithLabelValues(sourceKafka, metrics.OutcomeRetried).Inc()
		log.Warn("change handling failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if !sleepCtx(ctx, t.policy.Backoff*time.Duration(attempt)) {
			break
		}
	}
	// Left uncommitted so the event is redelivered after restart.
	if ctx.Err() != nil {
		log.Info("change handling interrupted by shutdown", zap.Error(err))
		return false
	}
	metrics.TriggerInvocations.WithLabelValues(sourceKafka, metrics.OutcomeFailed).Inc()
	log.Error("change handling failed, giving up", zap.Error(err))
	return true
}

func (t *KafkaTrigger) invoke(ctx context.Context, ev ChangeEvent) error {
	if t.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.policy.Timeout)
		defer cancel()
	}
	written, err := t.handler.HandleChange(ctx, ev.BusID, ev.Change())
	if err != nil {
		return errors.Wrapf(err, "bus %s", ev.BusID)
	}
	outcome := metrics.OutcomeHandled
	if ev.After == nil {
		outcome = metrics.OutcomeNoop
	}
	metrics.TriggerInvocations.WithLabelValues(sourceKafka, outcome).Inc()
	if len(written) > 0 {
		t.logger.Debug("change produced alerts", zap.String("bus_id", ev.BusID), zap.Int("alerts", len(written)))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
