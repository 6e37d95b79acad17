package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"bus-monitor/alerting/internal/domain"
	"bus-monitor/alerting/internal/metrics"
)

// AlertStore is the persistent alert collection. It is both the
// deduplication source and the write target.
type AlertStore interface {
	HasRecentAlert(ctx context.Context, busID string, t domain.AlertType, window time.Duration) (bool, error)
	InsertAlert(ctx context.Context, rec *domain.AlertRecord) error
}

// AlertLock serializes alert writes per bus and type across instances.
type AlertLock interface {
	ClaimAlert(ctx context.Context, busID string, t domain.AlertType, window time.Duration) (bool, error)
	ReleaseAlert(ctx context.Context, busID string, t domain.AlertType) error
}

type AlertPublisher interface {
	PublishAlert(ctx context.Context, rec *domain.AlertRecord) error
}

type Option func(*AlertEvaluator)

// WithLock turns on strict deduplication: a violation is only written by
// the caller that wins the claim for its bus and alert type.
func WithLock(l AlertLock) Option {
	return func(e *AlertEvaluator) { e.lock = l }
}

func WithPublisher(p AlertPublisher) Option {
	return func(e *AlertEvaluator) { e.publisher = p }
}

func WithRules(rules []domain.AlertRule) Option {
	return func(e *AlertEvaluator) { e.rules = rules }
}

func WithWindow(d time.Duration) Option {
	return func(e *AlertEvaluator) { e.window = d }
}

type AlertEvaluator struct {
	store     AlertStore
	lock      AlertLock
	publisher AlertPublisher
	rules     []domain.AlertRule
	window    time.Duration
	logger    *zap.Logger
}

func NewAlertEvaluator(store AlertStore, logger *zap.Logger, opts ...Option) *AlertEvaluator {
	e := &AlertEvaluator{
		store:  store,
		rules:  domain.DefaultAlertRules,
		window: domain.DedupWindow,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleChange runs every rule against the after-snapshot of one location
// document update and returns the alerts it persisted. A deleted document
// is a no-op. Store errors are returned unretried so the delivering runtime
// can apply its own retry policy.
func (e *AlertEvaluator) HandleChange(ctx context.Context, busID string, change domain.LocationChange) ([]*domain.AlertRecord, error) {
	if busID == "" {
		return nil, domain.ErrMissingBusID
	}
	if change.After == nil {
		return nil, nil
	}

	var written []*domain.AlertRecord
	for _, rule := range e.rules {
		value, fired := rule.Evaluate(change.After)
		if !fired {
			continue
		}
		metrics.RuleViolations.WithLabelValues(string(rule.Type)).Inc()

		rec, err := e.raise(ctx, busID, rule.Type, value, change.After)
		if err != nil {
			return written, err
		}
		if rec != nil {
			written = append(written, rec)
		}
	}
	return written, nil
}

func (e *AlertEvaluator) raise(ctx context.Context, busID string, t domain.AlertType, value float64, u *domain.LocationUpdate) (*domain.AlertRecord, error) {
	log := e.logger.With(
		zap.String("bus_id", busID),
		zap.String("alert_type", string(t)),
		zap.Float64("speed_kmph", value),
	)

	recent, err := e.store.HasRecentAlert(ctx, busID, t, e.window)
	if err != nil {
		return nil, errors.Wrap(err, "dedup check failed")
	}
	if recent {
		metrics.AlertsSuppressed.WithLabelValues(string(t), metrics.ReasonRecentAlert).Inc()
		log.Debug("violation suppressed by recent alert")
		return nil, nil
	}

	if e.lock != nil {
		claimed, err := e.lock.ClaimAlert(ctx, busID, t, e.window)
		if err != nil {
			return nil, errors.Wrap(err, "dedup claim failed")
		}
		if !claimed {
			metrics.AlertsSuppressed.WithLabelValues(string(t), metrics.ReasonClaimHeld).Inc()
			log.Debug("violation suppressed by concurrent claim")
			return nil, nil
		}
	}

	rec := domain.NewAlertRecord(busID, t, value, u)
	if err := e.store.InsertAlert(ctx, rec); err != nil {
		if e.lock != nil {
			if rerr := e.lock.ReleaseAlert(ctx, busID, t); rerr != nil {
				log.Warn("alert claim release failed", zap.Error(rerr))
			}
		}
		return nil, errors.Wrap(err, "alert write failed")
	}
	metrics.AlertsWritten.WithLabelValues(string(t)).Inc()
	log.Info("alert written", zap.String("alert_id", rec.ID), zap.Time("timestamp", rec.Timestamp))

	if e.publisher != nil {
		if err := e.publisher.PublishAlert(ctx, rec); err != nil {
			log.Warn("alert publish failed", zap.String("alert_id", rec.ID), zap.Error(err))
		}
	}
	return rec, nil
}
