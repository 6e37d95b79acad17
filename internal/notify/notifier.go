// Package notify delivers persisted alerts to downstream consumers.
package notify

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"bus-monitor/alerting/internal/domain"
	"bus-monitor/alerting/internal/metrics"
)

type Sink interface {
	PublishAlert(ctx context.Context, rec *domain.AlertRecord) error
}

type namedSink struct {
	name string
	sink Sink
}

// Fanout publishes each alert to every registered sink. A failing sink does
// not stop delivery to the others.
type Fanout struct {
	sinks  []namedSink
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger) *Fanout {
	return &Fanout{logger: logger}
}

func (f *Fanout) Add(name string, s Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
}

func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) PublishAlert(ctx context.Context, rec *domain.AlertRecord) error {
	var combined error
	for _, s := range f.sinks {
		if err := s.sink.PublishAlert(ctx, rec); err != nil {
			metrics.NotifyFailures.WithLabelValues(s.name).Inc()
			f.logger.Warn("alert sink failed",
				zap.String("sink", s.name),
				zap.String("alert_id", rec.ID),
				zap.Error(err),
			)
			combined = errors.CombineErrors(combined, errors.Wrapf(err, "sink %s", s.name))
		}
	}
	return combined
}
