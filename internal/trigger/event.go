// Package trigger delivers location document changes from message brokers
// to the alert evaluator.
package trigger

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"bus-monitor/alerting/internal/domain"
)

type ChangeHandler interface {
	HandleChange(ctx context.Context, busID string, change domain.LocationChange) ([]*domain.AlertRecord, error)
}

// ChangeEvent is the wire form of one location document change.
type ChangeEvent struct {
	BusID  string                 `json:"busId,omitempty"`
	Before *domain.LocationUpdate `json:"before"`
	After  *domain.LocationUpdate `json:"after"`
}

func (e ChangeEvent) Change() domain.LocationChange {
	return domain.LocationChange{Before: e.Before, After: e.After}
}

var ErrInvalidEvent = errors.New("invalid change event")

// DecodeChangeEvent parses payload and fills in the bus id from fallback
// when the event does not carry one.
func DecodeChangeEvent(payload []byte, fallbackBusID string) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChangeEvent{}, errors.Mark(errors.Wrap(err, "decode change event"), ErrInvalidEvent)
	}
	if ev.BusID == "" {
		ev.BusID = fallbackBusID
	}
	if ev.BusID == "" {
		return ChangeEvent{}, errors.Mark(domain.ErrMissingBusID, ErrInvalidEvent)
	}
	return ev, nil
}
